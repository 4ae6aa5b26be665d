package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MONGO_URI", "mongodb://localhost:27017/guard")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 10.0, cfg.Pipeline.MovingThresholdKmh)
	assert.Equal(t, 15.0, cfg.Pipeline.LowBatteryThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Pipeline.AlertCooldown)
	assert.Equal(t, 10*time.Second, cfg.Pipeline.CommandAckTimeout)
	assert.Equal(t, 3, cfg.Pipeline.AlertPersistAttempts)
	assert.True(t, cfg.Redis.Enabled)
	assert.False(t, cfg.MQTT.Enabled)
	assert.Equal(t, "vg/v1", cfg.MQTT.TopicRoot)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.AllowedOrigins)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("MONGO_URI", "mongodb://db/guard")
	t.Setenv("PIPELINE_ALERT_COOLDOWN", "90s")
	t.Setenv("PIPELINE_MOVING_THRESHOLD_KMH", "0")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("DEVICE_KEYS", "k1,k2")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, cfg.Pipeline.AlertCooldown)
	assert.Equal(t, 0.0, cfg.Pipeline.MovingThresholdKmh)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, []string{"k1", "k2"}, cfg.DeviceKeys)
}

func TestLoadFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("MONGO_URI", "mongodb://env/guard")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--mongo.uri=mongodb://flag/guard", "--port=9090"}))

	cfg, err := Load(fs)
	require.NoError(t, err)
	assert.Equal(t, "mongodb://flag/guard", cfg.MongoURI)
	assert.Equal(t, "9090", cfg.Port)
}

func TestLoadRequiresMongoURI(t *testing.T) {
	t.Setenv("MONGO_URI", "")

	_, err := Load(nil)
	assert.Error(t, err)
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	t.Setenv("MONGO_URI", "mongodb://db/guard")
	cfg, err := Load(nil)
	require.NoError(t, err)

	cfg.Pipeline.LowBatteryThreshold = 120
	assert.Error(t, cfg.Validate())
}
