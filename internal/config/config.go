package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"vehicle-guard/pkg/batch"
	"vehicle-guard/pkg/log"
)

type Config struct {
	Port           string
	AllowedOrigins []string
	MongoURI       string
	JWTSecret      string
	JWTExpiry      time.Duration
	DeviceKeys     []string

	Redis     RedisConfig
	MQTT      MQTTConfig
	Pipeline  PipelineConfig
	RateLimit RateLimitConfig
	Batch     batch.BatchConfig
	Log       *log.Options
}

type RedisConfig struct {
	Enabled      bool
	URL          string
	Host         string
	Port         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	RetryDelay   time.Duration
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolTimeout  time.Duration
}

type MQTTConfig struct {
	Enabled   bool
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	TopicRoot string
	QoS       int
}

// PipelineConfig holds the thresholds and windows of the telemetry core.
type PipelineConfig struct {
	MovingThresholdKmh   float64
	LowBatteryThreshold  float64
	AlertCooldown        time.Duration
	CommandAckTimeout    time.Duration
	SessionQueueSize     int
	AlertPersistAttempts int
	AlertPersistBackoff  time.Duration
	StateCacheTTL        time.Duration
}

type RateLimitConfig struct {
	Enabled                 bool
	DeviceRequestsPerMinute int
	DeviceBurst             int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("allowed_origins", "http://localhost:5173")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.expiry", "24h")
	v.SetDefault("device_keys", "")

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.retry_delay", "500ms")
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("redis.pool_timeout", "4s")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "vehicle-guard")
	v.SetDefault("mqtt.topic_root", "vg/v1")
	v.SetDefault("mqtt.qos", 1)

	v.SetDefault("pipeline.moving_threshold_kmh", 10.0)
	v.SetDefault("pipeline.low_battery_threshold", 15.0)
	v.SetDefault("pipeline.alert_cooldown", "5m")
	v.SetDefault("pipeline.command_ack_timeout", "10s")
	v.SetDefault("pipeline.session_queue_size", 256)
	v.SetDefault("pipeline.alert_persist_attempts", 3)
	v.SetDefault("pipeline.alert_persist_backoff", "100ms")
	v.SetDefault("pipeline.state_cache_ttl", "24h")

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.device_requests_per_minute", 120)
	v.SetDefault("ratelimit.device_burst", 20)

	b := batch.DefaultBatchConfig()
	v.SetDefault("batch.max_size", b.MaxBatchSize)
	v.SetDefault("batch.interval", b.BatchInterval.String())
	v.SetDefault("batch.max_wait_time", b.MaxWaitTime.String())
	v.SetDefault("batch.retry_attempts", b.RetryAttempts)
	v.SetDefault("batch.retry_backoff", b.RetryBackoff.String())

	l := log.NewOptions()
	v.SetDefault("log.level", l.Level)
	v.SetDefault("log.format", l.Format)
}

// AddFlags declares the command line flags Load understands.
func AddFlags(fs *pflag.FlagSet) {
	fs.String("port", "8080", "HTTP listen port.")
	fs.String("mongo.uri", "", "MongoDB connection URI, database name included.")
	fs.String("redis.url", "", "Redis URL; overrides redis host and port.")
	fs.Bool("mqtt.enabled", false, "Connect to the MQTT broker for device commands and telemetry.")
	fs.String("mqtt.broker_url", "tcp://localhost:1883", "MQTT broker URL.")
	log.NewOptions().AddFlags(fs)
}

// Load reads .env (optional), environment variables and any flags bound in fs.
// Environment keys are the upper-cased config keys with dots replaced by underscores,
// for example MONGO_URI or PIPELINE_ALERT_COOLDOWN.
func Load(flags *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("binding flags: %w", err)
		}
	}

	cfg := &Config{
		Port:           v.GetString("port"),
		AllowedOrigins: splitList(v.GetString("allowed_origins")),
		MongoURI:       v.GetString("mongo.uri"),
		JWTSecret:      v.GetString("jwt.secret"),
		JWTExpiry:      v.GetDuration("jwt.expiry"),
		DeviceKeys:     splitList(v.GetString("device_keys")),
		Redis: RedisConfig{
			Enabled:      v.GetBool("redis.enabled"),
			URL:          v.GetString("redis.url"),
			Host:         v.GetString("redis.host"),
			Port:         v.GetString("redis.port"),
			Password:     v.GetString("redis.password"),
			DB:           v.GetInt("redis.db"),
			PoolSize:     v.GetInt("redis.pool_size"),
			MinIdleConns: v.GetInt("redis.min_idle_conns"),
			MaxRetries:   v.GetInt("redis.max_retries"),
			RetryDelay:   v.GetDuration("redis.retry_delay"),
			DialTimeout:  v.GetDuration("redis.dial_timeout"),
			ReadTimeout:  v.GetDuration("redis.read_timeout"),
			WriteTimeout: v.GetDuration("redis.write_timeout"),
			PoolTimeout:  v.GetDuration("redis.pool_timeout"),
		},
		MQTT: MQTTConfig{
			Enabled:   v.GetBool("mqtt.enabled"),
			BrokerURL: v.GetString("mqtt.broker_url"),
			ClientID:  v.GetString("mqtt.client_id"),
			Username:  v.GetString("mqtt.username"),
			Password:  v.GetString("mqtt.password"),
			TopicRoot: v.GetString("mqtt.topic_root"),
			QoS:       v.GetInt("mqtt.qos"),
		},
		Pipeline: PipelineConfig{
			MovingThresholdKmh:   v.GetFloat64("pipeline.moving_threshold_kmh"),
			LowBatteryThreshold:  v.GetFloat64("pipeline.low_battery_threshold"),
			AlertCooldown:        v.GetDuration("pipeline.alert_cooldown"),
			CommandAckTimeout:    v.GetDuration("pipeline.command_ack_timeout"),
			SessionQueueSize:     v.GetInt("pipeline.session_queue_size"),
			AlertPersistAttempts: v.GetInt("pipeline.alert_persist_attempts"),
			AlertPersistBackoff:  v.GetDuration("pipeline.alert_persist_backoff"),
			StateCacheTTL:        v.GetDuration("pipeline.state_cache_ttl"),
		},
		RateLimit: RateLimitConfig{
			Enabled:                 v.GetBool("ratelimit.enabled"),
			DeviceRequestsPerMinute: v.GetInt("ratelimit.device_requests_per_minute"),
			DeviceBurst:             v.GetInt("ratelimit.device_burst"),
		},
		Batch: batch.BatchConfig{
			MaxBatchSize:  v.GetInt("batch.max_size"),
			BatchInterval: v.GetDuration("batch.interval"),
			MaxWaitTime:   v.GetDuration("batch.max_wait_time"),
			RetryAttempts: v.GetInt("batch.retry_attempts"),
			RetryBackoff:  v.GetDuration("batch.retry_backoff"),
		},
		Log: &log.Options{
			Name:          "vehicle-guard",
			Level:         v.GetString("log.level"),
			Format:        v.GetString("log.format"),
			EnableColor:   v.GetBool("log.enable-color"),
			DisableCaller: v.GetBool("log.disable-caller"),
			CallerSkip:    1,
			OutputPaths:   []string{"stdout"},
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.MongoURI == "" {
		return errors.New("MONGO_URI is not set")
	}
	if c.Pipeline.MovingThresholdKmh < 0 {
		return errors.New("pipeline moving threshold must not be negative")
	}
	if c.Pipeline.LowBatteryThreshold < 0 || c.Pipeline.LowBatteryThreshold > 100 {
		return errors.New("pipeline low battery threshold must be within [0,100]")
	}
	if c.Pipeline.CommandAckTimeout <= 0 {
		return errors.New("pipeline command ack timeout must be positive")
	}
	if c.Pipeline.SessionQueueSize <= 0 {
		return errors.New("pipeline session queue size must be positive")
	}
	if c.Pipeline.AlertPersistAttempts <= 0 {
		return errors.New("pipeline alert persist attempts must be positive")
	}
	if err := batch.ValidateConfig(c.Batch); err != nil {
		return err
	}
	if errs := c.Log.Validate(); len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
