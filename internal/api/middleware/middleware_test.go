package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vehicle-guard/internal/config"
	"vehicle-guard/pkg/jwt"
	"vehicle-guard/pkg/ratelimit"
	"vehicle-guard/pkg/redis"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func okHandler(c *gin.Context) { c.Status(http.StatusOK) }

func do(r http.Handler, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	j := jwt.NewJWTUtil("secret", time.Hour)
	viewer, err := j.GenerateToken("u1", jwt.RoleViewer, []string{"V1"})
	require.NoError(t, err)
	admin, err := j.GenerateToken("root", jwt.RoleAdmin, nil)
	require.NoError(t, err)

	r := gin.New()
	api := r.Group("/", AuthMiddleware(j))
	api.GET("/vehicles/:id", RequireVehicleAccess("id"), okHandler)
	api.PUT("/vehicles/:id/geofence", RequireAdmin(), okHandler)
	api.POST("/vehicles/:id/commands", RequireCommander(), okHandler)

	tests := []struct {
		name    string
		method  string
		path    string
		headers map[string]string
		want    int
	}{
		{"missing token", http.MethodGet, "/vehicles/V1", nil, http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/vehicles/V1", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"in scope", http.MethodGet, "/vehicles/V1", map[string]string{"Authorization": "Bearer " + viewer}, http.StatusOK},
		{"bare token", http.MethodGet, "/vehicles/V1", map[string]string{"Authorization": viewer}, http.StatusOK},
		{"query token", http.MethodGet, "/vehicles/V1?token=" + viewer, nil, http.StatusOK},
		{"out of scope", http.MethodGet, "/vehicles/V2", map[string]string{"Authorization": "Bearer " + viewer}, http.StatusForbidden},
		{"admin any vehicle", http.MethodGet, "/vehicles/V9", map[string]string{"Authorization": "Bearer " + admin}, http.StatusOK},
		{"viewer not admin", http.MethodPut, "/vehicles/V1/geofence", map[string]string{"Authorization": "Bearer " + viewer}, http.StatusForbidden},
		{"admin geofence", http.MethodPut, "/vehicles/V1/geofence", map[string]string{"Authorization": "Bearer " + admin}, http.StatusOK},
		{"viewer cannot command", http.MethodPost, "/vehicles/V1/commands", map[string]string{"Authorization": "Bearer " + viewer}, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, tt.method, tt.path, tt.headers)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestDeviceKeyMiddleware(t *testing.T) {
	r := gin.New()
	r.POST("/open", DeviceKeyMiddleware(nil), okHandler)
	r.POST("/closed", DeviceKeyMiddleware([]string{"k1", " k2 "}), okHandler)

	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/open", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodPost, "/closed", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodPost, "/closed", map[string]string{DeviceKeyHeader: "k3"}).Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/closed", map[string]string{DeviceKeyHeader: "k2"}).Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(config.RedisConfig{Host: mr.Host(), Port: mr.Port()}, nil)
	t.Cleanup(func() { client.Close() })

	cfg := ratelimit.DefaultConfig(60, 2)
	limiter := ratelimit.NewRedisRateLimiter(client, cfg)

	r := gin.New()
	r.POST("/telemetry", RateLimitMiddleware(limiter, ratelimit.CategoryTelemetry, DeviceKey), okHandler)

	v1 := map[string]string{DeviceIDHeader: "V1"}
	for i := 0; i < 2; i++ {
		w := do(r, http.MethodPost, "/telemetry", v1)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
		assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Burst"))
	}

	w := do(r, http.MethodPost, "/telemetry", v1)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	// Other devices keep their own buckets.
	w = do(r, http.MethodPost, "/telemetry", map[string]string{DeviceIDHeader: "V2"})
	assert.Equal(t, http.StatusOK, w.Code)

	// A Redis outage lets traffic through.
	mr.Close()
	w = do(r, http.MethodPost, "/telemetry", v1)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Rate limiter unavailable", w.Header().Get("X-RateLimit-Error"))
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("down")
}

func (brokenLimiter) GetStats() ratelimit.RateLimiterStats { return ratelimit.RateLimiterStats{} }

func TestRateLimitMiddleware_KeyFuncs(t *testing.T) {
	j := jwt.NewJWTUtil("secret", time.Hour)
	token, err := j.GenerateToken("u1", jwt.RoleViewer, nil)
	require.NoError(t, err)

	var seen []string
	capture := func(c *gin.Context) {
		seen = append(seen, DeviceKey(c), UserKey(c))
	}

	r := gin.New()
	r.GET("/anon", RateLimitMiddleware(brokenLimiter{}, ratelimit.CategoryAPI, nil), capture)
	r.GET("/auth", AuthMiddleware(j), capture)

	do(r, http.MethodGet, "/anon", map[string]string{DeviceKeyHeader: "k1"})
	do(r, http.MethodGet, "/auth", map[string]string{"Authorization": "Bearer " + token})

	require.Len(t, seen, 4)
	assert.Equal(t, "key:k1", seen[0])
	assert.Contains(t, seen[1], "ip:")
	assert.Contains(t, seen[2], "ip:")
	assert.Equal(t, "user:u1", seen[3])
}
