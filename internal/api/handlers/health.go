package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/mongo"

	"vehicle-guard/pkg/database"
	"vehicle-guard/pkg/redis"
)

// DeviceStatus reports whether the device channel has a live broker session.
type DeviceStatus interface {
	Connected() bool
}

type HealthHandler struct {
	db          *mongo.Database
	redisClient *redis.Client
	devices     DeviceStatus
}

type HealthResponse struct {
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Services  map[string]any `json:"services"`
}

// NewHealthHandler reports on the durable store, the state cache and the
// device channel. A nil redisClient or devices means that dependency is
// disabled rather than down.
func NewHealthHandler(db *mongo.Database, redisClient *redis.Client, devices DeviceStatus) *HealthHandler {
	return &HealthHandler{
		db:          db,
		redisClient: redisClient,
		devices:     devices,
	}
}

func (h *HealthHandler) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Timestamp: time.Now(),
		Services:  make(map[string]any),
	}

	overallHealthy := true
	for name, check := range map[string]func(context.Context) map[string]any{
		"mongodb": h.checkMongoDB,
		"redis":   h.checkRedis,
		"mqtt":    h.checkMQTT,
	} {
		status := check(c.Request.Context())
		response.Services[name] = status
		if !status["healthy"].(bool) {
			overallHealthy = false
		}
	}

	if overallHealthy {
		response.Status = "healthy"
		c.JSON(http.StatusOK, response)
	} else {
		response.Status = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, response)
	}
}

func (h *HealthHandler) checkMongoDB(ctx context.Context) map[string]any {
	status := map[string]any{
		"service": "mongodb",
		"healthy": false,
	}

	if h.db == nil {
		status["error"] = "Database client not initialized"
		return status
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := database.Health(ctx, h.db); err != nil {
		status["error"] = err.Error()
		return status
	}
	status["healthy"] = true
	status["message"] = "Connected"
	return status
}

func (h *HealthHandler) checkRedis(context.Context) map[string]any {
	status := map[string]any{
		"service": "redis",
		"healthy": true,
	}

	if h.redisClient == nil {
		status["message"] = "Disabled"
		return status
	}

	healthStatus := h.redisClient.HealthCheck()
	status["healthy"] = healthStatus.IsConnected
	status["connectionInfo"] = healthStatus.ConnectionInfo
	status["responseTime"] = healthStatus.ResponseTime.String()
	status["lastPing"] = healthStatus.LastPing
	if healthStatus.Error != "" {
		status["error"] = healthStatus.Error
	}
	status["connectionStats"] = h.redisClient.GetConnectionStats()
	return status
}

func (h *HealthHandler) checkMQTT(context.Context) map[string]any {
	status := map[string]any{
		"service": "mqtt",
		"healthy": true,
	}

	if h.devices == nil {
		status["message"] = "Disabled"
		return status
	}
	if !h.devices.Connected() {
		status["healthy"] = false
		status["error"] = "Broker connection down"
		return status
	}
	status["message"] = "Connected"
	return status
}
