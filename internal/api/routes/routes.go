package routes

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/mongo"

	"vehicle-guard/internal/api/handlers"
	"vehicle-guard/internal/api/middleware"
	"vehicle-guard/internal/services"
	"vehicle-guard/internal/websocket"
	"vehicle-guard/pkg/jwt"
	"vehicle-guard/pkg/ratelimit"
	"vehicle-guard/pkg/redis"
)

// Dependencies is everything the HTTP surface talks to. Redis, Devices and
// Limiter are optional.
type Dependencies struct {
	Telemetry  *services.TelemetryService
	Vehicles   *services.VehicleService
	Alerts     *services.AlertService
	Commands   *services.CommandService
	WebSockets *websocket.Manager

	DB      *mongo.Database
	Redis   *redis.Client
	Devices handlers.DeviceStatus

	JWT        *jwt.JWTUtil
	Limiter    ratelimit.RateLimiter
	DeviceKeys []string
}

// NewRouter builds the gin engine with CORS, metrics and the API routes.
func NewRouter(deps Dependencies, allowedOrigins []string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(corsConfig(allowedOrigins)))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	SetupRoutes(router, deps)
	return router
}

func corsConfig(allowedOrigins []string) cors.Config {
	corsConfig := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", middleware.DeviceKeyHeader, middleware.DeviceIDHeader, "Upgrade", "Connection", "Sec-WebSocket-Key", "Sec-WebSocket-Version", "Sec-WebSocket-Protocol"},
		ExposeHeaders: []string{"Content-Length", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
	}

	// Handle wildcard origin for development
	if len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowCredentials = false
	} else {
		corsConfig.AllowOrigins = allowedOrigins
		corsConfig.AllowCredentials = true
	}
	return corsConfig
}

func SetupRoutes(router *gin.Engine, deps Dependencies) {
	telemetryHandler := handlers.NewTelemetryHandler(deps.Telemetry)
	vehicleHandler := handlers.NewVehicleHandler(deps.Vehicles, deps.Alerts, deps.Commands)
	alertHandler := handlers.NewAlertHandler(deps.Alerts)
	commandHandler := handlers.NewCommandHandler(deps.Commands)
	healthHandler := handlers.NewHealthHandler(deps.DB, deps.Redis, deps.Devices)
	wsHandler := handlers.NewWebSocketHandler(deps.WebSockets)

	limit := func(category string, key middleware.KeyFunc) gin.HandlerFunc {
		if deps.Limiter == nil {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.RateLimitMiddleware(deps.Limiter, category, key)
	}

	api := router.Group("/api/v1")
	api.GET("/health", healthHandler.HealthCheck)

	// Device routes
	devices := api.Group("/", middleware.DeviceKeyMiddleware(deps.DeviceKeys))
	{
		devices.POST("/telemetry", limit(ratelimit.CategoryTelemetry, middleware.DeviceKey), telemetryHandler.Ingest)
		devices.POST("/commands/:id/ack", limit(ratelimit.CategoryTelemetry, middleware.DeviceKey), commandHandler.Acknowledge)
	}

	// Protected routes
	protected := api.Group("/", middleware.AuthMiddleware(deps.JWT))
	{
		protected.GET("/ws", wsHandler.HandleWebSocket)
		protected.GET("/ws/stats", middleware.RequireAdmin(), wsHandler.GetStats)

		vehicles := protected.Group("/vehicles/:id", middleware.RequireVehicleAccess("id"), limit(ratelimit.CategoryAPI, middleware.UserKey))
		{
			vehicles.GET("/state", vehicleHandler.GetState)
			vehicles.GET("/alerts", vehicleHandler.GetAlerts)
			vehicles.GET("/commands", vehicleHandler.GetCommands)
			vehicles.POST("/commands", middleware.RequireCommander(), limit(ratelimit.CategoryCommands, middleware.UserKey), vehicleHandler.SubmitCommand)

			vehicles.GET("/environment", middleware.RequireAdmin(), vehicleHandler.GetEnvironment)
			vehicles.PUT("/geofence", middleware.RequireAdmin(), vehicleHandler.SetGeofence)
			vehicles.PUT("/session", middleware.RequireAdmin(), vehicleHandler.SetSession)
			vehicles.PUT("/engine-lock", middleware.RequireAdmin(), vehicleHandler.SetEngineLock)
		}

		alerts := protected.Group("/alerts", limit(ratelimit.CategoryAPI, middleware.UserKey))
		{
			alerts.GET("", alertHandler.GetAlerts)
			alerts.GET("/stats", alertHandler.GetAlertStatistics)
			alerts.PATCH("/:id/read", alertHandler.MarkRead)
			alerts.PATCH("/:id/acknowledge", alertHandler.Acknowledge)
		}

		protected.GET("/commands/:id", limit(ratelimit.CategoryAPI, middleware.UserKey), commandHandler.GetCommand)
	}
}
