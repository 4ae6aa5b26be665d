package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"vehicle-guard/internal/alerts"
	"vehicle-guard/internal/api/routes"
	"vehicle-guard/internal/broadcast"
	"vehicle-guard/internal/commands"
	"vehicle-guard/internal/config"
	"vehicle-guard/internal/device"
	"vehicle-guard/internal/ingest"
	"vehicle-guard/internal/metrics"
	"vehicle-guard/internal/models"
	"vehicle-guard/internal/repository"
	"vehicle-guard/internal/rules"
	"vehicle-guard/internal/services"
	"vehicle-guard/internal/state"
	"vehicle-guard/internal/websocket"
	"vehicle-guard/pkg/batch"
	"vehicle-guard/pkg/cache"
	"vehicle-guard/pkg/cleanup"
	"vehicle-guard/pkg/database"
	"vehicle-guard/pkg/jwt"
	"vehicle-guard/pkg/log"
	"vehicle-guard/pkg/mqtt"
	"vehicle-guard/pkg/ratelimit"
	"vehicle-guard/pkg/redis"
)

const shutdownTimeout = 10 * time.Second

// server owns every long-lived component. Fields for optional dependencies
// (redis, mqtt, limiter) are nil when disabled.
type server struct {
	cfg    *config.Config
	logger log.Logger

	db          *mongo.Database
	redisClient *redis.Client
	mqttClient  mqtt.Client
	channel     *device.Channel
	limiter     *ratelimit.MemoryRateLimiter

	processor   *batch.DefaultBatchProcessor
	cleanup     *cleanup.CleanupService
	broadcaster *broadcast.Broadcaster
	dispatcher  *commands.Dispatcher
	telemetry   *services.TelemetryService
	commands    *services.CommandService
	websockets  *websocket.Manager
	http        *http.Server
}

func newServer(ctx context.Context, cfg *config.Config) (*server, error) {
	logger := log.Std()
	s := &server{cfg: cfg, logger: logger}

	db, err := database.Connect(ctx, cfg.MongoURI)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	s.db = db

	stateRepo := repository.NewVehicleStateRepository(db)
	alertRepo := repository.NewAlertRepository(db)
	commandRepo := repository.NewCommandRepository(db)

	// Durable store last: the cache is cheaper and usually fresher.
	writers := batch.MultiWriter{stateRepo}
	loaders := []state.Loader{stateRepo}
	if cfg.Redis.Enabled {
		s.redisClient = redis.NewClient(cfg.Redis, logger)
		if hs := s.redisClient.HealthCheck(); hs.IsConnected {
			logger.Info("Redis connected", "addr", hs.ConnectionInfo)
		} else {
			logger.Warn("Redis connection failed, will retry automatically", "error", hs.Error)
		}

		cacheCfg := cache.DefaultCacheConfig()
		if cfg.Pipeline.StateCacheTTL > 0 {
			cacheCfg.StateTTL = cfg.Pipeline.StateCacheTTL
		}
		stateCache := cache.NewStateCache(s.redisClient, cacheCfg)
		writers = append(writers, stateCache)
		loaders = []state.Loader{stateCache, stateRepo}
	}

	s.processor = batch.NewBatchProcessor(cfg.Batch, writers, logger)
	store := state.NewStore(
		state.Config{MovingThresholdKmh: cfg.Pipeline.MovingThresholdKmh},
		state.WithLoaders(loaders...),
		state.WithSink(s.processor),
		state.WithLogger(logger),
	)

	provider := rules.NewMemoryProvider()
	dedup := alerts.NewDeduplicator(alerts.Config{
		Cooldown:        cfg.Pipeline.AlertCooldown,
		PersistAttempts: cfg.Pipeline.AlertPersistAttempts,
		PersistBackoff:  cfg.Pipeline.AlertPersistBackoff,
	}, alertRepo, logger)
	s.cleanup = cleanup.NewCleanupService(cfg.Pipeline.AlertCooldown, logger,
		cleanup.Task{Name: "alert-cooldowns", Run: dedup.PruneExpired},
	)
	s.broadcaster = broadcast.NewBroadcaster(broadcast.Config{QueueSize: cfg.Pipeline.SessionQueueSize}, logger)

	s.telemetry = services.NewTelemetryService(
		ingest.NewNormalizer(),
		store,
		rules.NewEngine(rules.Config{LowBatteryThreshold: cfg.Pipeline.LowBatteryThreshold}),
		provider,
		dedup,
		s.broadcaster,
		logger,
	)

	// Without a broker every command fails as unreachable.
	var deviceChannel commands.DeviceChannel
	if cfg.MQTT.Enabled {
		s.mqttClient, err = mqtt.NewClient(&mqtt.ClientConfig{
			BrokerURL:  cfg.MQTT.BrokerURL,
			ClientID:   cfg.MQTT.ClientID,
			Username:   cfg.MQTT.Username,
			Password:   cfg.MQTT.Password,
			CleanStart: true,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create mqtt client: %w", err)
		}
		s.channel = device.NewChannel(s.mqttClient, cfg.MQTT.TopicRoot, cfg.MQTT.QoS, logger)
		deviceChannel = s.channel
	}

	s.dispatcher = commands.NewDispatcher(commands.Config{AckTimeout: cfg.Pipeline.CommandAckTimeout}, deviceChannel, commandRepo, logger)
	s.commands = services.NewCommandService(s.dispatcher, s.telemetry, s.broadcaster, logger)
	s.websockets = websocket.NewManager(s.broadcaster, cfg.AllowedOrigins, logger)

	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET is empty, dashboard tokens are trivially forgeable")
	}
	deps := routes.Dependencies{
		Telemetry:  s.telemetry,
		Vehicles:   services.NewVehicleService(s.telemetry, provider),
		Alerts:     services.NewAlertService(dedup, alertRepo, s.broadcaster),
		Commands:   s.commands,
		WebSockets: s.websockets,
		DB:         db,
		Redis:      s.redisClient,
		JWT:        jwt.NewJWTUtil(cfg.JWTSecret, cfg.JWTExpiry),
		DeviceKeys: cfg.DeviceKeys,
	}
	if s.channel != nil {
		deps.Devices = s.channel
	}
	if cfg.RateLimit.Enabled {
		rlCfg := ratelimit.DefaultConfig(cfg.RateLimit.DeviceRequestsPerMinute, cfg.RateLimit.DeviceBurst)
		if s.redisClient != nil {
			deps.Limiter = ratelimit.NewRedisRateLimiter(s.redisClient, rlCfg)
		} else {
			s.limiter = ratelimit.NewMemoryRateLimiter(rlCfg)
			deps.Limiter = s.limiter
		}
	}

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	s.http = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           routes.NewRouter(deps, cfg.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Run serves until ctx is cancelled or a component fails, then shuts down in
// dependency order: producers first, the batch writer and stores last.
func (s *server) Run(ctx context.Context) error {
	if err := s.processor.Start(); err != nil {
		return err
	}
	defer s.close()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.serveHTTP(ctx)
	})
	g.Go(func() error {
		return s.websockets.Start(ctx)
	})
	g.Go(func() error {
		return s.cleanup.Start(ctx)
	})
	if s.mqttClient != nil {
		g.Go(func() error {
			return s.runDevices(ctx)
		})
	}

	s.logger.Info("All servers starting", "port", s.cfg.Port, "mqtt", s.mqttClient != nil, "redis", s.redisClient != nil)
	return g.Wait()
}

func (s *server) serveHTTP(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// runDevices connects to the broker and routes acks and MQTT telemetry into
// the pipeline until ctx ends.
func (s *server) runDevices(ctx context.Context) error {
	if err := s.mqttClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start mqtt client: %w", err)
	}

	onAck := func(ctx context.Context, ack models.CommandAck) error {
		_, err := s.commands.Acknowledge(ctx, ack)
		return err
	}
	onReport := func(ctx context.Context, vehicleID string, payload []byte) error {
		_, err := s.telemetry.IngestPayload(ctx, vehicleID, payload, services.SourceMQTT)
		return err
	}
	if err := s.channel.Listen(ctx, onAck, onReport); err != nil {
		return err
	}

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		metrics.DeviceConnectivity.Set(boolGauge(s.channel.Connected()))
		select {
		case <-ctx.Done():
			disconnectCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			s.mqttClient.Disconnect(disconnectCtx)
			metrics.DeviceConnectivity.Set(0)
			return nil
		case <-ticker.C:
		}
	}
}

func (s *server) close() {
	s.dispatcher.Stop()
	s.broadcaster.Close()
	if err := s.processor.Stop(); err != nil {
		s.logger.Error(err, "Failed to stop batch processor")
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error(err, "Failed to close redis client")
		}
	}
	if err := database.Disconnect(s.db.Client()); err != nil {
		s.logger.Error(err, "Failed to disconnect from database")
	}
	s.logger.Info("Server stopped")
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
