package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"parley/internal/core/ports"
	"parley/internal/core/services"
	httphandlers "parley/internal/handlers/http"
	"parley/internal/infrastructure/distributed"
	"parley/internal/infrastructure/loadbalancer"
	"parley/internal/infrastructure/middleware"
	"parley/internal/infrastructure/monitoring"
	"parley/internal/infrastructure/repositories"
	"parley/internal/infrastructure/sfu"
	signalinfra "parley/internal/infrastructure/signal"
	"parley/pkg/cache"
	"parley/pkg/config"
	"parley/pkg/logger"
	"parley/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/parley/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	// Initialize logger
	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	// Initialize tracing
	tracerProvider, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "parley-signal",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	// Initialize repository factory
	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer repoFactory.Close()

	messageStore := repoFactory.CreateMessageStore()
	directory := repoFactory.CreateRoomDirectory()

	// Offline notifications go over Redis pub/sub when available.
	instanceID := uuid.New().String()
	var notifier ports.Notifier = distributed.NoopNotifier{}
	if client := repoFactory.RedisClient(); client != nil {
		notifier = distributed.NewNotificationBus(client, instanceID, log)
	}

	// Initialize services
	hub := signalinfra.NewHub(cfg.Signal.WriteTimeout, log)
	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)
	presence := services.NewPresenceService(hub, log)
	sfuClient := sfu.NewClient(cfg, log)
	registry := services.NewRoomRegistry(directory, sfuClient, hub, log)

	capsCache := cache.New[json.RawMessage](cfg.SFU.CapabilitiesTTL)
	defer capsCache.Close()

	media := services.NewMediaSessionService(sfuClient, registry, capsCache, log)
	relay := services.NewMessageService(messageStore, presence, hub, notifier, log)

	wsServer := signalinfra.NewWebSocketServer(cfg, hub, authService, presence, registry, media, relay, directory, log)

	// Initialize monitoring
	if cfg.Monitoring.PrometheusEnabled {
		collector := monitoring.NewPrometheusCollector()
		wsServer.SetMetrics(collector)
		sfuClient.SetObserver(collector)

		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				collector.SetUsersOnline(len(presence.OnlineUsers()))
				collector.SetRoomsActive(registry.RoomCount())
				collector.SetProducersActive(registry.ProducerCount())
			}
		}()
	}

	healthChecker := monitoring.NewHealthChecker()
	healthChecker.AddCheck("sfu", 2*time.Second, sfuClient.Health)
	healthChecker.AddCheck("repositories", 2*time.Second, repoFactory.HealthCheck)

	// Initialize HTTP handlers
	sticky := loadbalancer.NewStickySessionManager(cfg.Auth.JWTSecret, "parley_affinity", 86400)
	authHandler := httphandlers.NewAuthHandler(authService, sticky)
	admin, _ := directory.(ports.RoomAdmin)
	roomHandler := httphandlers.NewRoomHandler(admin, registry, authService)

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	authHandler.SetupRoutes(router)
	roomHandler.SetupRoutes(router)

	router.GET("/ws", gin.WrapF(wsServer.HandleWebSocket))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		status := healthChecker.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting signaling server",
			"address", cfg.Server.Address,
			"instance_id", instanceID,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	hub.Shutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer provider", "error", err)
	}

	log.Info("signaling server stopped")
}
