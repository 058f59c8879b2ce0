package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshmeet/internal/core/services"
	httphandlers "meshmeet/internal/handlers/http"
	"meshmeet/internal/infrastructure/middleware"
	"meshmeet/internal/infrastructure/monitoring"
	"meshmeet/internal/infrastructure/repositories"
	signalrelay "meshmeet/internal/infrastructure/signal"
	"meshmeet/pkg/config"
	"meshmeet/pkg/logger"
	"meshmeet/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	paths := []string{"configs/config.yaml", "config.yaml"}
	if *configPath != "" {
		paths = []string{*configPath}
	}
	cfg, loadedFrom, err := config.LoadFirst(paths...)
	if err != nil {
		panic(err)
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if loadedFrom != "" {
		log.Infow("Loaded config", "path", loadedFrom)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "meshmeet-relay",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("Failed to initialize tracing", "error", err)
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("Failed to create repository factory", "error", err)
	}
	roomRepo := repoFactory.CreateRoomRepository()

	collector := monitoring.NewCollector(prometheus.DefaultRegisterer)

	rooms := services.NewRoomService(roomRepo, services.RoomServiceConfig{
		JWTSecret: cfg.Auth.JWTSecret,
		PassTTL:   cfg.Rooms.PassTTL,
		CacheTTL:  cfg.Rooms.CacheTTL,
		IDRetries: cfg.Rooms.IDRetries,
	}, collector.RoomCreated, log)

	relayCfg := signalrelay.RelayConfig{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		SendBufferSize: cfg.Signal.SendBufferSize,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		relayCfg.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		relayCfg.Burst = cfg.RateLimiting.WebSocket.Burst
		relayCfg.MaxConnections = cfg.RateLimiting.WebSocket.MaxConcurrent
	}
	relay := signalrelay.NewRelay(rooms, relayCfg, collector, log.Named("relay"))

	checker := monitoring.NewHealthChecker()
	checker.AddRepositoryCheck(roomRepo, 2*time.Second)
	if repoFactory.UsesRedis() {
		checker.AddCheck("redis", repoFactory.HealthCheck, 2*time.Second)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
	)

	httphandlers.NewHealthHandler(checker, relay.ConnectedSockets).SetupRoutes(router)
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	router.GET("/ws", gin.WrapH(relay))

	api := router.Group("/")
	api.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	httphandlers.NewRoomHandler(rooms).SetupRoutes(api)

	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// No WriteTimeout: it would cut long-lived websocket connections.
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting meshmeet relay", "address", cfg.Server.Address, "redis", repoFactory.UsesRedis())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		srv.Close()
	}
	relay.Close()

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Failed to flush traces", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}
	log.Info("meshmeet relay stopped")
}
