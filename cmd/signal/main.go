package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ringline/internal/core/services"
	httphandlers "ringline/internal/handlers/http"
	"ringline/internal/infrastructure/distributed"
	"ringline/internal/infrastructure/middleware"
	"ringline/internal/infrastructure/monitoring"
	"ringline/internal/infrastructure/repositories"
	signalinfra "ringline/internal/infrastructure/signal"
	"ringline/pkg/config"
	"ringline/pkg/logger"
	"ringline/pkg/tracing"
)

const presenceRefreshInterval = time.Minute

func main() {
	configPaths := []string{
		os.Getenv("RINGLINE_CONFIG"),
		"configs/config.yaml",
		"./configs/config.yaml",
		"config.yaml",
	}

	cfg := config.DefaultConfig()
	for _, path := range configPaths {
		if path == "" {
			continue
		}
		if loaded, err := config.Load(path); err == nil {
			cfg = loaded
			break
		}
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "ringline-signal",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.New()
	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL, clk)
	collector := monitoring.NewPrometheusCollector(nil)
	health := monitoring.NewHealthChecker(clk)

	serverCfg := signalinfra.ServerConfig{
		AllowedOrigins: cfg.Auth.AllowedOrigins,
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
	}
	if cfg.RateLimiting.Enabled {
		serverCfg.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		serverCfg.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	wsServer := signalinfra.NewWebSocketServer(authService, serverCfg, log)
	wsServer.SetMetrics(collector)

	// With Redis every relay instance shares presence and routes through
	// pub/sub, so sender and receiver may sit on different instances.
	repoFactory, err := repositories.NewRepositoryFactory(cfg, clk, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer repoFactory.Close()

	var presence *distributed.PresenceRegistry
	if client := repoFactory.Redis(); client != nil {
		instanceID := uuid.NewString()
		bus := distributed.NewSignalBus(client, instanceID, log)
		presence = distributed.NewPresenceRegistry(client, instanceID, log)
		wsServer.SetBridge(bus)
		wsServer.SetPresence(presence)
		health.AddRedisCheck(client, 2*time.Second)

		go func() {
			if err := bus.Run(ctx, wsServer.Deliver); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorw("signal bus stopped", "error", err)
				cancel()
			}
		}()
		go presence.RunRefresh(ctx, presenceRefreshInterval)
		log.Infow("relay running in cluster mode", "instance_id", instanceID)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
	)

	router.GET("/ws", gin.WrapF(wsServer.HandleWebSocket))

	// token endpoints share the HTTP limiter; the socket has its own
	auth := router.Group("/")
	auth.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	httphandlers.NewAuthHandler(authService, cfg.Auth.OperatorKey, cfg.Auth.AccessTokenTTL).SetupRoutes(auth)

	router.GET("/health", health.Handler)
	router.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"connections": wsServer.ConnectionCount()})
	})
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	srv := &http.Server{
		Addr:    cfg.Signal.Address,
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting ringline signal relay", "address", cfg.Signal.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("relay failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer shutdownCancel()

	// hijacked websocket connections are not closed by Shutdown
	wsServer.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during relay shutdown", "error", err)
		srv.Close()
	}
	cancel()

	if presence != nil {
		if err := presence.Cleanup(shutdownCtx); err != nil {
			log.Warnw("failed to clean up presence", "error", err)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("failed to flush traces", "error", err)
	}
	log.Info("ringline signal relay stopped")
}
