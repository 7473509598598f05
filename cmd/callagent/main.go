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
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"ringline/internal/core/domain"
	"ringline/internal/core/ports"
	"ringline/internal/core/services"
	httphandlers "ringline/internal/handlers/http"
	"ringline/internal/infrastructure/distributed"
	"ringline/internal/infrastructure/middleware"
	"ringline/internal/infrastructure/monitoring"
	"ringline/internal/infrastructure/push"
	"ringline/internal/infrastructure/repositories"
	signalinfra "ringline/internal/infrastructure/signal"
	webrtcinfra "ringline/internal/infrastructure/webrtc"
	"ringline/pkg/config"
	"ringline/pkg/logger"
	"ringline/pkg/retry"
	"ringline/pkg/tracing"
)

func loadConfig() *config.Config {
	configPaths := []string{
		os.Getenv("RINGLINE_CONFIG"),
		"configs/config.yaml",
		"./configs/config.yaml",
		"config.yaml",
	}
	for _, path := range configPaths {
		if path == "" {
			continue
		}
		if cfg, err := config.Load(path); err == nil {
			return cfg
		}
	}
	return config.DefaultConfig()
}

func main() {
	cfg := loadConfig()

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err := cfg.Validate(); err != nil {
		log.Fatalw("invalid configuration", "error", err)
	}
	if cfg.Identity.UserID == "" {
		log.Fatal("identity.user_id (or RINGLINE_USER_ID) is required")
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "ringline-callagent",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	clk := clock.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repoFactory, err := repositories.NewRepositoryFactory(cfg, clk, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer repoFactory.Close()

	userID := domain.UserID(cfg.Identity.UserID)
	deviceID, err := services.LoadOrCreateDeviceID(ctx, repoFactory.CreateDeviceStore())
	if err != nil {
		log.Fatalw("failed to load device identity", "error", err)
	}
	log = log.With("user_id", userID, "device_id", deviceID)

	recorder := repoFactory.CreateCallRecorder()
	peers := repoFactory.CreatePeerDirectory()
	if cfg.Identity.DisplayName != "" {
		if err := peers.Register(ctx, domain.Peer{ID: userID, DisplayName: cfg.Identity.DisplayName}); err != nil {
			log.Warnw("failed to register own display name", "error", err)
		}
	}

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL, clk)
	health := monitoring.NewHealthChecker(clk)

	signals, closeSignals := connectSignals(ctx, cfg, repoFactory, authService, userID, deviceID, health, log)
	defer closeSignals()

	var notifier ports.PushNotifier = push.NewLogNotifier(log)
	if client := repoFactory.Redis(); client != nil {
		notifier = push.NewRedisNotifier(client, clk, log)
		health.AddRedisCheck(client, 2*time.Second)
	}

	transport, err := webrtcinfra.NewPeerConnectionFactory(webrtcConfig(cfg), log)
	if err != nil {
		log.Fatalw("failed to create peer connection factory", "error", err)
	}
	media := webrtcinfra.NewSampleMediaProvider(webrtcinfra.MediaConfig{
		AudioFile:  cfg.Media.AudioFile,
		VideoFile:  cfg.Media.VideoFile,
		ScreenFile: cfg.Media.ScreenFile,
		Loop:       cfg.Media.Loop,
	}, clk, log)

	collector := monitoring.NewPrometheusCollector(nil)

	callCfg := services.DefaultCallServiceConfig(userID, deviceID)
	callCfg.RingTimeout = cfg.Call.RingTimeout
	callCfg.StatsInterval = cfg.Call.StatsInterval
	callCfg.ResetDelay = cfg.Call.ResetDelay
	callCfg.OrphanCandidateTTL = cfg.Call.OrphanCandidateTTL
	callCfg.MaxOrphanCandidates = cfg.Call.MaxOrphanCandidates

	callService, err := services.NewCallService(callCfg, services.CallServiceDeps{
		Signals:   signals,
		Recorder:  recorder,
		Push:      notifier,
		Peers:     peers,
		Media:     media,
		Transport: transport,
		Metrics:   collector,
		Quality: services.NewQualityService(services.QualityThresholds{
			MediumLoss:    cfg.Quality.MediumLossThreshold,
			LowLoss:       cfg.Quality.LowLossThreshold,
			HighBitrate:   cfg.Quality.HighBitrate,
			MediumBitrate: cfg.Quality.MediumBitrate,
			LowBitrate:    cfg.Quality.LowBitrate,
		}),
		Clock:  clk,
		Logger: log,
	})
	if err != nil {
		log.Fatalw("failed to create call service", "error", err)
	}
	if err := callService.Start(ctx); err != nil {
		log.Fatalw("failed to start call service", "error", err)
	}
	callService.OnEvent(func(ev domain.CallEvent) {
		log.Debugw("call event", "type", ev.Type, "state", ev.State, "reason", ev.Reason)
	})

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	api := router.Group("/")
	api.Use(middleware.AuthMiddleware(authService), middleware.RequireUser(string(userID)))
	httphandlers.NewCallHandler(callService, recorder, peers).SetupRoutes(api)
	events := httphandlers.NewEventHandler(callService, cfg.Auth.AllowedOrigins, log)
	events.SetupRoutes(api)

	router.GET("/health", health.Handler)
	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := repoFactory.HealthCheck(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "device_id": deviceID})
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
		log.Infow("starting ringline call agent", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		srv.Close()
	}

	drainCtx, drainCancel := context.WithTimeout(shutdownCtx, cfg.Call.DrainTimeout)
	defer drainCancel()
	if err := callService.Close(drainCtx); err != nil {
		log.Warnw("call service did not drain", "error", err)
	}

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("failed to flush traces", "error", err)
	}
	log.Info("ringline call agent stopped")
}

// connectSignals opens the configured signal transport. The returned func
// closes it.
func connectSignals(
	ctx context.Context,
	cfg *config.Config,
	repoFactory *repositories.RepositoryFactory,
	authService services.AuthService,
	userID domain.UserID,
	deviceID domain.DeviceID,
	health *monitoring.HealthChecker,
	log *zap.SugaredLogger,
) (ports.SignalChannel, func()) {
	if cfg.Signal.Transport == "redis" {
		client := repoFactory.Redis()
		if client == nil {
			log.Fatal("signal.transport=redis but Redis is unavailable")
		}
		log.Info("signaling over Redis pub/sub")
		return distributed.NewSignalBus(client, uuid.NewString(), log), func() {}
	}

	token := cfg.Signal.Token
	if token == "" {
		var err error
		token, err = authService.GenerateToken(userID, deviceID)
		if err != nil {
			log.Fatalw("failed to mint relay token", "error", err)
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	channel, err := retry.RetryWithResult(dialCtx, retry.DefaultConfig(), func(ctx context.Context) (*signalinfra.WebSocketChannel, error) {
		return signalinfra.DialWebSocketChannel(ctx, signalinfra.ClientConfig{
			URL:          cfg.Signal.URL,
			Token:        token,
			PongTimeout:  cfg.Signal.PongTimeout,
			WriteTimeout: cfg.Signal.WriteTimeout,
			Reconnect:    retry.ReconnectConfig(),
		}, log)
	})
	if err != nil {
		log.Fatalw("failed to connect to signal relay", "url", cfg.Signal.URL, "error", err)
	}
	health.AddConnectionCheck("signal_relay", channel.Connected)
	log.Infow("connected to signal relay", "url", cfg.Signal.URL)
	return channel, func() { channel.Close() }
}

func webrtcConfig(cfg *config.Config) webrtcinfra.Config {
	var out webrtcinfra.Config
	for _, s := range cfg.WebRTC.ICEServers {
		out.ICEServers = append(out.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(out.ICEServers) == 0 {
		out.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	out.PortRange.Min = cfg.WebRTC.PortRange.Min
	out.PortRange.Max = cfg.WebRTC.PortRange.Max
	return out
}
