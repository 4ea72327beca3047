package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/san-kum/cribwatch/server/alert"
	"github.com/san-kum/cribwatch/server/audio"
	"github.com/san-kum/cribwatch/server/cache"
	"github.com/san-kum/cribwatch/server/config"
	"github.com/san-kum/cribwatch/server/cv"
	"github.com/san-kum/cribwatch/server/handlers"
	"github.com/san-kum/cribwatch/server/middleware"
	"github.com/san-kum/cribwatch/server/ml"
	"github.com/san-kum/cribwatch/server/models"
	"github.com/san-kum/cribwatch/server/motion"
	"github.com/san-kum/cribwatch/server/mqtt"
	"github.com/san-kum/cribwatch/server/notify"
	"github.com/san-kum/cribwatch/server/processor"
	"github.com/san-kum/cribwatch/server/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Server owns every long-lived component and implements handlers.Monitor.
type Server struct {
	router      *gin.Engine
	logger      *zap.Logger
	config      *config.Config
	state       *processor.SharedState
	pipeline    *processor.Pipeline
	manager     *alert.Manager
	scheduler   *alert.Scheduler
	prompts     *processor.PromptStore
	vlm         *ml.Client
	store       store.Store
	cache       cache.Cache
	mqtt        *mqtt.Client
	publisher   *mqtt.StatusPublisher
	hub         *handlers.Hub
	stream      *handlers.StreamHandler
	rateLimiter *middleware.RateLimiter
	startedAt   time.Time
}

func main() {
	cfg := config.LoadConfig()

	logger, err := initLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	defer logger.Sync()

	if err := cfg.ValidateConfig(logger); err != nil {
		logger.Fatal("Configuration validation failed", zap.Error(err))
	}

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := NewServer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	if err := server.Start(ctx); err != nil {
		logger.Fatal("Failed to start monitoring", zap.Error(err))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting server",
			zap.String("addr", addr),
			zap.String("environment", cfg.Server.Environment))

		var err error
		if cfg.Security.EnableHTTPS {
			err = srv.ListenAndServeTLS(cfg.Security.CertFile, cfg.Security.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Cancelling ctx ends websocket and MJPEG streams so the HTTP server can
	// drain.
	cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	server.Shutdown(cfg.Server.ShutdownTimeout)
	logger.Info("Server exited")
}

func initLogger(level, format string) (*zap.Logger, error) {
	var zapCfg zap.Config
	if format == "json" {
		zapCfg = zap.NewProductionConfig()
		zapCfg.EncoderConfig.TimeKey = "timestamp"
		zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zapCfg.OutputPaths = []string{"stdout"}
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zapCfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	return logger.With(
		zap.String("service_name", "cribwatch"),
		zap.String("hostname", hostname),
	), nil
}

func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	s := &Server{
		logger:    logger,
		config:    cfg,
		state:     processor.NewSharedState(),
		startedAt: time.Now(),
	}

	s.store = newStore(ctx, cfg, logger)
	s.cache = newCache(ctx, cfg, logger)

	if cfg.MQTT.Broker != "" {
		client, err := mqtt.NewClient(mqtt.ClientConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			QoS:      byte(cfg.MQTT.QoS),
		}, logger)
		if err != nil {
			if cfg.Audio.Enabled && cfg.Audio.Source == "mqtt" {
				return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
			}
			logger.Warn("MQTT broker unavailable, status publishing disabled", zap.Error(err))
		} else {
			s.mqtt = client
			s.publisher = mqtt.NewStatusPublisher(client, s.state, mqtt.StatusPublisherConfig{
				StatusTopic: cfg.MQTT.StatusTopic,
				RiskTopic:   cfg.MQTT.RiskTopic,
				Interval:    cfg.MQTT.PublishInterval,
			}, logger)
		}
	}

	s.prompts = processor.NewPromptStore(s.store, s.cache, ml.DefaultPrompt, logger)
	if err := s.prompts.Load(ctx); err != nil {
		logger.Warn("Failed to load prompt, using default", zap.Error(err))
	}

	notifier := notify.NewNotifier(notify.Config{
		AlertWebhookURL:  cfg.Notify.AlertWebhookURL,
		ReportWebhookURL: cfg.Notify.ReportWebhookURL,
		Username:         cfg.Notify.Username,
		Timeout:          cfg.Notify.Timeout,
		MaxAttempts:      cfg.Notify.MaxAttempts,
		RetryDelay:       cfg.Notify.RetryDelay,
		MaxRetryDelay:    cfg.Notify.MaxRetryDelay,
	}, s.store, logger)

	window := alert.NewWindow(time.Now())
	s.manager = alert.NewManager(alert.Config{
		DebounceCount:     cfg.Alert.DebounceCount,
		CryDebounceCount:  cfg.Alert.CryDebounceCount,
		Cooldown:          cfg.Alert.Cooldown,
		StaleAfter:        cfg.Alert.StaleAfter,
		Tick:              cfg.Alert.Tick,
		DispatchQueueSize: cfg.Queue.DispatchQueueSize,
		Channels:          enabledChannels(cfg),
	}, notifier, s.state, s.store, s, window, logger)

	s.scheduler = alert.NewScheduler(window, notifier, s, alert.SchedulerConfig{
		Interval: cfg.Report.Interval,
		Tick:     cfg.Alert.Tick,
	}, logger)

	s.hub = handlers.NewHub(s.state, cfg.Server.WSStatusInterval, logger)
	s.stream = handlers.NewStreamHandler(s, cfg.Server.VideoStreamFPS, logger)

	deps := processor.Dependencies{
		State:    s.state,
		Sink:     s.manager,
		Store:    s.store,
		Prompts:  s.prompts,
		Streamer: s.hub,
		Cache:    s.cache,
	}

	if cfg.Vision.Enabled || cfg.Motion.Enabled {
		deps.Camera = cv.NewCamera(cv.CameraConfig{
			Device:      cfg.Camera.Device,
			Width:       cfg.Camera.Width,
			Height:      cfg.Camera.Height,
			JPEGQuality: cfg.Camera.JPEGQuality,
		}, logger)
	}

	if cfg.Vision.Enabled {
		vlm, err := ml.NewClient(cfg.Vision.BaseURL, ml.ClientConfig{
			Model:               cfg.Vision.Model,
			Timeout:             cfg.Vision.Timeout,
			MaxRetries:          cfg.Vision.MaxRetries,
			RetryDelay:          cfg.Vision.RetryDelay,
			HealthCheckInterval: cfg.Vision.HealthCheckInterval,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create VLM client: %w", err)
		}
		s.vlm = vlm
		deps.Vision = vlm
	}

	if cfg.Motion.Enabled {
		deps.Motion = motion.NewDetector(cv.NewLKEstimator(), motion.Config{
			Threshold:   cfg.Motion.Threshold,
			ReseedEvery: cfg.Motion.ReseedEvery,
			MinPoints:   cfg.Motion.MinPoints,
			MaxCorners:  cfg.Motion.MaxCorners,
		}, logger)
	}

	if cfg.Audio.Enabled {
		deps.Audio = audio.NewAnalyzer(audio.Config{
			SampleRate:          cfg.Audio.SampleRate,
			CryRMSThreshold:     cfg.Audio.CryRMSThreshold,
			CryPeakThreshold:    cfg.Audio.CryPeakThreshold,
			CryEnergyRatio:      cfg.Audio.CryEnergyRatio,
			BreathingConfidence: cfg.Audio.BreathingConfidence,
			RMSNormalization:    cfg.Audio.RMSNormalization,
		})

		if cfg.Audio.Source == "mqtt" {
			deps.Mic = mqtt.NewAudioSource(s.mqtt, mqtt.AudioSourceConfig{
				Topic:         cfg.MQTT.AudioTopic,
				SampleRate:    cfg.Audio.SampleRate,
				ChunkDuration: cfg.Audio.ChunkDuration,
			}, logger)
		} else {
			deps.Mic = audio.NewMicrophone(audio.MicrophoneConfig{
				FFmpegPath:    cfg.Audio.FFmpegPath,
				InputFormat:   cfg.Audio.InputFormat,
				Device:        cfg.Audio.Device,
				SampleRate:    cfg.Audio.SampleRate,
				ChunkDuration: cfg.Audio.ChunkDuration,
			}, logger)
		}
	}

	s.pipeline = processor.NewPipeline(processor.PipelineConfig{
		VisionEnabled:          cfg.Vision.Enabled,
		MotionEnabled:          cfg.Motion.Enabled,
		AudioEnabled:           cfg.Audio.Enabled,
		FrameQueueSize:         cfg.Queue.FrameQueueSize,
		VisionQueueSize:        cfg.Queue.VisionQueueSize,
		AudioQueueSize:         cfg.Queue.AudioQueueSize,
		MotionFPS:              cfg.Motion.FPS,
		VisionInterval:         cfg.Vision.Interval,
		VisionTimeout:          cfg.Vision.Timeout,
		CameraFailureThreshold: cfg.Camera.FailureThreshold,
		StatusMirrorInterval:   time.Second,
	}, deps, logger)

	s.rateLimiter = middleware.NewRateLimiter(
		cfg.Security.RateLimitRPS,
		cfg.Security.RateLimitBurst,
		logger,
	)
	auth := middleware.NewAuthMiddleware(cfg.Security.APIToken, logger)

	router := gin.New()
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(cfg.Security.AllowedOrigins))
	router.Use(middleware.RequestSizeLimit(cfg.Security.MaxRequestSize))

	api := handlers.NewAPIHandler(s, s.store, logger)
	setupRoutes(router, cfg, api, s.stream, s.hub, auth, s.rateLimiter)
	s.router = router

	return s, nil
}

func newStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) store.Store {
	if cfg.Database.Host == "" {
		return store.NewMemoryStore(cfg.Database.MemoryRows)
	}

	db, err := store.NewPostgresDB(ctx, store.DatabaseConfig{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Name:     cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.MaxConns,
		MaxIdle:  cfg.Database.MinConns,
	})
	if err != nil {
		logger.Warn("Failed to connect to database, using memory store", zap.Error(err))
		return store.NewMemoryStore(cfg.Database.MemoryRows)
	}

	pg := store.NewPostgresStore(db, logger)
	if err := pg.EnsureSchema(ctx); err != nil {
		logger.Warn("Failed to create schema, using memory store", zap.Error(err))
		db.Close()
		return store.NewMemoryStore(cfg.Database.MemoryRows)
	}
	logger.Info("Connected to database", zap.String("host", cfg.Database.Host), zap.String("db", cfg.Database.DBName))
	return pg
}

func newCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) cache.Cache {
	if cfg.Redis.Host == "" {
		return cache.NewMemoryCache(1000, cfg.Redis.TTL, logger)
	}

	redisCache, err := cache.NewRedisCache(ctx, cache.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TTL:      cfg.Redis.TTL,
	}, logger)
	if err != nil {
		logger.Warn("Failed to connect to Redis, using memory cache", zap.Error(err))
		return cache.NewMemoryCache(1000, cfg.Redis.TTL, logger)
	}
	return redisCache
}

func enabledChannels(cfg *config.Config) []models.Channel {
	var channels []models.Channel
	if cfg.Vision.Enabled {
		channels = append(channels, models.ChannelVision)
	}
	if cfg.Motion.Enabled {
		channels = append(channels, models.ChannelMotion)
	}
	if cfg.Audio.Enabled {
		channels = append(channels, models.ChannelAudio)
	}
	return channels
}

func setupRoutes(router *gin.Engine, cfg *config.Config, api *handlers.APIHandler, stream *handlers.StreamHandler,
	hub *handlers.Hub, auth *middleware.AuthMiddleware, rateLimiter *middleware.RateLimiter) {
	router.GET("/health", middleware.HealthCheck())

	// Streaming routes stay outside the request timeout.
	router.GET("/video_feed", rateLimiter.RateLimit(), stream.VideoFeed)
	router.GET("/ws", rateLimiter.RateLimit(), hub.HandleWebSocket)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.TimeoutHandler(cfg.Security.RequestTimeout))
	{
		v1.GET("/health", middleware.HealthCheck())

		public := v1.Group("/")
		public.Use(rateLimiter.RateLimit())
		{
			public.GET("/status", api.GetStatus)
			public.GET("/snapshot", stream.Snapshot)
			public.GET("/stats", api.GetStats)
			public.GET("/logs/:kind", api.GetLogs)
			public.GET("/prompt", api.GetPrompt)
		}

		control := v1.Group("/")
		control.Use(auth.RequireToken())
		control.Use(rateLimiter.RateLimitWithConfig("action", cfg.Security.ActionRPS, cfg.Security.ActionBurst))
		{
			control.POST("/force-report", api.ForceReport)
			control.POST("/test-alert", api.TestAlert)
			control.PUT("/prompt", api.UpdatePrompt)
		}
	}
}

// Start launches the background loops. They stop when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.manager.Run(ctx)
	go s.scheduler.Run(ctx)
	go s.hub.Run(ctx)
	if s.vlm != nil {
		go s.vlm.StartHealthChecker(ctx)
	}
	if s.publisher != nil {
		go s.publisher.Run(ctx)
	}
	return s.pipeline.Start(ctx)
}

func (s *Server) Shutdown(timeout time.Duration) {
	if err := s.pipeline.Shutdown(timeout); err != nil {
		s.logger.Error("Failed to shutdown pipeline", zap.Error(err))
	}

	s.rateLimiter.Shutdown()

	if s.mqtt != nil {
		s.mqtt.Close()
	}
	if err := s.cache.Close(); err != nil {
		s.logger.Error("Failed to close cache", zap.Error(err))
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("Failed to close store", zap.Error(err))
	}
}

func (s *Server) LatestFrame() *models.FrameSample {
	if s.pipeline == nil {
		return nil
	}
	return s.pipeline.LatestFrame()
}

func (s *Server) GetStatus() models.Status {
	return s.state.Snapshot()
}

func (s *Server) ForceReport(ctx context.Context) bool {
	return s.scheduler.ForceReport(ctx)
}

func (s *Server) TestAlert(ctx context.Context) bool {
	return s.manager.TestAlert(ctx)
}

func (s *Server) GetPrompt() string {
	return s.prompts.Get()
}

func (s *Server) UpdatePrompt(ctx context.Context, text string) error {
	return s.prompts.Update(ctx, text)
}

func (s *Server) Stats(ctx context.Context) map[string]any {
	reportsSent, reportsFailed := s.scheduler.Stats()

	stats := map[string]any{
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
		"pipeline":       s.pipeline.Stats(),
		"alerts":         s.manager.Stats(),
		"reports": map[string]any{
			"sent":   reportsSent,
			"failed": reportsFailed,
			"next":   s.scheduler.NextReport(),
		},
		"websocket_clients": s.hub.ClientCount(),
		"mjpeg_viewers":     s.stream.Viewers(),
		"rate_limiter":      s.rateLimiter.GetGlobalStats(),
	}

	if cacheStats, err := s.cache.GetStats(ctx); err == nil {
		stats["cache"] = cacheStats
	}
	if s.vlm != nil {
		stats["vlm"] = map[string]any{"model": s.vlm.Model(), "healthy": s.vlm.Healthy()}
	}
	if s.mqtt != nil {
		stats["mqtt_connected"] = s.mqtt.IsConnected()
	}
	return stats
}
