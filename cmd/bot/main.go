package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ZRnown/dingdanBot/internal/bot"
	"github.com/ZRnown/dingdanBot/internal/cache"
	"github.com/ZRnown/dingdanBot/internal/client/backend"
	"github.com/ZRnown/dingdanBot/internal/config"
	cronrunner "github.com/ZRnown/dingdanBot/internal/cron"
	"github.com/ZRnown/dingdanBot/internal/db"
	"github.com/ZRnown/dingdanBot/internal/events"
	"github.com/ZRnown/dingdanBot/internal/handler"
	"github.com/ZRnown/dingdanBot/internal/logger"
	"github.com/ZRnown/dingdanBot/internal/metrics"
	"github.com/ZRnown/dingdanBot/internal/refund"
	gormrepository "github.com/ZRnown/dingdanBot/internal/repository/gorm"
	"github.com/ZRnown/dingdanBot/internal/service"
)

func main() {
	cfgPath := os.Getenv("BOT_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("BOT_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	loc := cfg.App.Location()

	dbConn, err := db.Open(cfg.DB, logger)
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer db.Close(dbConn)

	if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
		logger.Warn("failed to set timezone", zap.Error(err))
	}
	if err := db.AutoMigrate(dbConn); err != nil {
		logger.Fatal("auto-migrate failed", zap.Error(err))
	}
	store := gormrepository.New(dbConn.Gorm)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	detector := refund.NewKeywordDetector()
	backendClient := backend.NewClient(cfg.Backend, loc)
	backendClient.Detector = detector
	backendClient.Metrics = m
	backendClient.Logger = logger.Named("backend")

	readyDeps := map[string]handler.Pinger{}
	var claims cache.Store = cache.NewMemoryStore()
	if strings.EqualFold(cfg.Cache.Backend, "redis") {
		rs := cache.NewRedisStore(&redis.Options{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		defer rs.Close()
		claims = rs
		readyDeps["redis"] = rs
	}

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.Events.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.Topic)
		logger.Info("refund events enabled", zap.Strings("brokers", cfg.Events.KafkaBrokers), zap.String("topic", cfg.Events.Topic))
	}
	defer publisher.Close()

	bulkSync := &service.BulkSyncService{
		Repo:    store,
		Backend: backendClient,
		Metrics: m,
		Logger:  logger.Named("bulk_sync"),
		Config: service.BulkSyncConfig{
			PageSize:      cfg.BulkSync.PageSize,
			MaxPages:      cfg.BulkSync.MaxPages,
			Workers:       cfg.BulkSync.Workers,
			RetentionDays: cfg.BulkSync.RetentionDays,
		},
		Location: loc,
	}
	channels := &service.ChannelSelectionService{
		Repo:    store,
		Backend: backendClient,
		Sync:    bulkSync,
		Logger:  logger.Named("channels"),
	}

	telegram, err := bot.NewTelegram(cfg.Telegram.Token, logger.Named("telegram"))
	if err != nil {
		logger.Fatal("telegram init failed", zap.Error(err))
	}
	telegram.PollTimeout = cfg.Telegram.PollTimeout
	engine := &service.SyncEngine{
		Repo:     store,
		Backend:  backendClient,
		Detector: detector,
		Notifier: &bot.Notifier{Messenger: telegram, Logger: logger.Named("notify")},
		Claims:   claims,
		Events:   publisher,
		Metrics:  m,
		Logger:   logger.Named("sync_engine"),
		Config: service.SyncEngineConfig{
			Interval:    cfg.SyncTask.Interval,
			MaxAttempts: cfg.SyncTask.MaxAttempts,
			NotifyTTL:   cfg.Cache.NotifyTTL,
		},
	}
	chatHandler := &bot.Handler{
		Messenger: telegram,
		Tracker:   engine,
		Channels:  channels,
		Logger:    logger.Named("chat"),
	}

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), handler.AccessLog(logger.Named("http")))
	healthHandler := &handler.HealthHandler{DB: dbConn.Gorm, Deps: readyDeps, Gatherer: registry}
	healthHandler.Register(router)

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cronRunner := cronrunner.New(logger, ctx)
	if cfg.BulkSync.Enabled {
		_, err = cronRunner.Every(cfg.BulkSync.Interval, func(ctx context.Context) {
			if _, err := bulkSync.Run(ctx, service.ModeIncremental); err != nil {
				logger.Warn("incremental order sync failed", zap.Error(err))
			}
		})
		if err != nil {
			logger.Warn("cron register order sync failed", zap.Error(err))
		}
	}

	_, err = cronRunner.Every(cfg.SyncTask.ScanInterval, func(ctx context.Context) {
		if _, err := engine.PollDue(ctx); err != nil {
			logger.Warn("sync task scan failed", zap.Error(err))
		}
	})
	if err != nil {
		logger.Warn("cron register sync task scan failed", zap.Error(err))
	}

	_, err = cronRunner.Every(cfg.BulkSync.CleanupInterval, func(ctx context.Context) {
		if _, err := bulkSync.Cleanup(ctx); err != nil {
			logger.Warn("order cleanup failed", zap.Error(err))
		}
	})
	if err != nil {
		logger.Warn("cron register order cleanup failed", zap.Error(err))
	}

	if cfg.BulkSync.Enabled {
		logger.Info("running initial full order sync")
		res, err := bulkSync.Run(ctx, service.ModeFull)
		if err != nil {
			logger.Warn("initial order sync failed (continuing)", zap.Error(err))
		} else {
			logger.Info("initial order sync complete", zap.Int("orders", res.Upserted), zap.Int64("watermark", res.Watermark))
		}
	}

	cronRunner.Start()
	defer cronRunner.Stop()

	go func() {
		logger.Info("http server started", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	botDone := make(chan struct{})
	go func() {
		defer close(botDone)
		if err := telegram.Run(ctx, chatHandler, cfg.Telegram.ChannelCommand); err != nil {
			logger.Error("telegram bot failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown failed", zap.Error(err))
	}
	<-botDone
}
