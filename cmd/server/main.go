package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailtrace/backend/internal/auth"
	"mailtrace/backend/internal/cache"
	"mailtrace/backend/internal/config"
	"mailtrace/backend/internal/health"
	"mailtrace/backend/internal/logger"
	"mailtrace/backend/internal/maillog"
	"mailtrace/backend/internal/middleware"
	"mailtrace/backend/internal/monitoring"
	"mailtrace/backend/internal/pool"
	"mailtrace/backend/internal/service"
	"mailtrace/backend/internal/smtp"
	"mailtrace/backend/internal/storage/filesystem"
	httptransport "mailtrace/backend/internal/transport/http"
	"mailtrace/backend/internal/websocket"
)

const localCacheSize = 10000

// main 启动发信表单与投递状态查询服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.File,
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting mailtrace server",
		zap.String("log_level", cfg.Log.Level),
		zap.String("mail_log", cfg.MailLog.Path),
		zap.String("relay", cfg.SMTP.RelayAddr),
		zap.String("match_mode", cfg.MailLog.MatchMode),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	// 日志分类规则
	rules := maillog.DefaultRules()
	if cfg.MailLog.RulesFile != "" {
		rules, err = maillog.LoadRules(cfg.MailLog.RulesFile)
		if err != nil {
			log.Fatal("failed to load mail log rules", zap.String("path", cfg.MailLog.RulesFile), zap.Error(err))
		}
		log.Info("mail log rules loaded", zap.String("path", cfg.MailLog.RulesFile))
	}
	classifier, err := maillog.NewPostfixClassifier(rules)
	if err != nil {
		log.Fatal("invalid mail log rules", zap.Error(err))
	}

	correlator := maillog.New(maillog.Options{
		Path:         cfg.MailLog.Path,
		PollInterval: cfg.MailLog.PollInterval,
		Timeout:      cfg.MailLog.Timeout,
		Classifier:   classifier,
		Logger:       log.Named("maillog"),
	})

	relay := smtp.NewRelay(smtp.RelayConfig{
		Addr:     cfg.SMTP.RelayAddr,
		HeloName: cfg.SMTP.HeloName,
		Timeout:  cfg.SMTP.Timeout,
	}, log.Named("relay"))

	metrics := monitoring.NewMetrics()

	// 状态缓存
	var (
		statusCache cache.StatusCache = cache.Nop{}
		redisCache  *cache.RedisCache
	)
	switch cfg.Cache.Type {
	case config.CacheTypeMemory:
		local := cache.NewLocalCache(localCacheSize, cfg.Cache.TTL)
		group.Go(func() error {
			local.Run(groupCtx, time.Minute)
			return nil
		})
		statusCache = local
	case config.CacheTypeRedis:
		redisCache, err = cache.NewRedisCache(ctx, cache.RedisOptions{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Cache.TTL,
		}, log.Named("cache"))
		if err != nil {
			log.Fatal("failed to connect to redis", zap.String("address", cfg.Redis.Address), zap.Error(err))
		}
		defer redisCache.Close()
		statusCache = redisCache
	}
	log.Info("status cache initialized", zap.String("type", cfg.Cache.Type), zap.Duration("ttl", cfg.Cache.TTL))

	// 已发送邮件归档（可选）
	var archiver service.Archiver
	if cfg.Archive.Dir != "" {
		archiveStore, err := filesystem.NewStore(cfg.Archive.Dir)
		if err != nil {
			log.Fatal("failed to initialize archive", zap.String("path", cfg.Archive.Dir), zap.Error(err))
		}
		archiver = archiveStore
		log.Info("message archive initialized",
			zap.String("path", archiveStore.BasePath()),
			zap.Int("retention_days", cfg.Archive.RetentionDays),
		)

		if cfg.Archive.RetentionDays > 0 {
			group.Go(func() error {
				ticker := time.NewTicker(time.Hour)
				defer ticker.Stop()
				for {
					select {
					case <-groupCtx.Done():
						return nil
					case <-ticker.C:
						count, err := archiveStore.CleanupExpired(cfg.Archive.RetentionDays, time.Now())
						if err != nil {
							log.Error("failed to cleanup archive", zap.Error(err))
						} else if count > 0 {
							log.Info("expired archived messages removed", zap.Int("count", count))
						}
					}
				}
			})
		}
	}

	mailService := service.NewMailService(service.MailServiceOptions{
		Sender:     relay,
		Correlator: correlator,
		Cache:      statusCache,
		Metrics:    metrics,
		Archiver:   archiver,
		Logger:     log.Named("mail"),
		HeloName:   cfg.SMTP.HeloName,
		MatchMode:  cfg.MailLog.MatchMode,
	})

	// 后台投递跟踪
	var workerPool *pool.WorkerPool
	if cfg.Tracker.Enabled {
		workerPool = pool.NewWorkerPool(cfg.Tracker.Workers, cfg.Tracker.QueueSize,
			pool.WithLogger(log.Named("pool")),
			pool.WithPanicHandler(func(any) { metrics.RecordPanic() }),
		)
		workerPool.Start(groupCtx)
		mailService.SetTracker(service.NewDeliveryTracker(groupCtx, workerPool, mailService, metrics, log.Named("tracker")))
		log.Info("delivery tracker started",
			zap.Int("workers", cfg.Tracker.Workers),
			zap.Int("queue_size", cfg.Tracker.QueueSize),
		)
	}

	// 告警
	if cfg.Alert.Interval > 0 {
		alertManager := monitoring.NewAlertManager(log.Named("alert"))
		alertManager.AddReceiver(monitoring.NewLogAlertReceiver(log.Named("alert")))
		if cfg.Alert.WebhookURL != "" {
			alertManager.AddReceiver(monitoring.NewWebhookAlertReceiver(cfg.Alert.WebhookURL))
		}
		alertManager.AddRule(monitoring.MailLogUnreadableRule(cfg.MailLog.Path))
		alertManager.AddRule(monitoring.RelayUnreachableRule(cfg.SMTP.RelayAddr, 5*time.Second))
		alertManager.AddRule(monitoring.HighMemoryUsageRule(cfg.Alert.MemoryLimitMB))
		if workerPool != nil && cfg.Alert.BacklogThreshold > 0 {
			alertManager.AddRule(monitoring.TrackerBacklogRule(workerPool.Pending, cfg.Alert.BacklogThreshold))
		}
		group.Go(func() error {
			alertManager.StartMonitoring(groupCtx, cfg.Alert.Interval)
			return nil
		})
	}

	healthOpts := health.Options{
		MailLogPath: cfg.MailLog.Path,
		RelayAddr:   cfg.SMTP.RelayAddr,
		Registry:    metrics.Registry(),
	}
	if redisCache != nil {
		healthOpts.Redis = redisCache
	}
	healthChecker := health.NewHealthChecker(healthOpts, log.Named("health"))

	var rateLimiter *middleware.IPRateLimiter
	if cfg.RateLimit.SendPerMinute > 0 {
		rateLimiter = middleware.NewIPRateLimiter(cfg.RateLimit.SendPerMinute, cfg.RateLimit.Burst)
		group.Go(func() error {
			rateLimiter.Run(groupCtx)
			return nil
		})
	}

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:      cfg,
		MailService: mailService,
		FormTokens:  auth.NewFormTokens(cfg.Form),
		Logger:      log,
		Metrics:     metrics,
		Health:      healthChecker,
		Streamer:    websocket.NewStatusStreamer(cfg.CORS.AllowedOrigins, mailService, metrics, log.Named("ws")),
		RateLimiter: rateLimiter,
	})

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// 优雅关闭
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if workerPool != nil {
			workerPool.Stop()
		}

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}
