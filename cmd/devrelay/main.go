package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"mailtrace/backend/internal/config"
	"mailtrace/backend/internal/logger"
	"mailtrace/backend/internal/smtp"
)

// main 启动开发用 SMTP 收信器：接收邮件并写出 Postfix 格式的日志，
// 供没有真实 MTA 的环境联调发送与状态查询。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
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

	if err := os.MkdirAll(filepath.Dir(cfg.DevRelay.LogPath), 0o755); err != nil {
		log.Fatal("failed to create mail log directory", zap.String("path", cfg.DevRelay.LogPath), zap.Error(err))
	}

	// 邮件日志按大小轮转，不压缩，关联器只读当前文件
	mailLog := &lumberjack.Logger{
		Filename:   cfg.DevRelay.LogPath,
		MaxSize:    50,
		MaxBackups: 2,
	}
	defer mailLog.Close()

	backend := smtp.NewBackend(smtp.BackendConfig{
		Hostname:        cfg.DevRelay.Hostname,
		DeliveryDelay:   cfg.DevRelay.DeliveryDelay,
		MaxMessageBytes: cfg.Upload.MaxRequestSize * 2,
	}, mailLog, log.Named("devrelay"))

	server := gosmtp.NewServer(backend)
	server.Addr = cfg.DevRelay.BindAddr
	server.Domain = cfg.DevRelay.Domain
	server.ReadTimeout = 30 * time.Second
	server.WriteTimeout = 30 * time.Second
	server.MaxMessageBytes = backend.MaxMessageBytes()
	server.MaxRecipients = 100

	listener, err := net.Listen("tcp", cfg.DevRelay.BindAddr)
	if err != nil {
		log.Fatal("failed to listen", zap.String("address", cfg.DevRelay.BindAddr), zap.Error(err))
	}
	limiter := smtp.NewConnectionLimiter(cfg.DevRelay.MaxConns, cfg.DevRelay.ConnRate)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting dev SMTP relay",
			zap.String("address", cfg.DevRelay.BindAddr),
			zap.String("domain", cfg.DevRelay.Domain),
			zap.String("mail_log", cfg.DevRelay.LogPath),
			zap.Int("max_conns", cfg.DevRelay.MaxConns),
		)
		if err := server.Serve(limiter.Listener(listener)); err != nil && !errors.Is(err, gosmtp.ErrServerClosed) {
			log.Error("SMTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, stopping relay...")

		if err := server.Close(); err != nil && !errors.Is(err, gosmtp.ErrServerClosed) {
			log.Warn("SMTP server close warning", zap.Error(err))
		}
		// 等待已接收邮件的投递结果写完
		backend.Wait()
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("relay error", zap.Error(err))
	}

	log.Info("relay exited cleanly")
}
