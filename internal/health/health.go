package health

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const defaultCheckTimeout = 3 * time.Second

// Pinger 可以检查连通性的依赖，例如 Redis 缓存
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options 健康检查配置
type Options struct {
	MailLogPath    string
	RelayAddr      string
	Redis          Pinger
	Registry       prometheus.Registerer
	GoroutineLimit int
	Timeout        time.Duration
}

// HealthChecker 健康检查器
type HealthChecker struct {
	health healthcheck.Handler
	logger *zap.Logger
}

// NewHealthChecker 创建健康检查器
//
// 存活检查只看进程本身；就绪检查要求邮件日志可读、MTA 端口可连。
func NewHealthChecker(opts Options, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultCheckTimeout
	}
	if opts.GoroutineLimit <= 0 {
		opts.GoroutineLimit = 10000
	}

	var h healthcheck.Handler
	if opts.Registry != nil {
		h = healthcheck.NewMetricsHandler(opts.Registry, "mailtrace")
	} else {
		h = healthcheck.NewHandler()
	}

	hc := &HealthChecker{health: h, logger: logger}

	h.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(opts.GoroutineLimit))

	if opts.MailLogPath != "" {
		h.AddReadinessCheck("mail-log", MailLogCheck(opts.MailLogPath))
	}
	if opts.RelayAddr != "" {
		h.AddReadinessCheck("smtp-relay", healthcheck.TCPDialCheck(opts.RelayAddr, opts.Timeout))
	}
	if opts.Redis != nil {
		h.AddReadinessCheck("redis", healthcheck.Timeout(PingCheck(opts.Redis, opts.Timeout), opts.Timeout))
	}

	return hc
}

// Handler 返回健康检查处理器
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveEndpoint 存活探针
func (hc *HealthChecker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪探针
func (hc *HealthChecker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.ReadyEndpoint(w, r)
}

// MailLogCheck 检查邮件日志存在且可读
func MailLogCheck(path string) healthcheck.Check {
	return func() error {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("mail log: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return fmt.Errorf("mail log: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("mail log: %s is a directory", path)
		}
		return nil
	}
}

// PingCheck 把 Pinger 包装为检查项
func PingCheck(p Pinger, timeout time.Duration) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return p.Ping(ctx)
	}
}
