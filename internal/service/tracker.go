package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"mailtrace/backend/internal/domain"
	"mailtrace/backend/internal/maillog"
	"mailtrace/backend/internal/monitoring"
	"mailtrace/backend/internal/pool"
)

// DeliveryTracker 把未得到终态的投递交给协程池持续跟踪，
// 最终结果写入日志与指标。
type DeliveryTracker struct {
	pool    *pool.WorkerPool
	watcher Watcher
	metrics *monitoring.Metrics
	logger  *zap.Logger

	ctx context.Context
}

// Watcher 持续检查队列ID状态
type Watcher interface {
	Watch(ctx context.Context, queueID string, onUpdate func(domain.StatusResult)) (domain.StatusResult, error)
}

// NewDeliveryTracker 创建跟踪器。ctx 结束后正在进行的跟踪会被取消。
func NewDeliveryTracker(ctx context.Context, p *pool.WorkerPool, w Watcher, metrics *monitoring.Metrics, logger *zap.Logger) *DeliveryTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = monitoring.NewMetrics()
	}
	return &DeliveryTracker{pool: p, watcher: w, metrics: metrics, logger: logger, ctx: ctx}
}

// Track 提交跟踪任务，队列已满时丢弃并返回 false
func (t *DeliveryTracker) Track(queueID string, initial domain.StatusResult) bool {
	ok := t.pool.TrySubmit(func() { t.run(queueID, initial) })
	if !ok {
		t.metrics.TrackerDropped.Inc()
		t.logger.Warn("tracker queue full, dropping", zap.String("queue_id", queueID))
	}
	return ok
}

func (t *DeliveryTracker) run(queueID string, initial domain.StatusResult) {
	start := time.Now()
	last := initial.Status

	res, err := t.watcher.Watch(t.ctx, queueID, func(r domain.StatusResult) {
		if r.Status != last {
			t.logger.Debug("delivery status changed",
				zap.String("queue_id", queueID),
				zap.String("from", string(last)),
				zap.String("to", string(r.Status)),
			)
			last = r.Status
		}
	})

	switch {
	case errors.Is(err, maillog.ErrWatchTimeout):
		t.metrics.RecordTrackerResult("timeout")
		t.logger.Warn("delivery not final before timeout",
			zap.String("queue_id", queueID),
			zap.String("status", string(res.Status)),
			zap.Duration("elapsed", time.Since(start)),
		)
	case err != nil:
		t.metrics.RecordTrackerResult("canceled")
		t.logger.Debug("delivery tracking canceled", zap.String("queue_id", queueID), zap.Error(err))
	default:
		t.metrics.RecordTrackerResult(string(res.Status))
		fields := []zap.Field{
			zap.String("queue_id", queueID),
			zap.String("status", string(res.Status)),
			zap.Duration("elapsed", time.Since(start)),
		}
		if res.Status == domain.StatusSent {
			t.logger.Info("delivery final", fields...)
		} else {
			t.logger.Warn("delivery final", append(fields, zap.String("details", res.Message))...)
		}
	}
}
