package maillog

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mailtrace/backend/internal/domain"
)

// Watch 按轮询间隔重复检查队列ID的状态，直到得到终态或超时。
//
// onUpdate 在首次检查以及状态或详情发生变化时被调用，可以为 nil。
// 超时返回最后一次结果和 ErrWatchTimeout；调用方取消时返回 ctx 的错误。
func (c *Correlator) Watch(ctx context.Context, queueID string, onUpdate func(domain.StatusResult)) (domain.StatusResult, error) {
	parent := ctx
	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var (
		last    domain.StatusResult
		checked bool
	)
	for {
		res, err := c.scanStatus(ctx, queueID)
		if ctx.Err() != nil {
			return last, c.stopReason(parent, queueID)
		}
		if err != nil {
			res = c.errorResult(queueID, err)
		}

		if !checked || res != last {
			checked = true
			last = res
			if onUpdate != nil {
				onUpdate(res)
			}
		}
		if res.Status.IsTerminal() {
			return res, nil
		}

		select {
		case <-ctx.Done():
			return last, c.stopReason(parent, queueID)
		case <-ticker.C:
		}
	}
}

func (c *Correlator) stopReason(parent context.Context, queueID string) error {
	if err := parent.Err(); err != nil {
		return err
	}
	c.logger.Info("watch timed out", zap.String("queue_id", queueID), zap.Duration("timeout", c.timeout))
	return ErrWatchTimeout
}
