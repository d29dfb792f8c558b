package cache

import (
	"context"

	"mailtrace/backend/internal/domain"
)

// StatusCache 缓存已确定的投递结果。
//
// 只有日志已记录队列条目移除的终态才会被写入。
// 同一队列ID在 sent 之后仍可能出现其他收件人的 bounced 行，
// 因此未移除的条目每次都必须重新扫描日志。
type StatusCache interface {
	Get(ctx context.Context, queueID string) (domain.StatusResult, bool)
	Set(ctx context.Context, queueID string, result domain.StatusResult)
}

// Nop 不缓存任何结果
type Nop struct{}

func (Nop) Get(context.Context, string) (domain.StatusResult, bool) {
	return domain.StatusResult{}, false
}

func (Nop) Set(context.Context, string, domain.StatusResult) {}

func cacheable(res domain.StatusResult) bool {
	return res.Final && res.Status.IsTerminal() && res.Status != domain.StatusError
}
