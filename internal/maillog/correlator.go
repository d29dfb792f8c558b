package maillog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailtrace/backend/internal/domain"
)

var (
	// ErrLogUnavailable 邮件日志无法打开
	ErrLogUnavailable = errors.New("mail log unavailable")
	// ErrQueueIDNotFound 日志中没有可识别的队列ID
	ErrQueueIDNotFound = errors.New("queue id not found")
	// ErrWatchTimeout 跟踪在超时前没有得到终态
	ErrWatchTimeout = errors.New("watch timed out before a terminal status")
)

const (
	defaultPollInterval = 10 * time.Second
	defaultWatchTimeout = 5 * time.Minute
)

// Options 关联器配置
type Options struct {
	Path         string
	PollInterval time.Duration
	Timeout      time.Duration
	Classifier   LineClassifier
	Logger       *zap.Logger
}

// Correlator 在 MTA 日志中查找队列ID并汇总投递状态。
// 每次调用都会重新打开日志文件，多个请求可以并发使用同一个实例。
type Correlator struct {
	path         string
	pollInterval time.Duration
	timeout      time.Duration
	classifier   LineClassifier
	logger       *zap.Logger
}

// New 创建关联器
func New(opts Options) *Correlator {
	c := &Correlator{
		path:         opts.Path,
		pollInterval: opts.PollInterval,
		timeout:      opts.Timeout,
		classifier:   opts.Classifier,
		logger:       opts.Logger,
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}
	if c.timeout <= 0 {
		c.timeout = defaultWatchTimeout
	}
	if c.classifier == nil {
		c.classifier = MustPostfixClassifier()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// Path 返回日志文件路径
func (c *Correlator) Path() string {
	return c.path
}

// LatestQueueID 返回日志中最后出现的队列ID
func (c *Correlator) LatestQueueID(ctx context.Context) (string, error) {
	return c.findQueueID(ctx, func(string) bool { return true })
}

// QueueIDForMessage 返回包含指定 Message-ID 的最后一行日志中的队列ID
func (c *Correlator) QueueIDForMessage(ctx context.Context, messageID string) (string, error) {
	if messageID == "" {
		return "", ErrQueueIDNotFound
	}
	return c.findQueueID(ctx, func(line string) bool {
		return strings.Contains(line, messageID)
	})
}

func (c *Correlator) findQueueID(ctx context.Context, accept func(line string) bool) (string, error) {
	f, err := os.Open(c.path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLogUnavailable, err)
	}
	defer f.Close()

	var found string
	err = scanBackward(ctx, f, func(line string) bool {
		if !accept(line) {
			return true
		}
		if id, ok := c.classifier.QueueID(line); ok {
			found = id
			return false
		}
		return true
	})
	if err != nil {
		return "", fmt.Errorf("scan mail log: %w", err)
	}
	if found == "" {
		return "", ErrQueueIDNotFound
	}

	c.logger.Debug("queue id resolved", zap.String("queue_id", found))
	return found, nil
}

// Status 汇总日志中与队列ID相关的所有行，得到当前投递状态。
//
// 队列ID按子串匹配；最后一个命中状态关键字的行决定最终状态。
// 没有任何状态关键字时返回 pending，收集到的详情被丢弃。
// 只有看到队列条目被移除的行后，结果才标记为 Final。
func (c *Correlator) Status(ctx context.Context, queueID string) domain.StatusResult {
	res, err := c.scanStatus(ctx, queueID)
	if err != nil {
		return c.errorResult(queueID, err)
	}
	return res
}

func (c *Correlator) scanStatus(ctx context.Context, queueID string) (domain.StatusResult, error) {
	f, err := os.Open(c.path)
	if err != nil {
		return domain.StatusResult{}, fmt.Errorf("%w: %v", ErrLogUnavailable, err)
	}
	defer f.Close()

	var (
		status  domain.DeliveryStatus
		details []string
		removed bool
	)
	err = scanForward(ctx, f, func(line string) {
		if !strings.Contains(line, queueID) {
			return
		}
		class := c.classifier.Classify(line)
		if class.Status != "" {
			status = class.Status
			details = append(details, class.Note)
		}
		if class.Detail {
			details = append(details, strings.TrimSpace(line))
		}
		details = append(details, class.Guidance...)
		removed = removed || class.Removed
	})
	if err != nil {
		return domain.StatusResult{}, err
	}

	if status == "" {
		return domain.PendingResult(), nil
	}
	return domain.StatusResult{
		Status:  status,
		Message: strings.Join(details, "\n"),
		Final:   removed && status.IsTerminal(),
	}, nil
}

func (c *Correlator) errorResult(queueID string, err error) domain.StatusResult {
	if errors.Is(err, ErrLogUnavailable) {
		c.logger.Warn("mail log unavailable", zap.String("path", c.path), zap.Error(err))
		return domain.ErrorResult(domain.MsgLogUnavailable)
	}
	c.logger.Error("status scan failed", zap.String("queue_id", queueID), zap.Error(err))
	return domain.ErrorResult(domain.MsgStatusCheckFail + err.Error())
}
