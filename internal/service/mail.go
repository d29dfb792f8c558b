package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"mailtrace/backend/internal/cache"
	"mailtrace/backend/internal/config"
	"mailtrace/backend/internal/domain"
	"mailtrace/backend/internal/maillog"
	"mailtrace/backend/internal/monitoring"
	"mailtrace/backend/internal/smtp"
	"mailtrace/backend/internal/storage/filesystem"
)

// Correlator 在 MTA 日志中查找队列ID与投递状态
type Correlator interface {
	LatestQueueID(ctx context.Context) (string, error)
	QueueIDForMessage(ctx context.Context, messageID string) (string, error)
	Status(ctx context.Context, queueID string) domain.StatusResult
	Watch(ctx context.Context, queueID string, onUpdate func(domain.StatusResult)) (domain.StatusResult, error)
}

// Archiver 保存已发送邮件的副本
type Archiver interface {
	Save(rec *filesystem.Record, raw []byte) (string, error)
}

// Tracker 在后台跟踪尚未得到终态的投递
type Tracker interface {
	Track(queueID string, initial domain.StatusResult) bool
}

// MailService 封装发送与状态查询。
type MailService struct {
	sender     smtp.Sender
	correlator Correlator
	cache      cache.StatusCache
	metrics    *monitoring.Metrics
	tracker    Tracker
	archiver   Archiver
	logger     *zap.Logger

	heloName  string
	matchMode string
	now       func() time.Time
}

// MailServiceOptions 发送服务依赖
type MailServiceOptions struct {
	Sender     smtp.Sender
	Correlator Correlator
	Cache      cache.StatusCache
	Metrics    *monitoring.Metrics
	Archiver   Archiver // 可选
	Logger     *zap.Logger
	HeloName   string
	MatchMode  string
}

// NewMailService 创建发送服务。
func NewMailService(opts MailServiceOptions) *MailService {
	s := &MailService{
		sender:     opts.Sender,
		correlator: opts.Correlator,
		cache:      opts.Cache,
		metrics:    opts.Metrics,
		archiver:   opts.Archiver,
		logger:     opts.Logger,
		heloName:   opts.HeloName,
		matchMode:  opts.MatchMode,
		now:        time.Now,
	}
	if s.cache == nil {
		s.cache = cache.Nop{}
	}
	if s.metrics == nil {
		s.metrics = monitoring.NewMetrics()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.matchMode == "" {
		s.matchMode = config.MatchModeRecent
	}
	return s
}

// SetTracker 设置后台跟踪器（可选）
func (s *MailService) SetTracker(t Tracker) {
	s.tracker = t
}

// Send 校验、组装并投递邮件，然后从日志中查找队列ID与当前状态。
//
// 校验失败返回错误；组装或投递失败不返回错误，而是返回 status 为 error 的结果。
func (s *MailService) Send(ctx context.Context, req *domain.EmailRequest) (domain.SendResult, error) {
	if err := req.Validate(); err != nil {
		s.metrics.RecordSend("invalid", 0, 0)
		return domain.SendResult{}, err
	}

	sentAt := s.now()
	msg, err := smtp.ComposeMessage(req, s.heloName, sentAt)
	if err != nil {
		s.logger.Error("compose message failed", zap.Error(err))
		s.metrics.RecordSend("compose_error", 0, 0)
		return domain.SendResult{Status: string(domain.StatusError), Message: err.Error()}, nil
	}

	start := time.Now()
	if err := s.sender.Send(ctx, msg); err != nil {
		s.logger.Warn("relay rejected message",
			zap.String("message_id", msg.MessageID),
			zap.Strings("recipients", msg.Recipients),
			zap.Error(err),
		)
		s.metrics.RecordSend("relay_error", req.AttachmentBytes(), time.Since(start))
		return domain.SendResult{Status: string(domain.StatusError), Message: err.Error()}, nil
	}
	s.metrics.RecordSend("success", req.AttachmentBytes(), time.Since(start))

	queueID, err := s.lookupQueueID(ctx, msg.MessageID)
	if err != nil {
		if errors.Is(err, maillog.ErrLogUnavailable) {
			s.logger.Warn("mail log unavailable after send", zap.String("message_id", msg.MessageID), zap.Error(err))
		} else if !errors.Is(err, maillog.ErrQueueIDNotFound) {
			s.logger.Error("queue id lookup failed", zap.String("message_id", msg.MessageID), zap.Error(err))
		}
		s.archive(req, msg, sentAt, "", domain.SendStatusSuccess)
		return domain.SendResult{Status: domain.SendStatusSuccess, Message: domain.MsgSent}, nil
	}

	res := s.checkStatus(ctx, queueID)
	s.logger.Info("message sent",
		zap.String("queue_id", queueID),
		zap.String("message_id", msg.MessageID),
		zap.String("status", string(res.Status)),
	)

	s.archive(req, msg, sentAt, queueID, string(res.Status))

	if !res.Status.IsTerminal() && s.tracker != nil {
		s.tracker.Track(queueID, res)
	}

	return domain.SendResult{Status: string(res.Status), Message: res.Message, QueueID: queueID}, nil
}

// archive 归档失败只记录日志
func (s *MailService) archive(req *domain.EmailRequest, msg *smtp.ComposedMessage, sentAt time.Time, queueID, status string) {
	if s.archiver == nil {
		return
	}
	rec := &filesystem.Record{
		MessageID:  msg.MessageID,
		QueueID:    queueID,
		Status:     status,
		From:       msg.From,
		Recipients: msg.Recipients,
		Subject:    req.Subject,
		SentAt:     sentAt,
	}
	for _, a := range req.Attachments {
		rec.Attachments = append(rec.Attachments, filesystem.AttachmentMeta{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        a.Size(),
		})
	}
	path, err := s.archiver.Save(rec, msg.Raw)
	if err != nil {
		s.logger.Warn("archive message failed", zap.String("message_id", msg.MessageID), zap.Error(err))
		return
	}
	s.logger.Debug("message archived", zap.String("message_id", msg.MessageID), zap.String("path", path))
}

// CheckStatus 查询队列ID的投递状态，队列条目已移除的终态结果会被缓存。
func (s *MailService) CheckStatus(ctx context.Context, queueID string) domain.StatusResult {
	if queueID == "" {
		return domain.ErrorResult(domain.MsgNoQueueID)
	}
	return s.checkStatus(ctx, queueID)
}

// Watch 持续跟踪队列ID直到终态或超时
func (s *MailService) Watch(ctx context.Context, queueID string, onUpdate func(domain.StatusResult)) (domain.StatusResult, error) {
	if res, ok := s.cache.Get(ctx, queueID); ok {
		s.metrics.RecordCacheLookup(true)
		if onUpdate != nil {
			onUpdate(res)
		}
		return res, nil
	}
	s.metrics.RecordCacheLookup(false)

	res, err := s.correlator.Watch(ctx, queueID, onUpdate)
	s.cache.Set(ctx, queueID, res)
	return res, err
}

func (s *MailService) checkStatus(ctx context.Context, queueID string) domain.StatusResult {
	if res, ok := s.cache.Get(ctx, queueID); ok {
		s.metrics.RecordCacheLookup(true)
		s.metrics.RecordStatusCheck(string(res.Status), 0)
		return res
	}
	s.metrics.RecordCacheLookup(false)

	start := time.Now()
	res := s.correlator.Status(ctx, queueID)
	s.metrics.RecordStatusCheck(string(res.Status), time.Since(start))
	s.cache.Set(ctx, queueID, res)
	return res
}

func (s *MailService) lookupQueueID(ctx context.Context, messageID string) (string, error) {
	start := time.Now()

	var (
		id  string
		err error
	)
	if s.matchMode == config.MatchModeMessageID {
		id, err = s.correlator.QueueIDForMessage(ctx, messageID)
	} else {
		id, err = s.correlator.LatestQueueID(ctx)
	}

	result := "found"
	switch {
	case errors.Is(err, maillog.ErrLogUnavailable):
		result = "unavailable"
	case errors.Is(err, maillog.ErrQueueIDNotFound):
		result = "not_found"
	case err != nil:
		result = "error"
	}
	s.metrics.RecordQueueIDLookup(result, time.Since(start))
	return id, err
}
