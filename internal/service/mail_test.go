package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"mailtrace/backend/internal/cache"
	"mailtrace/backend/internal/config"
	"mailtrace/backend/internal/domain"
	"mailtrace/backend/internal/maillog"
	"mailtrace/backend/internal/monitoring"
	"mailtrace/backend/internal/pool"
	"mailtrace/backend/internal/smtp"
	"mailtrace/backend/internal/storage/filesystem"
)

// MockSender 模拟 MTA 投递
type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(ctx context.Context, msg *smtp.ComposedMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

// MockCorrelator 模拟日志关联器
type MockCorrelator struct {
	mock.Mock
}

func (m *MockCorrelator) LatestQueueID(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockCorrelator) QueueIDForMessage(ctx context.Context, messageID string) (string, error) {
	args := m.Called(ctx, messageID)
	return args.String(0), args.Error(1)
}

func (m *MockCorrelator) Status(ctx context.Context, queueID string) domain.StatusResult {
	args := m.Called(ctx, queueID)
	return args.Get(0).(domain.StatusResult)
}

func (m *MockCorrelator) Watch(ctx context.Context, queueID string, onUpdate func(domain.StatusResult)) (domain.StatusResult, error) {
	args := m.Called(ctx, queueID, onUpdate)
	res := args.Get(0).(domain.StatusResult)
	if onUpdate != nil {
		onUpdate(res)
	}
	return res, args.Error(1)
}

// MockTracker 模拟后台跟踪器
type MockTracker struct {
	mock.Mock
}

func (m *MockTracker) Track(queueID string, initial domain.StatusResult) bool {
	args := m.Called(queueID, initial)
	return args.Bool(0)
}

func validRequest() *domain.EmailRequest {
	return &domain.EmailRequest{
		SenderName:  "Alice",
		SenderEmail: "alice@example.com",
		To:          []string{"bob@example.org"},
		Subject:     "hi",
		HTML:        "<p>hello</p>",
	}
}

func newService(sender smtp.Sender, corr Correlator, mode string) *MailService {
	return NewMailService(MailServiceOptions{
		Sender:     sender,
		Correlator: corr,
		Cache:      cache.NewLocalCache(16, time.Minute),
		Metrics:    monitoring.NewMetrics(),
		HeloName:   "test.local",
		MatchMode:  mode,
	})
}

func TestMailService_Send(t *testing.T) {
	ctx := context.Background()

	t.Run("校验失败不投递", func(t *testing.T) {
		sender := new(MockSender)
		corr := new(MockCorrelator)
		svc := newService(sender, corr, "")

		req := validRequest()
		req.SenderEmail = "not-an-email"
		_, err := svc.Send(ctx, req)

		assert.ErrorIs(t, err, domain.ErrInvalidEmail)
		sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	})

	t.Run("投递失败返回错误结果", func(t *testing.T) {
		sender := new(MockSender)
		corr := new(MockCorrelator)
		sender.On("Send", mock.Anything, mock.Anything).Return(errors.New("connection refused"))
		svc := newService(sender, corr, "")

		res, err := svc.Send(ctx, validRequest())
		require.NoError(t, err)
		assert.Equal(t, domain.SendResult{Status: "error", Message: "connection refused"}, res)
		corr.AssertNotCalled(t, "LatestQueueID", mock.Anything)
	})

	t.Run("找到队列ID", func(t *testing.T) {
		sender := new(MockSender)
		corr := new(MockCorrelator)
		tracker := new(MockTracker)

		req := validRequest()
		req.CC = []string{"carol@example.org"}
		sender.On("Send", mock.Anything, mock.MatchedBy(func(m *smtp.ComposedMessage) bool {
			return m.From == "alice@example.com" &&
				assert.ObjectsAreEqual([]string{"bob@example.org", "carol@example.org"}, m.Recipients)
		})).Return(nil)
		corr.On("LatestQueueID", mock.Anything).Return("ABC123", nil)
		corr.On("Status", mock.Anything, "ABC123").Return(domain.PendingResult())
		tracker.On("Track", "ABC123", domain.PendingResult()).Return(true)

		svc := newService(sender, corr, config.MatchModeRecent)
		svc.SetTracker(tracker)

		res, err := svc.Send(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, domain.SendResult{Status: "pending", Message: "sending in progress", QueueID: "ABC123"}, res)
		sender.AssertExpectations(t)
		tracker.AssertExpectations(t)
	})

	t.Run("终态不提交跟踪", func(t *testing.T) {
		sender := new(MockSender)
		corr := new(MockCorrelator)
		tracker := new(MockTracker)
		sender.On("Send", mock.Anything, mock.Anything).Return(nil)
		corr.On("LatestQueueID", mock.Anything).Return("ABC123", nil)
		corr.On("Status", mock.Anything, "ABC123").Return(domain.StatusResult{Status: domain.StatusSent, Message: "ok"})

		svc := newService(sender, corr, "")
		svc.SetTracker(tracker)

		res, err := svc.Send(ctx, validRequest())
		require.NoError(t, err)
		assert.Equal(t, "sent", res.Status)
		tracker.AssertNotCalled(t, "Track", mock.Anything, mock.Anything)
	})

	t.Run("日志中没有队列ID", func(t *testing.T) {
		for _, lookupErr := range []error{maillog.ErrQueueIDNotFound, maillog.ErrLogUnavailable} {
			sender := new(MockSender)
			corr := new(MockCorrelator)
			sender.On("Send", mock.Anything, mock.Anything).Return(nil)
			corr.On("LatestQueueID", mock.Anything).Return("", lookupErr)

			res, err := newService(sender, corr, "").Send(ctx, validRequest())
			require.NoError(t, err)
			assert.Equal(t, domain.SendResult{Status: "success", Message: "message sent"}, res)
			corr.AssertNotCalled(t, "Status", mock.Anything, mock.Anything)
		}
	})

	t.Run("按 Message-ID 匹配", func(t *testing.T) {
		sender := new(MockSender)
		corr := new(MockCorrelator)

		var sentID string
		sender.On("Send", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
			sentID = args.Get(1).(*smtp.ComposedMessage).MessageID
		}).Return(nil)
		corr.On("QueueIDForMessage", mock.Anything, mock.MatchedBy(func(id string) bool {
			return id == sentID && strings.HasSuffix(id, "@test.local>")
		})).Return("DEF456", nil)
		corr.On("Status", mock.Anything, "DEF456").Return(domain.StatusResult{Status: domain.StatusBounced, Message: "x"})

		res, err := newService(sender, corr, config.MatchModeMessageID).Send(ctx, validRequest())
		require.NoError(t, err)
		assert.Equal(t, "DEF456", res.QueueID)
		corr.AssertNotCalled(t, "LatestQueueID", mock.Anything)
	})
}

func TestMailService_SendArchives(t *testing.T) {
	ctx := context.Background()
	store, err := filesystem.NewStore(t.TempDir())
	require.NoError(t, err)

	sender := new(MockSender)
	corr := new(MockCorrelator)
	sender.On("Send", mock.Anything, mock.Anything).Return(nil)
	corr.On("LatestQueueID", mock.Anything).Return("ABC123", nil)
	corr.On("Status", mock.Anything, "ABC123").Return(domain.StatusResult{Status: domain.StatusSent, Message: "message delivered"})

	sentAt := time.Date(2026, 5, 2, 8, 0, 0, 0, time.Local)
	svc := NewMailService(MailServiceOptions{
		Sender:     sender,
		Correlator: corr,
		Archiver:   store,
		HeloName:   "test.local",
	})
	svc.now = func() time.Time { return sentAt }

	req := validRequest()
	req.Attachments = []domain.Attachment{{Filename: "notes.txt", Content: []byte("hello")}}
	res, err := svc.Send(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "sent", res.Status)

	var composed *smtp.ComposedMessage
	for _, call := range sender.Calls {
		composed = call.Arguments.Get(1).(*smtp.ComposedMessage)
	}
	require.NotNil(t, composed)

	meta, err := store.Metadata(sentAt, composed.MessageID)
	require.NoError(t, err)
	assert.Equal(t, "ABC123", meta.QueueID)
	assert.Equal(t, "sent", meta.Status)
	assert.Equal(t, "hi", meta.Subject)
	require.Len(t, meta.Attachments, 1)
	assert.Equal(t, int64(5), meta.Attachments[0].Size)

	raw, err := store.Raw(sentAt, composed.MessageID)
	require.NoError(t, err)
	assert.Equal(t, composed.Raw, raw)
}

func TestMailService_CheckStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("空队列ID不访问日志", func(t *testing.T) {
		corr := new(MockCorrelator)
		res := newService(new(MockSender), corr, "").CheckStatus(ctx, "")
		assert.Equal(t, domain.ErrorResult("no id provided"), res)
		corr.AssertNotCalled(t, "Status", mock.Anything, mock.Anything)
	})

	t.Run("最终结果被缓存", func(t *testing.T) {
		corr := new(MockCorrelator)
		sent := domain.StatusResult{Status: domain.StatusSent, Message: "message delivered successfully.", Final: true}
		corr.On("Status", mock.Anything, "ABC").Return(sent).Once()

		svc := newService(new(MockSender), corr, "")
		assert.Equal(t, sent, svc.CheckStatus(ctx, "ABC"))
		assert.Equal(t, sent, svc.CheckStatus(ctx, "ABC"))
		corr.AssertNumberOfCalls(t, "Status", 1)
	})

	t.Run("未移除的终态每次重新扫描", func(t *testing.T) {
		corr := new(MockCorrelator)
		sent := domain.StatusResult{Status: domain.StatusSent, Message: "message delivered successfully."}
		corr.On("Status", mock.Anything, "ABC").Return(sent)

		svc := newService(new(MockSender), corr, "")
		svc.CheckStatus(ctx, "ABC")
		svc.CheckStatus(ctx, "ABC")
		corr.AssertNumberOfCalls(t, "Status", 2)
	})

	t.Run("非终态每次重新扫描", func(t *testing.T) {
		corr := new(MockCorrelator)
		corr.On("Status", mock.Anything, "ABC").Return(domain.PendingResult())

		svc := newService(new(MockSender), corr, "")
		svc.CheckStatus(ctx, "ABC")
		svc.CheckStatus(ctx, "ABC")
		corr.AssertNumberOfCalls(t, "Status", 2)
	})
}

func TestMailService_CheckStatusFollowsLog(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "mail.log")
	writeLines := func(lines ...string) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		require.NoError(t, err)
		defer f.Close()
		_, err = f.WriteString(strings.Join(lines, "\n") + "\n")
		require.NoError(t, err)
	}

	writeLines("Oct 17 10:00:01 host postfix/smtp[7]: ABC123: to=<a@x.org>, status=sent (250 ok)")
	svc := newService(new(MockSender), maillog.New(maillog.Options{Path: path}), "")

	res := svc.CheckStatus(ctx, "ABC123")
	assert.Equal(t, domain.StatusSent, res.Status)

	bounced := "Oct 17 10:00:02 host postfix/smtp[7]: ABC123: to=<b@x.org>, status=bounced (user unknown)"
	writeLines(bounced)
	res = svc.CheckStatus(ctx, "ABC123")
	assert.Equal(t, domain.StatusBounced, res.Status)
	assert.Contains(t, res.Message, bounced)

	writeLines("Oct 17 10:00:02 host postfix/qmgr[3]: ABC123: removed")
	res = svc.CheckStatus(ctx, "ABC123")
	assert.Equal(t, domain.StatusBounced, res.Status)
	assert.True(t, res.Final)

	writeLines("Oct 17 10:00:09 host postfix/smtp[7]: ABC123: to=<c@x.org>, status=sent (250 ok)")
	assert.Equal(t, res, svc.CheckStatus(ctx, "ABC123"))
}

func TestDeliveryTracker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	corr := new(MockCorrelator)
	bounced := domain.StatusResult{Status: domain.StatusBounced, Message: "delivery failed (bounced):", Final: true}
	corr.On("Watch", mock.Anything, "ABC", mock.Anything).Return(bounced, nil)
	corr.On("Watch", mock.Anything, "SLOW", mock.Anything).Return(domain.PendingResult(), maillog.ErrWatchTimeout)

	metrics := monitoring.NewMetrics()
	svc := NewMailService(MailServiceOptions{Correlator: corr, Metrics: metrics, Cache: cache.NewLocalCache(4, time.Minute)})

	p := pool.NewWorkerPool(2, 4)
	p.Start(ctx)
	tracker := NewDeliveryTracker(ctx, p, svc, metrics, nil)

	require.True(t, tracker.Track("ABC", domain.PendingResult()))
	require.True(t, tracker.Track("SLOW", domain.PendingResult()))
	p.Stop()

	corr.AssertExpectations(t)
	assert.Equal(t, bounced, svc.CheckStatus(ctx, "ABC"))
	corr.AssertNotCalled(t, "Status", mock.Anything, "ABC")
}

func TestDeliveryTracker_QueueFull(t *testing.T) {
	p := pool.NewWorkerPool(1, 0)
	tracker := NewDeliveryTracker(context.Background(), p, new(MockCorrelator), nil, nil)
	assert.False(t, tracker.Track("ABC", domain.PendingResult()))
}
