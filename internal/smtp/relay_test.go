package smtp

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtrace/backend/internal/domain"
	"mailtrace/backend/internal/maillog"
)

type devRelay struct {
	addr    string
	logPath string
	backend *Backend
}

func startDevRelay(t *testing.T) *devRelay {
	t.Helper()
	return startDevRelayWith(t, BackendConfig{Hostname: "testhost"})
}

func startDevRelayWith(t *testing.T, cfg BackendConfig) *devRelay {
	t.Helper()

	logPath := filepath.Join(t.TempDir(), "mail.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	be := NewBackend(cfg, f, nil)
	srv := gosmtp.NewServer(be)
	srv.Domain = "localhost"
	srv.MaxMessageBytes = be.MaxMessageBytes()
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	limiter := NewConnectionLimiter(4, 100)
	go func() { _ = srv.Serve(limiter.Listener(l)) }()
	t.Cleanup(func() { _ = srv.Close() })

	return &devRelay{addr: l.Addr().String(), logPath: logPath, backend: be}
}

func TestRelay_SendThroughDevRelay(t *testing.T) {
	dr := startDevRelay(t)
	relay := NewRelay(RelayConfig{Addr: dr.addr, HeloName: "client.test", Timeout: 5 * time.Second}, nil)

	req := sampleRequest()
	req.To = []string{"ok@example.org"}
	req.CC = []string{"dmarc+cc@example.org"}
	msg, err := ComposeMessage(req, "client.test", time.Now())
	require.NoError(t, err)

	require.NoError(t, relay.Send(context.Background(), msg))
	dr.backend.Wait()

	correlator := maillog.New(maillog.Options{Path: dr.logPath})
	ctx := context.Background()

	queueID, err := correlator.LatestQueueID(ctx)
	require.NoError(t, err)
	assert.Len(t, queueID, 10)

	byMessage, err := correlator.QueueIDForMessage(ctx, msg.MessageID)
	require.NoError(t, err)
	assert.Equal(t, queueID, byMessage)

	res := correlator.Status(ctx, queueID)
	assert.Equal(t, domain.StatusBounced, res.Status)
	assert.True(t, res.Final)
	assert.Contains(t, res.Message, "message delivered successfully.")
	assert.Contains(t, res.Message, "delivery failed (bounced):")
	assert.True(t, strings.HasSuffix(res.Message, "see https://open.work.weixin.qq.com/help2/pc/20049 for how to fix it."))
}

func TestRelay_Deferred(t *testing.T) {
	dr := startDevRelay(t)
	relay := NewRelay(RelayConfig{Addr: dr.addr}, nil)

	req := sampleRequest()
	req.To = []string{"defer+x@example.org"}
	req.CC = nil
	msg, err := ComposeMessage(req, "", time.Now())
	require.NoError(t, err)
	require.NoError(t, relay.Send(context.Background(), msg))
	dr.backend.Wait()

	correlator := maillog.New(maillog.Options{Path: dr.logPath})
	queueID, err := correlator.LatestQueueID(context.Background())
	require.NoError(t, err)

	res := correlator.Status(context.Background(), queueID)
	assert.Equal(t, domain.StatusDeferred, res.Status)
	assert.False(t, res.Status.IsTerminal())

	data, err := os.ReadFile(dr.logPath)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "removed")
}

func TestRelay_MessageSizeLimit(t *testing.T) {
	assert.Equal(t, int64(16<<20), NewBackend(BackendConfig{}, io.Discard, nil).MaxMessageBytes())

	dr := startDevRelayWith(t, BackendConfig{Hostname: "testhost", MaxMessageBytes: 64 << 10})
	relay := NewRelay(RelayConfig{Addr: dr.addr, Timeout: 5 * time.Second}, nil)

	req := sampleRequest()
	req.Attachments = []domain.Attachment{{Filename: "a.bin", Content: bytes.Repeat([]byte("x"), 16<<10)}}
	msg, err := ComposeMessage(req, "", time.Now())
	require.NoError(t, err)
	require.NoError(t, relay.Send(context.Background(), msg))

	req.Attachments = []domain.Attachment{{Filename: "b.bin", Content: bytes.Repeat([]byte("x"), 128<<10)}}
	msg, err = ComposeMessage(req, "", time.Now())
	require.NoError(t, err)
	err = relay.Send(context.Background(), msg)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRelayUnavailable)
	dr.backend.Wait()
}

func TestRelay_Unavailable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	relay := NewRelay(RelayConfig{Addr: addr, Timeout: time.Second}, nil)
	msg, err := ComposeMessage(sampleRequest(), "", time.Now())
	require.NoError(t, err)

	err = relay.Send(context.Background(), msg)
	assert.ErrorIs(t, err, ErrRelayUnavailable)
}

func TestRelay_DialBoundedByTimeout(t *testing.T) {
	// 10.255.255.1 不可路由，连接要么立即失败，要么一直挂起直到超时
	relay := NewRelay(RelayConfig{Addr: "10.255.255.1:25", Timeout: 200 * time.Millisecond}, nil)
	msg, err := ComposeMessage(sampleRequest(), "", time.Now())
	require.NoError(t, err)

	start := time.Now()
	err = relay.Send(context.Background(), msg)
	assert.ErrorIs(t, err, ErrRelayUnavailable)
	assert.Less(t, time.Since(start), 2*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	relay = NewRelay(RelayConfig{Addr: "10.255.255.1:25", Timeout: time.Minute}, nil)
	start = time.Now()
	assert.Error(t, relay.Send(ctx, msg))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRelay_NoRecipients(t *testing.T) {
	relay := NewRelay(RelayConfig{Addr: "127.0.0.1:1"}, nil)
	err := relay.Send(context.Background(), &ComposedMessage{From: "a@b.c"})
	assert.Error(t, err)
}

func TestBackend_RejectsOversizedMessage(t *testing.T) {
	be := NewBackend(BackendConfig{MaxMessageBytes: 10}, &strings.Builder{}, nil)
	sess, err := be.NewSession(nil)
	require.NoError(t, err)

	require.NoError(t, sess.Mail("a@example.com", nil))
	require.NoError(t, sess.Rcpt("<b@example.com>", nil))
	err = sess.Data(strings.NewReader("this body is longer than ten bytes"))

	var smtpErr *gosmtp.SMTPError
	require.ErrorAs(t, err, &smtpErr)
	assert.Equal(t, 552, smtpErr.Code)
}

func TestBackend_RejectsInvalidRecipient(t *testing.T) {
	be := NewBackend(BackendConfig{}, &strings.Builder{}, nil)
	sess, err := be.NewSession(nil)
	require.NoError(t, err)
	assert.Error(t, sess.Rcpt("not-an-address", nil))
}

func TestConnectionLimiter(t *testing.T) {
	l := NewConnectionLimiter(2, 100)
	assert.True(t, l.Acquire())
	assert.True(t, l.Acquire())
	assert.False(t, l.Acquire())
	assert.Equal(t, 2, l.Current())

	l.Release()
	assert.Equal(t, 1, l.Current())
	assert.True(t, l.Acquire())

	l.Release()
	l.Release()
	l.Release()
	assert.Equal(t, 0, l.Current())
}

func TestConnectionLimiter_Rate(t *testing.T) {
	l := NewConnectionLimiter(100, 2)
	assert.True(t, l.Acquire())
	assert.True(t, l.Acquire())
	assert.False(t, l.Acquire())
}
