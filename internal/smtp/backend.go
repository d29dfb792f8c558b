package smtp

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"
)

// 收件人地址前缀决定模拟的投递结果
const (
	BouncePrefix = "bounce+"
	DeferPrefix  = "defer+"
	DMARCPrefix  = "dmarc+"
)

// BackendConfig 开发用收信器配置
type BackendConfig struct {
	Hostname        string
	DeliveryDelay   time.Duration
	MaxMessageBytes int64
}

// Backend 实现 go-smtp 的 Backend 接口。
//
// 它接收所有邮件但不做真正投递，只把 Postfix 风格的日志行写入 out，
// 用于在没有真实 MTA 的环境里联调发送和状态查询。
type Backend struct {
	cfg    BackendConfig
	logger *zap.Logger

	mu  sync.Mutex
	out io.Writer
	now func() time.Time
	pid int
	wg  sync.WaitGroup
}

// NewBackend 创建开发用收信器
func NewBackend(cfg BackendConfig, out io.Writer, logger *zap.Logger) *Backend {
	if cfg.Hostname == "" {
		cfg.Hostname = "mailhost"
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 16 << 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{
		cfg:    cfg,
		logger: logger,
		out:    out,
		now:    time.Now,
		pid:    os.Getpid(),
	}
}

// MaxMessageBytes 返回 DATA 阶段允许的最大邮件大小，SMTP 服务器的 SIZE 限制应与之一致
func (b *Backend) MaxMessageBytes() int64 {
	return b.cfg.MaxMessageBytes
}

// Wait 等待所有延迟写入的投递结果完成
func (b *Backend) Wait() {
	b.wg.Wait()
}

// NewSession 创建新的 SMTP 会话。
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	client := "unknown[unknown]"
	if c != nil && c.Conn() != nil {
		if host, _, err := net.SplitHostPort(c.Conn().RemoteAddr().String()); err == nil {
			client = "localhost[" + host + "]"
		}
	}
	return &session{backend: b, client: client}, nil
}

type session struct {
	backend    *Backend
	client     string
	from       string
	recipients []string
}

// Mail 处理 MAIL 命令。
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.from = from
	return nil
}

// Rcpt 处理 RCPT 命令，接受任意收件人。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := normalizeAddress(to)
	if !strings.Contains(addr, "@") {
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}
	s.recipients = append(s.recipients, addr)
	return nil
}

// Data 处理邮件内容并写入日志行。
func (s *session) Data(r io.Reader) error {
	b := s.backend
	raw, err := io.ReadAll(io.LimitReader(r, b.cfg.MaxMessageBytes+1))
	if err != nil {
		return err
	}
	if int64(len(raw)) > b.cfg.MaxMessageBytes {
		return &gosmtp.SMTPError{
			Code:         552,
			EnhancedCode: gosmtp.EnhancedCode{5, 3, 4},
			Message:      "message too large",
		}
	}

	queueID, err := newQueueID()
	if err != nil {
		return err
	}

	messageID, subject := inspectHeader(raw)
	b.logger.Info("message accepted",
		zap.String("queue_id", queueID),
		zap.String("from", s.from),
		zap.Strings("rcpt", s.recipients),
		zap.String("subject", subject),
	)

	b.writeLine("smtpd", fmt.Sprintf("%s: client=%s", queueID, s.client))
	if messageID != "" {
		b.writeLine("cleanup", fmt.Sprintf("%s: message-id=<%s>", queueID, messageID))
	}
	b.writeLine("qmgr", fmt.Sprintf("%s: from=<%s>, size=%d, nrcpt=%d (queue active)",
		queueID, s.from, len(raw), len(s.recipients)))

	recipients := append([]string(nil), s.recipients...)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if b.cfg.DeliveryDelay > 0 {
			time.Sleep(b.cfg.DeliveryDelay)
		}
		b.deliver(queueID, recipients)
	}()
	return nil
}

// Reset 重置状态。
func (s *session) Reset() {
	s.from = ""
	s.recipients = nil
}

// Logout 会话结束。
func (s *session) Logout() error {
	return nil
}

func (b *Backend) deliver(queueID string, recipients []string) {
	removable := true
	for _, rcpt := range recipients {
		local := strings.ToLower(rcpt)
		switch {
		case strings.HasPrefix(local, DMARCPrefix):
			b.writeLine("smtp", fmt.Sprintf("%s: to=<%s>, relay=mx.example.net[192.0.2.10]:25, delay=0.4, dsn=5.7.1, status=bounced (host mx.example.net[192.0.2.10] said: 550 5.7.1 DMARC check failed, message rejected (in reply to end of DATA command))", queueID, rcpt))
		case strings.HasPrefix(local, BouncePrefix):
			b.writeLine("smtp", fmt.Sprintf("%s: to=<%s>, relay=mx.example.net[192.0.2.10]:25, delay=0.3, dsn=5.1.1, status=bounced (host mx.example.net[192.0.2.10] said: 550 5.1.1 user unknown (in reply to RCPT TO command))", queueID, rcpt))
		case strings.HasPrefix(local, DeferPrefix):
			removable = false
			b.writeLine("smtp", fmt.Sprintf("%s: to=<%s>, relay=none, delay=30, dsn=4.4.1, status=deferred (connect to mx.example.net[192.0.2.10]:25: Connection timed out)", queueID, rcpt))
		default:
			b.writeLine("smtp", fmt.Sprintf("%s: to=<%s>, relay=mx.example.net[192.0.2.10]:25, delay=0.2, dsn=2.0.0, status=sent (250 2.0.0 Ok: queued)", queueID, rcpt))
		}
	}
	if removable {
		b.writeLine("qmgr", queueID+": removed")
	}
}

// writeLine 以 syslog 格式写入一行，例如
// "Oct 17 10:00:00 mailhost postfix/qmgr[123]: 3A1F00B2C4: removed"
func (b *Backend) writeLine(service, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	line := fmt.Sprintf("%s %s postfix/%s[%d]: %s\n",
		b.now().Format(time.Stamp), b.cfg.Hostname, service, b.pid, text)
	if _, err := io.WriteString(b.out, line); err != nil {
		b.logger.Error("write mail log failed", zap.Error(err))
	}
}

// newQueueID 生成 10 位大写十六进制队列ID
func newQueueID() (string, error) {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate queue id: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(buf)), nil
}

func inspectHeader(raw []byte) (messageID, subject string) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return "", ""
	}
	defer mr.Close()

	messageID, _ = mr.Header.MessageID()
	subject, _ = mr.Header.Subject()
	return messageID, subject
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	return strings.Trim(addr, "<>")
}
