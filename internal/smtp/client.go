package smtp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"
)

// ErrRelayUnavailable 表示无法连接本地 MTA
var ErrRelayUnavailable = errors.New("smtp relay unavailable")

// Sender 把组装好的邮件交给 MTA
type Sender interface {
	Send(ctx context.Context, msg *ComposedMessage) error
}

// RelayConfig 中继配置
type RelayConfig struct {
	Addr     string
	HeloName string
	Timeout  time.Duration
}

// Relay 通过未认证的 SMTP 会话把邮件投递到本地 MTA
type Relay struct {
	cfg    RelayConfig
	logger *zap.Logger
}

// NewRelay 创建中继客户端
func NewRelay(cfg RelayConfig, logger *zap.Logger) *Relay {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HeloName == "" {
		cfg.HeloName = "localhost"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{cfg: cfg, logger: logger}
}

// Addr 返回 MTA 地址
func (r *Relay) Addr() string {
	return r.cfg.Addr
}

// Send 投递邮件。信封收件人为 To 与 Cc 的并集。
func (r *Relay) Send(ctx context.Context, msg *ComposedMessage) error {
	if len(msg.Recipients) == 0 {
		return fmt.Errorf("send: no recipients")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dialer := net.Dialer{Timeout: r.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", r.cfg.Addr)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	c := gosmtp.NewClient(conn)
	defer c.Close()

	c.CommandTimeout = r.cfg.Timeout
	c.SubmissionTimeout = r.cfg.Timeout

	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	if err := c.Hello(r.cfg.HeloName); err != nil {
		return fmt.Errorf("helo: %w", err)
	}
	if err := c.SendMail(msg.From, msg.Recipients, bytes.NewReader(msg.Raw)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	_ = c.Quit()

	r.logger.Info("message handed to relay",
		zap.String("relay", r.cfg.Addr),
		zap.String("message_id", msg.MessageID),
		zap.Int("recipients", len(msg.Recipients)),
		zap.Int("size", len(msg.Raw)),
	)
	return nil
}
