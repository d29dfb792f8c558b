package smtp

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"mailtrace/backend/internal/domain"
)

// TrackingHeader 携带本服务生成的消息标识，便于在日志中按消息查找
const TrackingHeader = "X-Mailtrace-ID"

// ComposedMessage 是组装完成、可直接交给 MTA 的邮件。
type ComposedMessage struct {
	Raw        []byte
	MessageID  string // 含尖括号，与日志中 message-id= 的取值一致
	From       string
	Recipients []string
}

var textPolicy = bluemonday.StrictPolicy()

// ComposeMessage 按表单内容组装 MIME 邮件。
//
// 结构为 multipart/mixed：第一部分是 text/plain 与 text/html 的 multipart/alternative，
// 之后依次是附件。
func ComposeMessage(req *domain.EmailRequest, heloName string, now time.Time) (*ComposedMessage, error) {
	if heloName == "" {
		heloName = "localhost"
	}
	id := uuid.NewString()

	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{{Name: req.SenderName, Address: req.SenderEmail}})
	h.SetAddressList("To", toAddresses(req.To))
	h.SetAddressList("Cc", toAddresses(req.CC))
	h.SetSubject(req.Subject)
	h.SetMessageID(id + "@" + heloName)
	h.Set(TrackingHeader, id)

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create writer: %w", err)
	}

	if err := writeBody(mw, req.HTML); err != nil {
		return nil, err
	}

	for _, att := range req.Attachments {
		if err := writeAttachment(mw, att); err != nil {
			return nil, fmt.Errorf("attachment %q: %w", att.Filename, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close writer: %w", err)
	}

	return &ComposedMessage{
		Raw:        buf.Bytes(),
		MessageID:  "<" + id + "@" + heloName + ">",
		From:       req.SenderEmail,
		Recipients: req.Envelope(),
	}, nil
}

func writeBody(mw *mail.Writer, content string) error {
	iw, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("create inline: %w", err)
	}

	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if err := writePart(iw, th, PlainText(content)); err != nil {
		return err
	}

	var hh mail.InlineHeader
	hh.SetContentType("text/html", map[string]string{"charset": "utf-8"})
	if err := writePart(iw, hh, content); err != nil {
		return err
	}

	return iw.Close()
}

func writePart(iw *mail.InlineWriter, h mail.InlineHeader, body string) error {
	w, err := iw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create part: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return err
	}
	return w.Close()
}

func writeAttachment(mw *mail.Writer, att domain.Attachment) error {
	var ah mail.AttachmentHeader
	ah.SetContentType(attachmentType(att), map[string]string{"name": att.Filename})
	ah.SetFilename(att.Filename)

	w, err := mw.CreateAttachment(ah)
	if err != nil {
		return err
	}
	if _, err := w.Write(att.Content); err != nil {
		return err
	}
	return w.Close()
}

// attachmentType 优先使用上传时声明的类型，其次按扩展名，最后按内容识别
func attachmentType(att domain.Attachment) string {
	if ct := att.ContentType; ct != "" && ct != "application/octet-stream" {
		if t, _, err := mime.ParseMediaType(ct); err == nil {
			return t
		}
	}
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(att.Filename))); t != "" {
		if mt, _, err := mime.ParseMediaType(t); err == nil {
			return mt
		}
	}
	mt := mimetype.Detect(att.Content).String()
	if t, _, err := mime.ParseMediaType(mt); err == nil {
		return t
	}
	return "application/octet-stream"
}

// PlainText 去除 HTML 标签，生成纯文本备选内容
func PlainText(content string) string {
	text := html.UnescapeString(textPolicy.Sanitize(content))
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

func toAddresses(list []string) []*mail.Address {
	addrs := make([]*mail.Address, 0, len(list))
	for _, a := range list {
		addrs = append(addrs, &mail.Address{Address: a})
	}
	return addrs
}
