package domain

import "strings"

// Attachment 表示随邮件发送的一个上传文件。
type Attachment struct {
	Filename    string // 原始文件名，写入 Content-Disposition
	ContentType string // 为空时由组装器自动探测
	Content     []byte
}

// Size 返回附件字节数
func (a Attachment) Size() int64 {
	return int64(len(a.Content))
}

// EmailRequest 表示一次发信请求，仅在单个请求内构造和使用，不做持久化。
type EmailRequest struct {
	SenderName  string
	SenderEmail string
	To          []string // 收件人，保持表单中的顺序
	CC          []string // 抄送人，保持表单中的顺序
	Subject     string
	HTML        string
	Attachments []Attachment
}

// Envelope 返回 SMTP 信封收件人：先收件人，后抄送人。
func (r EmailRequest) Envelope() []string {
	rcpts := make([]string, 0, len(r.To)+len(r.CC))
	rcpts = append(rcpts, r.To...)
	rcpts = append(rcpts, r.CC...)
	return rcpts
}

// AttachmentBytes 返回全部附件的总字节数
func (r EmailRequest) AttachmentBytes() int64 {
	var total int64
	for _, a := range r.Attachments {
		total += a.Size()
	}
	return total
}

// SplitAddressList 把逗号分隔的地址串拆成列表，去除空白并丢弃空项。
func SplitAddressList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
