package httptransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailtrace/backend/internal/auth"
	"mailtrace/backend/internal/domain"
)

// MailService 发送与状态查询
type MailService interface {
	Send(ctx context.Context, req *domain.EmailRequest) (domain.SendResult, error)
	CheckStatus(ctx context.Context, queueID string) domain.StatusResult
}

// SendForm 发送表单字段
type SendForm struct {
	SenderName  string `form:"sender_name" binding:"required,max=200"`
	SenderEmail string `form:"sender_email" binding:"required,email"`
	Recipients  string `form:"recipients" binding:"required"`
	CC          string `form:"cc"`
	Subject     string `form:"subject" binding:"required,max=998"`
	Content     string `form:"content" binding:"required"`
	FormToken   string `form:"form_token"`
}

// MailHandler 处理表单页、发送与状态查询
type MailHandler struct {
	mail   MailService
	tokens *auth.FormTokens
	logger *zap.Logger
}

// NewMailHandler 创建处理器
func NewMailHandler(mail MailService, tokens *auth.FormTokens, logger *zap.Logger) *MailHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MailHandler{mail: mail, tokens: tokens, logger: logger}
}

// Index 渲染表单页
func (h *MailHandler) Index(c *gin.Context) {
	token, err := h.tokens.Issue()
	if err != nil {
		h.logger.Error("issue form token failed", zap.Error(err))
		c.String(http.StatusInternalServerError, "internal server error")
		return
	}
	c.HTML(http.StatusOK, "index.html", gin.H{
		"FormToken": token,
	})
}

// Send 处理 POST /send
func (h *MailHandler) Send(c *gin.Context) {
	var form SendForm
	if err := c.ShouldBind(&form); err != nil {
		if isTooLarge(err) {
			TooLarge(c, MsgBodyTooLarge)
			return
		}
		BadRequest(c, ValidationMessage(err))
		return
	}

	if err := h.tokens.Verify(form.FormToken); err != nil {
		h.logger.Warn("form token rejected", zap.String("ip", c.ClientIP()), zap.Error(err))
		Forbidden(c, auth.ErrInvalidFormToken.Error())
		return
	}

	attachments, err := readAttachments(c)
	if err != nil {
		if isTooLarge(err) {
			TooLarge(c, MsgBodyTooLarge)
			return
		}
		h.logger.Warn("read attachments failed", zap.Error(err))
		BadRequest(c, MsgUploadFailed)
		return
	}

	req := &domain.EmailRequest{
		SenderName:  form.SenderName,
		SenderEmail: form.SenderEmail,
		To:          domain.SplitAddressList(form.Recipients),
		CC:          domain.SplitAddressList(form.CC),
		Subject:     form.Subject,
		HTML:        form.Content,
		Attachments: attachments,
	}

	res, err := h.mail.Send(c.Request.Context(), req)
	if err != nil {
		BadRequest(c, ValidationMessage(err))
		return
	}
	OK(c, res)
}

// CheckStatus 处理 GET /check_status?queue_id=
func (h *MailHandler) CheckStatus(c *gin.Context) {
	queueID := c.Query("queue_id")
	if queueID == "" {
		// 与投递错误一致，缺少参数时仍返回 200 和错误载荷
		OK(c, domain.ErrorResult(domain.MsgNoQueueID))
		return
	}
	OK(c, h.mail.CheckStatus(c.Request.Context(), queueID))
}

// readAttachments 读取 attachments 字段中的所有文件，文件名为空的条目被跳过
func readAttachments(c *gin.Context) ([]domain.Attachment, error) {
	form, err := c.MultipartForm()
	if err != nil {
		if errors.Is(err, http.ErrNotMultipart) {
			return nil, nil
		}
		return nil, err
	}

	files := form.File["attachments"]
	attachments := make([]domain.Attachment, 0, len(files))
	for _, fh := range files {
		if fh.Filename == "" {
			continue
		}
		content, err := readFile(fh)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fh.Filename, err)
		}
		attachments = append(attachments, domain.Attachment{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Content:     content,
		})
	}
	return attachments, nil
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
