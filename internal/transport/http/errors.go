package httptransport

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"mailtrace/backend/internal/domain"
)

// 通用错误消息
const (
	MsgInvalidRequest = "invalid request"
	MsgBodyTooLarge   = "request body too large"
	MsgUploadFailed   = "failed to read attachment"
)

// tagMessages 校验标签对应的提示
var tagMessages = map[string]string{
	"required": "is required",
	"email":    "must be a valid email address",
	"max":      "is too long",
}

// ValidationMessage 把校验错误转换为面向用户的提示
func ValidationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		parts := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msg, ok := tagMessages[fe.Tag()]
			if !ok {
				msg = "is invalid"
			}
			parts = append(parts, fmt.Sprintf("%s %s", fieldName(fe), msg))
		}
		return strings.Join(parts, "; ")
	}

	var fieldErr *domain.FieldError
	if errors.As(err, &fieldErr) {
		return fieldErr.Error()
	}

	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return MsgBodyTooLarge
	}

	return MsgInvalidRequest
}

// fieldName 返回表单字段名，例如 sender_email
func fieldName(fe validator.FieldError) string {
	if f, ok := formFields[fe.Field()]; ok {
		return f
	}
	return strings.ToLower(fe.Field())
}

var formFields = map[string]string{
	"SenderName":  "sender_name",
	"SenderEmail": "sender_email",
	"Recipients":  "recipients",
	"CC":          "cc",
	"Subject":     "subject",
	"Content":     "content",
}

// isTooLarge 判断是否因请求体超限失败
func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
