package domain

import (
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
)

// 验证相关的错误定义
var (
	ErrMissingField     = errors.New("missing required field")
	ErrInvalidEmail     = errors.New("invalid email format")
	ErrEmailTooLong     = errors.New("email address too long")
	ErrLocalPartTooLong = errors.New("local part too long (max 64 chars)")
	ErrDomainTooLong    = errors.New("domain too long (max 253 chars)")
	ErrInvalidLocalPart = errors.New("invalid local part format")
	ErrInvalidDomain    = errors.New("invalid domain format")
	ErrNoRecipients     = errors.New("no recipients")
)

// 验证常量
const (
	// RFC 5322 邮箱地址长度限制
	MaxEmailLength     = 254 // 整个邮箱地址最大长度
	MaxLocalPartLength = 64  // 本地部分最大长度(@前面)
	MaxDomainLength    = 253 // 域名最大长度
)

// 域名验证（支持子域名，至少包含一个点）
var domainRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)+$`)

// EmailValidator 邮箱格式验证器
//
// 只检查语法格式，不检查可投递性。
type EmailValidator struct{}

// NewEmailValidator 创建邮箱验证器
func NewEmailValidator() *EmailValidator {
	return &EmailValidator{}
}

// ValidateEmail 验证裸邮箱地址（不允许带显示名）
func (v *EmailValidator) ValidateEmail(email string) error {
	email = strings.TrimSpace(email)

	if email == "" {
		return ErrInvalidEmail
	}
	if len(email) > MaxEmailLength {
		return ErrEmailTooLong
	}

	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Name != "" || addr.Address != email {
		return ErrInvalidEmail
	}

	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return ErrInvalidEmail
	}

	if err := v.ValidateLocalPart(email[:at]); err != nil {
		return err
	}
	return v.ValidateDomain(email[at+1:])
}

// ValidateLocalPart 验证邮箱本地部分
func (v *EmailValidator) ValidateLocalPart(localPart string) error {
	if localPart == "" {
		return ErrInvalidLocalPart
	}
	if len(localPart) > MaxLocalPartLength {
		return ErrLocalPartTooLong
	}
	if strings.HasPrefix(localPart, ".") || strings.HasSuffix(localPart, ".") || strings.Contains(localPart, "..") {
		return ErrInvalidLocalPart
	}
	return nil
}

// ValidateDomain 验证域名
func (v *EmailValidator) ValidateDomain(domain string) error {
	if domain == "" {
		return ErrInvalidDomain
	}
	if len(domain) > MaxDomainLength {
		return ErrDomainTooLong
	}
	if !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}
	return nil
}

// FieldError 描述缺失的必填字段
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// Validate 校验发信请求：必填字段存在，且发件人地址格式正确。
//
// 收件人与抄送人只要求非空，不做格式校验，交由 MTA 判断。
func (r EmailRequest) Validate() error {
	required := []struct {
		field string
		value string
	}{
		{"sender_name", r.SenderName},
		{"sender_email", r.SenderEmail},
		{"subject", r.Subject},
		{"content", r.HTML},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return &FieldError{Field: f.field, Err: ErrMissingField}
		}
	}

	if len(r.To) == 0 {
		return &FieldError{Field: "recipients", Err: ErrNoRecipients}
	}

	if err := NewEmailValidator().ValidateEmail(r.SenderEmail); err != nil {
		return &FieldError{Field: "sender_email", Err: err}
	}

	return nil
}
