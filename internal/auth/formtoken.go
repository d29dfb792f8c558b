package auth

import (
	"errors"
	"time"

	"mailtrace/backend/internal/auth/jwt"
	"mailtrace/backend/internal/config"
)

const (
	formIssuer  = "mailtrace"
	formPurpose = "send-form"
)

// ErrInvalidFormToken 表单令牌缺失、无效或过期
var ErrInvalidFormToken = errors.New("invalid form token")

// FormTokens 为发送表单签发和校验一次性防伪令牌。
// 未配置密钥时不做校验。
type FormTokens struct {
	manager *jwt.Manager
}

// NewFormTokens 创建表单令牌管理器
func NewFormTokens(cfg config.FormConfig) *FormTokens {
	if cfg.Secret == "" {
		return &FormTokens{}
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &FormTokens{manager: jwt.NewManager(cfg.Secret, formIssuer, ttl)}
}

// Enabled 是否启用校验
func (f *FormTokens) Enabled() bool {
	return f != nil && f.manager != nil
}

// Issue 签发令牌，未启用时返回空串
func (f *FormTokens) Issue() (string, error) {
	if !f.Enabled() {
		return "", nil
	}
	token, _, err := f.manager.Generate(formPurpose)
	return token, err
}

// Verify 校验令牌
func (f *FormTokens) Verify(token string) error {
	if !f.Enabled() {
		return nil
	}
	if token == "" {
		return ErrInvalidFormToken
	}
	if _, err := f.manager.ValidateToken(token, formPurpose); err != nil {
		return errors.Join(ErrInvalidFormToken, err)
	}
	return nil
}
