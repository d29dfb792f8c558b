package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtrace/backend/internal/auth/jwt"
	"mailtrace/backend/internal/config"
)

func TestFormTokens_Disabled(t *testing.T) {
	f := NewFormTokens(config.FormConfig{})
	assert.False(t, f.Enabled())

	token, err := f.Issue()
	require.NoError(t, err)
	assert.Empty(t, token)
	assert.NoError(t, f.Verify(""))
	assert.NoError(t, f.Verify("garbage"))
}

func TestFormTokens_IssueAndVerify(t *testing.T) {
	f := NewFormTokens(config.FormConfig{Secret: "test-secret", TokenTTL: time.Minute})
	require.True(t, f.Enabled())

	token, err := f.Issue()
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.NoError(t, f.Verify(token))

	t.Run("缺失令牌", func(t *testing.T) {
		assert.ErrorIs(t, f.Verify(""), ErrInvalidFormToken)
	})

	t.Run("篡改令牌", func(t *testing.T) {
		assert.ErrorIs(t, f.Verify(token+"x"), ErrInvalidFormToken)
	})

	t.Run("密钥不同", func(t *testing.T) {
		other := NewFormTokens(config.FormConfig{Secret: "other-secret"})
		assert.ErrorIs(t, other.Verify(token), ErrInvalidFormToken)
	})
}

func TestManager_Expired(t *testing.T) {
	m := jwt.NewManager("secret", "mailtrace", time.Millisecond)
	token, _, err := m.Generate("send-form")
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)
	_, err = m.ValidateToken(token, "send-form")
	assert.ErrorIs(t, err, jwt.ErrExpiredToken)
}

func TestManager_WrongPurpose(t *testing.T) {
	m := jwt.NewManager("secret", "mailtrace", time.Minute)
	token, _, err := m.Generate("send-form")
	require.NoError(t, err)

	_, err = m.ValidateToken(token, "other")
	assert.ErrorIs(t, err, jwt.ErrInvalidToken)
}
