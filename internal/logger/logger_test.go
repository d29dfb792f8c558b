package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"mailtrace/backend/internal/config"
)

func TestNewLogger(t *testing.T) {
	t.Run("写入日志文件", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "app.log")
		log, err := NewLogger(FromAppConfig(config.LogConfig{Level: "debug", File: path}))
		require.NoError(t, err)

		log.Info("hello")
		_ = log.Sync()

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"message":"hello"`)
	})

	t.Run("无效级别回退为 info", func(t *testing.T) {
		log, err := NewLogger(Config{Level: "verbose"})
		require.NoError(t, err)
		assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
	})
}

func TestComponent(t *testing.T) {
	assert.NotNil(t, Component(nil, "maillog"))
}
