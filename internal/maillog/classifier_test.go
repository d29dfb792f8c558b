package maillog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtrace/backend/internal/domain"
)

func TestPostfixClassifier_QueueID(t *testing.T) {
	c := MustPostfixClassifier()

	tests := []struct {
		name string
		line string
		want string
		ok   bool
	}{
		{"smtpd", "Oct 1 mx postfix/smtpd[123]: 3F2A1B: client=unknown[10.0.0.1]", "3F2A1B", true},
		{"子服务路径", "Oct 1 mx postfix/submission/smtpd[9]: 7C7C7C: client=x", "7C7C7C", true},
		{"无队列ID", "Oct 1 mx postfix/smtpd[123]: connect from unknown", "", false},
		{"非 postfix", "Oct 1 mx dovecot: imap-login: ok", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := c.QueueID(tt.line)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, id)
		})
	}
}

func TestPostfixClassifier_Classify(t *testing.T) {
	c := MustPostfixClassifier()

	class := c.Classify("AAA: status=deferred (connect timeout)")
	assert.Equal(t, domain.StatusDeferred, class.Status)
	assert.Equal(t, "delivery deferred:", class.Note)
	assert.True(t, class.Detail)
	assert.Empty(t, class.Guidance)

	class = c.Classify("AAA: from=<a@x.com>")
	assert.Empty(t, class.Status)
	assert.False(t, class.Detail)

	class = c.Classify("AAA: reject: DMARC check failed")
	assert.Empty(t, class.Status)
	assert.Len(t, class.Guidance, 5)
	assert.False(t, class.Removed)

	class = c.Classify("Jan 1 host postfix/qmgr[2]: AAA: removed")
	assert.Empty(t, class.Status)
	assert.True(t, class.Removed)
}

func TestNewPostfixClassifier_InvalidPattern(t *testing.T) {
	rules := DefaultRules()
	rules.QueueIDPattern = `postfix/\w+`
	_, err := NewPostfixClassifier(rules)
	assert.ErrorIs(t, err, ErrInvalidPattern)

	rules.QueueIDPattern = `(`
	_, err = NewPostfixClassifier(rules)
	assert.ErrorIs(t, err, ErrInvalidPattern)
}

func TestLoadRules(t *testing.T) {
	t.Run("空路径使用内置规则", func(t *testing.T) {
		rules, err := LoadRules("")
		require.NoError(t, err)
		assert.Equal(t, DefaultRules(), rules)
	})

	t.Run("覆盖部分字段", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rules.yaml")
		content := `
queue_id_pattern: 'exim\[\d+\]: (\S+) '
removed_marker: " Completed"
statuses:
  - marker: " => "
    status: sent
    note: delivered
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		rules, err := LoadRules(path)
		require.NoError(t, err)
		assert.Equal(t, `exim\[\d+\]: (\S+) `, rules.QueueIDPattern)
		require.Len(t, rules.Statuses, 1)
		assert.Equal(t, domain.StatusSent, rules.Statuses[0].Status)
		assert.Equal(t, "status=", rules.DetailMarker)
		assert.Equal(t, " Completed", rules.RemovedMarker)
		assert.Len(t, rules.DMARCGuidance, 5)

		c, err := NewPostfixClassifier(rules)
		require.NoError(t, err)
		id, ok := c.QueueID("exim[42]: 1abc-0001 => b@x.com")
		assert.True(t, ok)
		assert.Equal(t, "1abc-0001", id)
	})

	t.Run("无效状态", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rules.yaml")
		require.NoError(t, os.WriteFile(path, []byte("statuses:\n  - marker: x\n    status: lost\n"), 0o644))
		_, err := LoadRules(path)
		assert.Error(t, err)
	})

	t.Run("文件不存在", func(t *testing.T) {
		_, err := LoadRules(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}
