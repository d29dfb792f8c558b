package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtrace/backend/internal/domain"
	"mailtrace/backend/internal/maillog"
	"mailtrace/backend/internal/monitoring"
)

type fakeWatcher struct {
	updates []domain.StatusResult
	err     error
}

func (f *fakeWatcher) Watch(ctx context.Context, queueID string, onUpdate func(domain.StatusResult)) (domain.StatusResult, error) {
	var last domain.StatusResult
	for _, u := range f.updates {
		onUpdate(u)
		last = u
	}
	return last, f.err
}

func newServer(t *testing.T, w Watcher) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws/status", NewStatusStreamer(nil, w, monitoring.NewMetrics(), nil).Handle)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/status" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readAll(t *testing.T, conn *websocket.Conn) []Message {
	t.Helper()
	var msgs []Message
	for {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var m Message
		if err := conn.ReadJSON(&m); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			return msgs
		}
		msgs = append(msgs, m)
	}
}

func TestStatusStreamer_StreamsUntilTerminal(t *testing.T) {
	w := &fakeWatcher{updates: []domain.StatusResult{
		domain.PendingResult(),
		{Status: domain.StatusSent, Message: "message delivered successfully."},
	}}
	conn := dial(t, newServer(t, w), "?queue_id=ABC123")

	msgs := readAll(t, conn)
	require.Len(t, msgs, 2)
	assert.Equal(t, MessageTypeStatus, msgs[0].Type)
	assert.Equal(t, "ABC123", msgs[0].QueueID)
	assert.Equal(t, domain.StatusPending, msgs[0].Status)
	assert.Equal(t, domain.StatusSent, msgs[1].Status)
	assert.False(t, msgs[1].Timestamp.IsZero())
}

func TestStatusStreamer_Timeout(t *testing.T) {
	w := &fakeWatcher{
		updates: []domain.StatusResult{{Status: domain.StatusDeferred, Message: "delivery deferred:"}},
		err:     maillog.ErrWatchTimeout,
	}
	conn := dial(t, newServer(t, w), "?queue_id=ABC123")

	msgs := readAll(t, conn)
	require.Len(t, msgs, 2)
	assert.Equal(t, MessageTypeTimeout, msgs[1].Type)
	assert.Equal(t, domain.StatusDeferred, msgs[1].Status)
}

func TestStatusStreamer_MissingQueueID(t *testing.T) {
	srv := newServer(t, &fakeWatcher{})

	resp, err := http.Get(srv.URL + "/ws/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpgrader_CheckOrigin(t *testing.T) {
	up := upgraderFactory([]string{"https://app.example.com"})

	req := httptest.NewRequest(http.MethodGet, "http://svc.local/ws/status", nil)
	assert.True(t, up.CheckOrigin(req))

	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, up.CheckOrigin(req))

	req.Header.Set("Origin", "http://svc.local")
	assert.True(t, up.CheckOrigin(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, up.CheckOrigin(req))
}
