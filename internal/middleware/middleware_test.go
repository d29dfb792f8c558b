package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtrace/backend/internal/domain"
	"mailtrace/backend/internal/monitoring"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) domain.StatusResult {
	t.Helper()
	var res domain.StatusResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res
}

func TestRateLimit(t *testing.T) {
	metrics := monitoring.NewMetrics()
	limiter := NewIPRateLimiter(60, 2)

	r := gin.New()
	r.POST("/send", RateLimit(limiter, metrics), func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/send", nil)
		req.RemoteAddr = ip + ":1234"
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1").Code)
	assert.Equal(t, http.StatusOK, do("10.0.0.1").Code)

	rec := do("10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, domain.ErrorResult(MsgRateLimited), decode(t, rec))

	assert.Equal(t, http.StatusOK, do("10.0.0.2").Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RateLimitBlocks.WithLabelValues("/send")))
}

func TestIPRateLimiter_Sweep(t *testing.T) {
	l := NewIPRateLimiter(10, 1)
	l.Allow("a")
	l.Allow("b")
	assert.Equal(t, 2, l.Len())

	l.sweep(time.Now().Add(time.Hour))
	assert.Equal(t, 0, l.Len())
}

func TestBodySizeLimit(t *testing.T) {
	r := gin.New()
	r.POST("/send", BodySizeLimit(8), func(c *gin.Context) {
		if _, err := c.GetRawData(); err != nil {
			c.JSON(http.StatusRequestEntityTooLarge, domain.ErrorResult(err.Error()))
			return
		}
		c.Status(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/send", strings.NewReader("0123456789")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, domain.StatusError, decode(t, rec).Status)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/send", strings.NewReader("small")))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "8", rec.Header().Get("X-Max-Body-Size"))
}

func TestPanicRecovery(t *testing.T) {
	metrics := monitoring.NewMetrics()
	mm := NewMonitoringMiddleware(metrics, nil)

	r := gin.New()
	r.Use(mm.PanicRecovery(), mm.HTTPMetrics(), SecurityHeaders(), RequestLogger(nil))
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, domain.ErrorResult("internal server error"), decode(t, rec))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PanicsTotal))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}
