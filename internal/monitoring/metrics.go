package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mailtrace"

// Metrics 监控指标
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 发送指标
	SendsTotal      *prometheus.CounterVec
	AttachmentBytes prometheus.Histogram
	RelayDuration   prometheus.Histogram

	// 日志关联指标
	QueueIDLookups  *prometheus.CounterVec
	StatusChecks    *prometheus.CounterVec
	LogScanDuration *prometheus.HistogramVec
	CacheLookups    *prometheus.CounterVec

	// 后台跟踪指标
	TrackerResults *prometheus.CounterVec
	TrackerDropped prometheus.Counter
	WatchSessions  prometheus.Gauge

	// 错误与限流
	PanicsTotal     prometheus.Counter
	RateLimitBlocks *prometheus.CounterVec
}

// NewMetrics 在独立的 Registry 上创建监控指标
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		SendsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sends_total",
				Help:      "Messages submitted through the form, by outcome",
			},
			[]string{"result"},
		),

		AttachmentBytes: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attachment_bytes",
				Help:      "Total attachment size per message",
				Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
			},
		),

		RelayDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "relay_duration_seconds",
				Help:      "Time spent handing a message to the MTA",
				Buckets:   prometheus.DefBuckets,
			},
		),

		QueueIDLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_id_lookups_total",
				Help:      "Queue ID lookups after a send, by result",
			},
			[]string{"result"},
		),

		StatusChecks: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_checks_total",
				Help:      "Delivery status checks, by resulting status",
			},
			[]string{"status"},
		),

		LogScanDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "log_scan_duration_seconds",
				Help:      "Mail log scan duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
			},
			[]string{"op"},
		),

		CacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_cache_lookups_total",
				Help:      "Status cache lookups, by result",
			},
			[]string{"result"},
		),

		TrackerResults: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tracker_results_total",
				Help:      "Background delivery tracking outcomes",
			},
			[]string{"status"},
		),

		TrackerDropped: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tracker_dropped_total",
				Help:      "Tracking jobs dropped because the queue was full",
			},
		),

		WatchSessions: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "watch_sessions",
				Help:      "Open websocket status watch sessions",
			},
		),

		PanicsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "panics_total",
				Help:      "Total number of recovered panics",
			},
		),

		RateLimitBlocks: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_blocks_total",
				Help:      "Requests rejected by the rate limiter",
			},
			[]string{"endpoint"},
		),
	}
}

// Registry 返回指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// HTTPHandler 返回 /metrics 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordSend 记录一次发送
func (m *Metrics) RecordSend(result string, attachmentBytes int64, relay time.Duration) {
	m.SendsTotal.WithLabelValues(result).Inc()
	if relay > 0 {
		m.RelayDuration.Observe(relay.Seconds())
	}
	if attachmentBytes > 0 {
		m.AttachmentBytes.Observe(float64(attachmentBytes))
	}
}

// RecordQueueIDLookup 记录队列ID查找结果
func (m *Metrics) RecordQueueIDLookup(result string, duration time.Duration) {
	m.QueueIDLookups.WithLabelValues(result).Inc()
	m.LogScanDuration.WithLabelValues("queue_id").Observe(duration.Seconds())
}

// RecordStatusCheck 记录状态查询结果
func (m *Metrics) RecordStatusCheck(status string, duration time.Duration) {
	m.StatusChecks.WithLabelValues(status).Inc()
	if duration > 0 {
		m.LogScanDuration.WithLabelValues("status").Observe(duration.Seconds())
	}
}

// RecordCacheLookup 记录缓存命中情况
func (m *Metrics) RecordCacheLookup(hit bool) {
	if hit {
		m.CacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.CacheLookups.WithLabelValues("miss").Inc()
}

// RecordTrackerResult 记录后台跟踪结果
func (m *Metrics) RecordTrackerResult(status string) {
	m.TrackerResults.WithLabelValues(status).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// RecordRateLimitBlock 记录限流阻止
func (m *Metrics) RecordRateLimitBlock(endpoint string) {
	m.RateLimitBlocks.WithLabelValues(endpoint).Inc()
}
