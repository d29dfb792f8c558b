package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AlertLevel 告警级别
type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "info"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// Alert 告警
type Alert struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	Level      AlertLevel `json:"level"`
	Component  string     `json:"component"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// AlertRule 告警规则
//
// Check 返回 true 表示条件成立，detail 写入告警消息。
// 条件成立期间只触发一次，条件消失后告警自动解除。
type AlertRule struct {
	ID        string
	Name      string
	Level     AlertLevel
	Component string
	Cooldown  time.Duration
	Check     func(ctx context.Context) (firing bool, detail string)
}

// AlertReceiver 告警接收器接口
type AlertReceiver interface {
	SendAlert(ctx context.Context, alert *Alert) error
}

// AlertManager 告警管理器
type AlertManager struct {
	mu        sync.Mutex
	rules     []AlertRule
	receivers []AlertReceiver
	active    map[string]*Alert
	lastFired map[string]time.Time
	logger    *zap.Logger
	now       func() time.Time
}

// NewAlertManager 创建告警管理器
func NewAlertManager(logger *zap.Logger) *AlertManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertManager{
		active:    make(map[string]*Alert),
		lastFired: make(map[string]time.Time),
		logger:    logger,
		now:       time.Now,
	}
}

// AddReceiver 添加告警接收器
func (am *AlertManager) AddReceiver(receiver AlertReceiver) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.receivers = append(am.receivers, receiver)
}

// AddRule 添加告警规则
func (am *AlertManager) AddRule(rule AlertRule) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.rules = append(am.rules, rule)
}

// ActiveAlerts 返回尚未解除的告警，按 ID 排序
func (am *AlertManager) ActiveAlerts() []Alert {
	am.mu.Lock()
	defer am.mu.Unlock()

	alerts := make([]Alert, 0, len(am.active))
	for _, a := range am.active {
		alerts = append(alerts, *a)
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].ID < alerts[j].ID })
	return alerts
}

// CheckRules 评估所有规则，触发新告警或解除已恢复的告警
func (am *AlertManager) CheckRules(ctx context.Context) {
	am.mu.Lock()
	rules := make([]AlertRule, len(am.rules))
	copy(rules, am.rules)
	am.mu.Unlock()

	for _, rule := range rules {
		firing, detail := rule.Check(ctx)
		if firing {
			am.trigger(ctx, rule, detail)
		} else {
			am.resolve(ctx, rule.ID)
		}
	}
}

func (am *AlertManager) trigger(ctx context.Context, rule AlertRule, detail string) {
	now := am.now()

	am.mu.Lock()
	if _, exists := am.active[rule.ID]; exists {
		am.mu.Unlock()
		return
	}
	if last, ok := am.lastFired[rule.ID]; ok && now.Sub(last) < rule.Cooldown {
		am.mu.Unlock()
		return
	}
	alert := &Alert{
		ID:        rule.ID,
		Title:     rule.Name,
		Message:   detail,
		Level:     rule.Level,
		Component: rule.Component,
		Timestamp: now,
	}
	am.active[rule.ID] = alert
	am.lastFired[rule.ID] = now
	receivers := append([]AlertReceiver(nil), am.receivers...)
	am.mu.Unlock()

	am.logger.Info("alert triggered",
		zap.String("alert_id", alert.ID),
		zap.String("level", string(alert.Level)),
		zap.String("component", alert.Component),
	)
	am.notify(ctx, receivers, alert)
}

func (am *AlertManager) resolve(ctx context.Context, ruleID string) {
	am.mu.Lock()
	alert, exists := am.active[ruleID]
	if !exists {
		am.mu.Unlock()
		return
	}
	delete(am.active, ruleID)
	now := am.now()
	resolved := *alert
	resolved.Resolved = true
	resolved.ResolvedAt = &now
	receivers := append([]AlertReceiver(nil), am.receivers...)
	am.mu.Unlock()

	am.logger.Info("alert resolved", zap.String("alert_id", ruleID))
	am.notify(ctx, receivers, &resolved)
}

func (am *AlertManager) notify(ctx context.Context, receivers []AlertReceiver, alert *Alert) {
	for _, r := range receivers {
		if err := r.SendAlert(ctx, alert); err != nil {
			am.logger.Error("failed to send alert",
				zap.String("alert_id", alert.ID),
				zap.Error(err),
			)
		}
	}
}

// StartMonitoring 按间隔检查规则，直到 ctx 结束
func (am *AlertManager) StartMonitoring(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			am.CheckRules(ctx)
		}
	}
}

// ========== 内置告警规则 ==========

// MailLogUnreadableRule 邮件日志无法读取时状态查询全部失败
func MailLogUnreadableRule(path string) AlertRule {
	return AlertRule{
		ID:        "mail_log_unreadable",
		Name:      "Mail Log Unreadable",
		Level:     AlertLevelCritical,
		Component: "maillog",
		Cooldown:  10 * time.Minute,
		Check: func(context.Context) (bool, string) {
			f, err := os.Open(path)
			if err != nil {
				return true, err.Error()
			}
			_ = f.Close()
			return false, ""
		},
	}
}

// RelayUnreachableRule MTA 端口无法连接
func RelayUnreachableRule(addr string, timeout time.Duration) AlertRule {
	return AlertRule{
		ID:        "smtp_relay_unreachable",
		Name:      "SMTP Relay Unreachable",
		Level:     AlertLevelCritical,
		Component: "smtp",
		Cooldown:  10 * time.Minute,
		Check: func(ctx context.Context) (bool, string) {
			d := net.Dialer{Timeout: timeout}
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return true, err.Error()
			}
			_ = conn.Close()
			return false, ""
		},
	}
}

// HighMemoryUsageRule 堆内存超过阈值
func HighMemoryUsageRule(thresholdMB float64) AlertRule {
	return AlertRule{
		ID:        "high_memory_usage",
		Name:      "High Memory Usage",
		Level:     AlertLevelWarning,
		Component: "system",
		Cooldown:  5 * time.Minute,
		Check: func(context.Context) (bool, string) {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			usedMB := float64(m.HeapAlloc) / 1024 / 1024
			if usedMB > thresholdMB {
				return true, fmt.Sprintf("heap usage %.1fMB exceeds %.1fMB", usedMB, thresholdMB)
			}
			return false, ""
		},
	}
}

// TrackerBacklogRule 后台跟踪队列积压
func TrackerBacklogRule(pending func() int, threshold int) AlertRule {
	return AlertRule{
		ID:        "tracker_backlog",
		Name:      "Delivery Tracker Backlog",
		Level:     AlertLevelWarning,
		Component: "tracker",
		Cooldown:  5 * time.Minute,
		Check: func(context.Context) (bool, string) {
			if n := pending(); n >= threshold {
				return true, fmt.Sprintf("%d tracking tasks queued (threshold %d)", n, threshold)
			}
			return false, ""
		},
	}
}

// ========== 告警接收器实现 ==========

// LogAlertReceiver 日志告警接收器
type LogAlertReceiver struct {
	logger *zap.Logger
}

// NewLogAlertReceiver 创建日志告警接收器
func NewLogAlertReceiver(logger *zap.Logger) *LogAlertReceiver {
	return &LogAlertReceiver{logger: logger}
}

// SendAlert 发送告警到日志
func (lar *LogAlertReceiver) SendAlert(_ context.Context, alert *Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("title", alert.Title),
		zap.String("message", alert.Message),
		zap.String("component", alert.Component),
		zap.Time("timestamp", alert.Timestamp),
	}
	if alert.Resolved {
		lar.logger.Info("ALERT RESOLVED", fields...)
		return nil
	}

	switch alert.Level {
	case AlertLevelCritical:
		lar.logger.Error("CRITICAL ALERT", fields...)
	case AlertLevelWarning:
		lar.logger.Warn("WARNING ALERT", fields...)
	default:
		lar.logger.Info("INFO ALERT", fields...)
	}
	return nil
}

// WebhookAlertReceiver 以 JSON POST 告警
type WebhookAlertReceiver struct {
	url    string
	client *http.Client
}

// NewWebhookAlertReceiver 创建 Webhook 告警接收器
func NewWebhookAlertReceiver(url string) *WebhookAlertReceiver {
	return &WebhookAlertReceiver{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// SendAlert 发送告警到 Webhook，非 2xx 响应视为失败
func (war *WebhookAlertReceiver) SendAlert(ctx context.Context, alert *Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, war.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := war.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post alert: unexpected status %d", resp.StatusCode)
	}
	return nil
}
