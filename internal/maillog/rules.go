package maillog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"mailtrace/backend/internal/domain"
)

// StatusRule 把日志行中的状态关键字映射为投递状态，并附带一条说明。
type StatusRule struct {
	Marker string                `yaml:"marker"`
	Status domain.DeliveryStatus `yaml:"status"`
	Note   string                `yaml:"note"`
}

// Rules 描述如何从 MTA 日志中识别队列ID与投递状态。
//
// 状态规则按顺序匹配，一行只命中第一条。
type Rules struct {
	QueueIDPattern string       `yaml:"queue_id_pattern"`
	DetailMarker   string       `yaml:"detail_marker"`
	RemovedMarker  string       `yaml:"removed_marker"`
	Statuses       []StatusRule `yaml:"statuses"`
	DMARCMarker    string       `yaml:"dmarc_marker"`
	DMARCGuidance  []string     `yaml:"dmarc_guidance"`
}

// DefaultRules 返回适用于 Postfix 日志的内置规则
func DefaultRules() Rules {
	return Rules{
		QueueIDPattern: `postfix/[^:]+: (\w+):`,
		DetailMarker:   "status=",
		RemovedMarker:  ": removed",
		Statuses: []StatusRule{
			{Marker: "status=sent", Status: domain.StatusSent, Note: "message delivered successfully."},
			{Marker: "status=bounced", Status: domain.StatusBounced, Note: "delivery failed (bounced):"},
			{Marker: "status=deferred", Status: domain.StatusDeferred, Note: "delivery deferred:"},
		},
		DMARCMarker: "DMARC check failed",
		DMARCGuidance: []string{
			"DMARC check failed, probable causes:",
			"- the sender domain's DMARC record is not configured correctly.",
			"- SPF or DKIM is misconfigured.",
			"- the sending server's IP address is restricted by the receiving server.",
			"see https://open.work.weixin.qq.com/help2/pc/20049 for how to fix it.",
		},
	}
}

// LoadRules 从 YAML 文件加载规则，文件中缺省的字段沿用内置规则。
//
// path 为空时直接返回内置规则。
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read rules file: %w", err)
	}

	var override Rules
	if err := yaml.Unmarshal(data, &override); err != nil {
		return Rules{}, fmt.Errorf("parse rules file: %w", err)
	}

	if override.QueueIDPattern != "" {
		rules.QueueIDPattern = override.QueueIDPattern
	}
	if override.DetailMarker != "" {
		rules.DetailMarker = override.DetailMarker
	}
	if override.RemovedMarker != "" {
		rules.RemovedMarker = override.RemovedMarker
	}
	if len(override.Statuses) > 0 {
		rules.Statuses = override.Statuses
	}
	if override.DMARCMarker != "" {
		rules.DMARCMarker = override.DMARCMarker
	}
	if len(override.DMARCGuidance) > 0 {
		rules.DMARCGuidance = override.DMARCGuidance
	}

	for _, r := range rules.Statuses {
		if r.Marker == "" || !r.Status.Valid() {
			return Rules{}, fmt.Errorf("invalid status rule %q -> %q", r.Marker, r.Status)
		}
	}

	return rules, nil
}
