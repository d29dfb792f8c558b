package maillog

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"mailtrace/backend/internal/domain"
)

// ErrInvalidPattern 表示队列ID正则无效或没有捕获组
var ErrInvalidPattern = errors.New("invalid queue id pattern")

// LineClass 是对单行日志的分类结果
type LineClass struct {
	Status   domain.DeliveryStatus // 未命中任何状态关键字时为空
	Note     string                // 与 Status 对应的说明
	Detail   bool                  // 该行包含状态详情，应原样记入详情
	Removed  bool                  // 队列条目已从 MTA 队列移除
	Guidance []string              // 命中 DMARC 失败时追加的提示
}

// LineClassifier 从日志行中提取队列ID并判断投递状态。
//
// 不同 MTA 或不同版本的日志格式可以通过替换实现来适配，关联逻辑不受影响。
type LineClassifier interface {
	QueueID(line string) (string, bool)
	Classify(line string) LineClass
}

// PostfixClassifier 基于正则和子串匹配的分类器
type PostfixClassifier struct {
	queueID *regexp.Regexp
	rules   Rules
}

// NewPostfixClassifier 根据规则创建分类器
func NewPostfixClassifier(rules Rules) (*PostfixClassifier, error) {
	re, err := regexp.Compile(rules.QueueIDPattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	if re.NumSubexp() < 1 {
		return nil, fmt.Errorf("%w: %q has no capture group", ErrInvalidPattern, rules.QueueIDPattern)
	}
	return &PostfixClassifier{queueID: re, rules: rules}, nil
}

// MustPostfixClassifier 使用内置规则创建分类器
func MustPostfixClassifier() *PostfixClassifier {
	c, err := NewPostfixClassifier(DefaultRules())
	if err != nil {
		panic(err)
	}
	return c
}

// QueueID 返回行内第一个捕获组匹配到的队列ID
func (c *PostfixClassifier) QueueID(line string) (string, bool) {
	m := c.queueID.FindStringSubmatch(line)
	if m == nil || m[1] == "" {
		return "", false
	}
	return m[1], true
}

// Classify 判断一行日志的投递状态
func (c *PostfixClassifier) Classify(line string) LineClass {
	var class LineClass

	for _, r := range c.rules.Statuses {
		if strings.Contains(line, r.Marker) {
			class.Status = r.Status
			class.Note = r.Note
			break
		}
	}

	class.Detail = c.rules.DetailMarker != "" && strings.Contains(line, c.rules.DetailMarker)
	class.Removed = c.rules.RemovedMarker != "" && strings.Contains(line, c.rules.RemovedMarker)

	if c.rules.DMARCMarker != "" && strings.Contains(line, c.rules.DMARCMarker) {
		class.Guidance = c.rules.DMARCGuidance
	}

	return class
}
