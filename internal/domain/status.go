package domain

// DeliveryStatus 是从 MTA 日志推断出的粗粒度投递状态。
type DeliveryStatus string

const (
	StatusSent     DeliveryStatus = "sent"
	StatusBounced  DeliveryStatus = "bounced"
	StatusDeferred DeliveryStatus = "deferred"
	StatusPending  DeliveryStatus = "pending"
	StatusError    DeliveryStatus = "error"
)

// SendStatusSuccess 表示邮件已交给 MTA，但日志中没有找到队列ID。
const SendStatusSuccess = "success"

// 固定提示文本
const (
	MsgPending         = "sending in progress"
	MsgLogUnavailable  = "cannot access mail log"
	MsgNoQueueID       = "no id provided"
	MsgSent            = "message sent"
	MsgStatusCheckFail = "error while checking status: "
)

// IsTerminal 判断状态是否不会再变化。
//
// sent、bounced、error 为终态；deferred 与 pending 需要调用方稍后重新查询。
func (s DeliveryStatus) IsTerminal() bool {
	switch s {
	case StatusSent, StatusBounced, StatusError:
		return true
	default:
		return false
	}
}

// Valid 判断是否为已知状态
func (s DeliveryStatus) Valid() bool {
	switch s {
	case StatusSent, StatusBounced, StatusDeferred, StatusPending, StatusError:
		return true
	default:
		return false
	}
}

// StatusResult 是一次日志关联查询的结果。
//
// Final 表示日志已记录队列条目被移除，之后不会再出现新的投递行。
type StatusResult struct {
	Status  DeliveryStatus `json:"status"`
	Message string         `json:"message"`
	Final   bool           `json:"-"`
}

// SendResult 是 /send 的响应载荷。
type SendResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	QueueID string `json:"queue_id,omitempty"`
}

// ErrorResult 构造错误结果
func ErrorResult(message string) StatusResult {
	return StatusResult{Status: StatusError, Message: message}
}

// PendingResult 构造“发送中”结果
func PendingResult() StatusResult {
	return StatusResult{Status: StatusPending, Message: MsgPending}
}
