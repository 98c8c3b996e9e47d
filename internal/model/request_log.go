package model

import "time"

// 请求日志状态
const (
	RequestStatusCompleted = "completed"
	RequestStatusRejected  = "rejected"
	RequestStatusFailed    = "failed"
)

// RequestLog 本地用量日志，仅用于运维观察
// 余额与用量的事实数据始终在外部账本，这里不参与计费判断
type RequestLog struct {
	ID           string    `json:"id"`
	CustomerID   string    `json:"customer_id"`
	Model        string    `json:"model"`
	Status       string    `json:"status"` // completed | rejected | failed
	StatusCode   int       `json:"status_code"`
	LatencyMs    int64     `json:"latency_ms"`
	OutputUnits  int       `json:"output_units"`
	UsageEventID string    `json:"usage_event_id,omitempty"`
	ErrorType    string    `json:"error_type,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// UsageSummary 按客户聚合的用量统计
type UsageSummary struct {
	CustomerID    string `json:"customer_id"`
	RequestCount  int64  `json:"request_count"`
	RejectedCount int64  `json:"rejected_count"`
	TotalUnits    int64  `json:"total_units"`
}
