package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CustomerMeter 外部账本中 (customer, meter) 维度的余额记录
// Balance 为带符号额度，<= 0 表示不允许继续计量调用
type CustomerMeter struct {
	ID              string          `json:"id"`
	CustomerID      string          `json:"customer_id"`
	MeterID         string          `json:"meter_id"`
	ConsumedUnits   decimal.Decimal `json:"consumed_units"`
	CreditedUnits   decimal.Decimal `json:"credited_units"`
	Balance         decimal.Decimal `json:"balance"`
	ModifiedAt      *time.Time      `json:"modified_at,omitempty"`
}

// TokenUsage 一次补全调用的 token 消耗
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Units 计入账本的消耗单位数（以输出 token 为计量单位，
// 上游未报告 usage 时由流式块数回退估算）
func (u TokenUsage) Units() int {
	if u.OutputTokens > 0 {
		return u.OutputTokens
	}
	return u.TotalTokens
}

// UsageEvent 上报给外部账本的用量事件，发出后不等待确认
// ID 在本地生成，用于与请求日志关联
type UsageEvent struct {
	ID         string         `json:"-"`
	Name       string         `json:"name"`
	CustomerID string         `json:"customer_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}
