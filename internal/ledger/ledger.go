package ledger

import (
	"context"
	"errors"

	"chatmeter/internal/model"
)

// ErrUnavailable 账本不可达或返回错误，余额无法确认
// 调用方必须按 fail-closed 处理，禁止放行计量调用
var ErrUnavailable = errors.New("ledger unavailable")

// Ledger 外部计量/账单服务的最小能力集合
// 余额的读写原子性完全由外部服务保证，本系统不持有任何锁
type Ledger interface {
	// MeterBalances 查询 (customer, meter) 维度的余额记录列表
	MeterBalances(ctx context.Context, customerID, meterID string) ([]model.CustomerMeter, error)

	// Ingest 上报用量事件
	Ingest(ctx context.Context, events []model.UsageEvent) error

	// CheckoutURL 创建托管充值会话，返回跳转地址
	// 相同参数的两次调用产生两个独立会话，不做去重
	CheckoutURL(ctx context.Context, productID, customerID, successURL string) (string, error)
}
