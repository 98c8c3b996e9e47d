package metering

import (
	"context"
	"sync"
	"time"

	"chatmeter/internal/ledger"
	"chatmeter/internal/llm"
	"chatmeter/internal/model"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const defaultIngestTimeout = 10 * time.Second

// Meter 把模型后端包装成计量调用：流产生多少就向账本上报多少
// 不在流中途复查余额，粗粒度的额度检查由调用链前置的 Credit Gate 完成
type Meter struct {
	backend       llm.Backend
	ledger        ledger.Ledger
	eventName     string
	ingestTimeout time.Duration
}

// New 创建计量包装器
func New(backend llm.Backend, ldg ledger.Ledger, eventName string) *Meter {
	return &Meter{
		backend:       backend,
		ledger:        ldg,
		eventName:     eventName,
		ingestTimeout: defaultIngestTimeout,
	}
}

// MeteredStream 计量后的补全流
// 流终止（正常结束、中途出错或调用方放弃）时恰好上报一次用量，
// 上报的单位数等于实际产生的量：部分输出也计费，未产生的永不计费
type MeteredStream struct {
	stream     *llm.Stream
	meter      *Meter
	customerID string
	model      string

	once     sync.Once
	eventID  string
	units    int
	reported chan struct{}
}

// MeteredStream 发起一次计量补全
func (m *Meter) MeteredStream(ctx context.Context, customerID string, req llm.CompletionRequest) (*MeteredStream, error) {
	stream, err := m.backend.StreamCompletion(ctx, req)
	if err != nil {
		// 流未建立，没有产生任何 token，不上报
		return nil, err
	}
	return &MeteredStream{
		stream:     stream,
		meter:      m,
		customerID: customerID,
		model:      req.Model,
		reported:   make(chan struct{}),
	}, nil
}

// Recv 返回下一个文本增量，终止时触发用量上报
func (ms *MeteredStream) Recv() (string, error) {
	chunk, err := ms.stream.Recv()
	if err != nil {
		ms.finish()
	}
	return chunk, err
}

// Close 放弃剩余流；已产生的部分仍会上报
func (ms *MeteredStream) Close() error {
	err := ms.stream.Close()
	ms.finish()
	return err
}

// Usage 流终止后的 token 消耗
func (ms *MeteredStream) Usage() model.TokenUsage {
	return ms.stream.Usage()
}

// Units 上报的单位数
func (ms *MeteredStream) Units() int {
	return ms.units
}

// UsageEventID 本次上报事件的本地 id，未上报时为空
func (ms *MeteredStream) UsageEventID() string {
	return ms.eventID
}

// Reported 用量上报（或判定无需上报）完成后关闭，测试和日志落盘用
func (ms *MeteredStream) Reported() <-chan struct{} {
	return ms.reported
}

// finish 结算用量，向账本异步上报
// fire-and-forget：账本确认与否不影响已经在途的响应
func (ms *MeteredStream) finish() {
	ms.once.Do(func() {
		usage := ms.stream.Usage()
		ms.units = usage.Units()

		if ms.units <= 0 {
			close(ms.reported)
			return
		}

		ms.eventID = uuid.New().String()
		event := model.UsageEvent{
			ID:         ms.eventID,
			Name:       ms.meter.eventName,
			CustomerID: ms.customerID,
			Timestamp:  time.Now().UTC(),
			Metadata: map[string]any{
				"units":         ms.units,
				"input_tokens":  usage.InputTokens,
				"output_tokens": usage.OutputTokens,
				"model":         ms.model,
				"event_id":      ms.eventID,
			},
		}

		go func() {
			defer close(ms.reported)
			ctx, cancel := context.WithTimeout(context.Background(), ms.meter.ingestTimeout)
			defer cancel()
			if err := ms.meter.ledger.Ingest(ctx, []model.UsageEvent{event}); err != nil {
				log.Errorf("usage meter: ingest failed for customer %s (%d units): %v", ms.customerID, ms.units, err)
				return
			}
			log.Debugf("usage meter: reported %d units for customer %s", ms.units, ms.customerID)
		}()
	})
}
