package handler

import (
	"errors"
	"io"
	"net/http"
	"time"

	"chatmeter/internal/llm"
	"chatmeter/internal/metering"
	"chatmeter/internal/middleware"
	"chatmeter/internal/model"
	"chatmeter/internal/service"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const systemPrompt = "You are a helpful assistant."

type PromptHandler struct {
	meter  *metering.Meter
	model  string
	logSvc *service.RequestLogService
}

func NewPromptHandler(meter *metering.Meter, modelName string, logSvc *service.RequestLogService) *PromptHandler {
	return &PromptHandler{
		meter:  meter,
		model:  modelName,
		logSvc: logSvc,
	}
}

// Prompt 处理一次补全请求
// 请求进到这里时额度门禁已经通过；生命周期：解析 → 流式转发 → 结算落盘
func (h *PromptHandler) Prompt(c *gin.Context) {
	start := time.Now()
	customerID := middleware.CustomerID(c)

	var req model.PromptRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Messages) == 0 {
		// 畸形请求在任何账本/模型调用之前廉价拒绝
		h.journal(customerID, model.RequestStatusFailed, http.StatusBadRequest, start, 0, "", "malformed_request")
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "Malformed request: non-empty messages array required",
			"status": http.StatusBadRequest,
		})
		return
	}

	stream, err := h.meter.MeteredStream(c.Request.Context(), customerID, llm.CompletionRequest{
		Model:    h.model,
		System:   systemPrompt,
		Messages: req.Messages,
	})
	if err != nil {
		// 流未建立，没有 token 产生，也没有用量上报
		log.Errorf("prompt: completion failed for customer %q: %v", customerID, err)
		h.journal(customerID, model.RequestStatusFailed, http.StatusBadGateway, start, 0, "", "model_backend_error")
		c.JSON(http.StatusBadGateway, gin.H{
			"error":  "Model backend error",
			"status": http.StatusBadGateway,
		})
		return
	}
	defer stream.Close()

	// 按不透明字节流下发，禁用压缩，调用方可以边到边读
	c.Header("Content-Type", "application/octet-stream")
	c.Header("Content-Encoding", "none")
	c.Status(http.StatusOK)

	var streamErr error
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			streamErr = err
			break
		}
		if _, err := c.Writer.WriteString(chunk); err != nil {
			// 客户端断开：停止消费上游，已产生的部分仍按实计费
			streamErr = err
			break
		}
		c.Writer.Flush()
	}

	if streamErr != nil {
		// 流中途失败不重试：部分输出已经展示给用户，重发会污染会话
		if errors.Is(streamErr, io.ErrClosedPipe) || c.Request.Context().Err() != nil {
			log.Infof("prompt: client disconnected, customer %q (%d units produced)", customerID, stream.Units())
		} else {
			log.Warnf("prompt: stream truncated for customer %q: %v", customerID, streamErr)
		}
		h.journal(customerID, model.RequestStatusFailed, http.StatusOK, start, stream.Units(), stream.UsageEventID(), "stream_truncated")
		return
	}

	h.journal(customerID, model.RequestStatusCompleted, http.StatusOK, start, stream.Units(), stream.UsageEventID(), "")
}

func (h *PromptHandler) journal(customerID, status string, statusCode int, start time.Time, units int, eventID, errorType string) {
	if h.logSvc == nil {
		return
	}
	h.logSvc.Record(model.RequestLog{
		CustomerID:   customerID,
		Model:        h.model,
		Status:       status,
		StatusCode:   statusCode,
		LatencyMs:    time.Since(start).Milliseconds(),
		OutputUnits:  units,
		UsageEventID: eventID,
		ErrorType:    errorType,
	})
}
