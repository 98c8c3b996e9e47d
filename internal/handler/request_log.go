package handler

import (
	"net/http"
	"strconv"
	"time"

	"chatmeter/internal/repository"
	"chatmeter/internal/service"

	"github.com/gin-gonic/gin"
)

type RequestLogHandler struct {
	logSvc *service.RequestLogService
}

func NewRequestLogHandler(logSvc *service.RequestLogService) *RequestLogHandler {
	return &RequestLogHandler{logSvc: logSvc}
}

// ListRequestLogs GET /api/request-logs
func (h *RequestLogHandler) ListRequestLogs(c *gin.Context) {
	params := repository.ListParams{
		CustomerID: c.Query("customerId"),
		Status:     c.Query("status"),
	}
	if v := c.Query("page"); v != "" {
		if page, err := strconv.Atoi(v); err == nil {
			params.Page = page
		}
	}
	if v := c.Query("pageSize"); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			params.PageSize = size
		}
	}
	if from, ok := parseTimeParam(c.Query("from")); ok {
		params.From = &from
	}
	if to, ok := parseTimeParam(c.Query("to")); ok {
		params.To = &to
	}

	logs, total, err := h.logSvc.List(params)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query request logs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"items": logs,
		"total": total,
	})
}

// GetUsageSummary GET /api/usage/summary
func (h *RequestLogHandler) GetUsageSummary(c *gin.Context) {
	var from, to *time.Time
	if v, ok := parseTimeParam(c.Query("from")); ok {
		from = &v
	}
	if v, ok := parseTimeParam(c.Query("to")); ok {
		to = &v
	}

	summaries, err := h.logSvc.UsageSummary(from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query usage summary"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": summaries})
}

func parseTimeParam(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
