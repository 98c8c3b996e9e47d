package middleware

import (
	"net/http"
	"time"

	"chatmeter/internal/ledger"
	"chatmeter/internal/model"
	"chatmeter/internal/service"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// CreditGate 计量调用前的额度门禁
// 只读余额，不做任何扣减；扣减由后续流程上报的用量事件在账本侧完成
//
// 并发窗口内同一客户的两个请求可能都通过同一份过期余额的检查，
// 轻微超扣到零以下是这个 check-then-act 设计的已知且接受的属性
func CreditGate(ldg ledger.Ledger, meterID string, logSvc *service.RequestLogService) gin.HandlerFunc {
	return func(c *gin.Context) {
		customerID := CustomerID(c)
		start := time.Now()

		meters, err := ldg.MeterBalances(c.Request.Context(), customerID, meterID)
		if err != nil {
			// fail-closed：余额无法确认时拒绝，放行等于计费漏洞
			log.Errorf("credit gate: balance lookup failed for customer %q: %v", customerID, err)
			journal(logSvc, customerID, model.RequestStatusFailed, http.StatusServiceUnavailable, start, "ledger_unavailable")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":  "Credit balance unavailable",
				"status": http.StatusServiceUnavailable,
			})
			return
		}

		hasCredits := false
		for _, m := range meters {
			if m.Balance.IsPositive() {
				hasCredits = true
				break
			}
		}

		if !hasCredits {
			log.Infof("credit gate: rejected customer %q (no positive balance on meter %s)", customerID, meterID)
			journal(logSvc, customerID, model.RequestStatusRejected, http.StatusPaymentRequired, start, "insufficient_credits")
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error":  "Insufficient credits",
				"status": http.StatusPaymentRequired,
			})
			return
		}

		c.Next()
	}
}

func journal(logSvc *service.RequestLogService, customerID, status string, statusCode int, start time.Time, errorType string) {
	if logSvc == nil {
		return
	}
	logSvc.Record(model.RequestLog{
		CustomerID: customerID,
		Status:     status,
		StatusCode: statusCode,
		LatencyMs:  time.Since(start).Milliseconds(),
		ErrorType:  errorType,
	})
}
