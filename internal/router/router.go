package router

import (
	"strings"

	"chatmeter/internal/config"
	"chatmeter/internal/handler"
	"chatmeter/internal/ledger"
	"chatmeter/internal/metering"
	"chatmeter/internal/middleware"
	"chatmeter/internal/service"

	"github.com/gin-gonic/gin"
)

func Setup(ldg ledger.Ledger, meter *metering.Meter, logSvc *service.RequestLogService) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	cfg := config.Get()

	allowedOrigins := strings.Split(cfg.CORSAllowedOrigins, ",")
	if len(allowedOrigins) == 0 || allowedOrigins[0] == "" {
		allowedOrigins = []string{"*"}
	}

	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, o := range allowedOrigins {
			o = strings.TrimSpace(o)
			if o == "*" || o == origin {
				allowed = true
				break
			}
		}

		if allowed && origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
		} else if allowedOrigins[0] == "*" {
			c.Header("Access-Control-Allow-Origin", "*")
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, "+middleware.CustomerIDHeader)
		c.Header("Vary", "Origin")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	promptLimiter := middleware.NewRateLimiter(cfg.RateLimitRPS, 10)

	promptHandler := handler.NewPromptHandler(meter, cfg.OpenAIModel, logSvc)
	checkoutHandler := handler.NewCheckoutHandler(ldg, cfg.CreditsProductID, cfg.SuccessURL, cfg.AppRedirectURL)
	requestLogHandler := handler.NewRequestLogHandler(logSvc)

	r.GET("/health", handler.HealthCheck)

	// 补全入口：身份 → 限流 → 额度门禁 → 计量流式补全
	r.POST("/prompt",
		middleware.CustomerIdentity(),
		promptLimiter.RateLimitByCustomer(),
		middleware.CreditGate(ldg, cfg.UsageMeterID, logSvc),
		promptHandler.Prompt,
	)

	// 充值链路，不经过门禁
	r.GET("/checkout", checkoutHandler.Checkout)
	r.GET("/checkout_redirect", checkoutHandler.CheckoutRedirect)

	api := r.Group("/api")
	{
		api.GET("/request-logs", requestLogHandler.ListRequestLogs)
		api.GET("/usage/summary", requestLogHandler.GetUsageSummary)
	}

	return r
}
