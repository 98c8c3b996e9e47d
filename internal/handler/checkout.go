package handler

import (
	"net/http"

	"chatmeter/internal/ledger"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

type CheckoutHandler struct {
	ledger           ledger.Ledger
	creditsProductID string
	successURL       string
	appRedirectURL   string
}

func NewCheckoutHandler(ldg ledger.Ledger, creditsProductID, successURL, appRedirectURL string) *CheckoutHandler {
	return &CheckoutHandler{
		ledger:           ldg,
		creditsProductID: creditsProductID,
		successURL:       successURL,
		appRedirectURL:   appRedirectURL,
	}
}

// Checkout 创建托管充值会话并跳转
// 每次调用都是独立会话，故意不做去重
func (h *CheckoutHandler) Checkout(c *gin.Context) {
	productID := c.Query("products")
	if productID == "" {
		productID = h.creditsProductID
	}
	customerID := c.Query("customerId")

	checkoutURL, err := h.ledger.CheckoutURL(c.Request.Context(), productID, customerID, h.successURL)
	if err != nil {
		log.Errorf("checkout: session create failed for customer %q: %v", customerID, err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":  "Checkout unavailable",
			"status": http.StatusBadGateway,
		})
		return
	}

	c.Redirect(http.StatusFound, checkoutURL)
}

// CheckoutRedirect 支付完成后跳回移动端
// 带 checkout_redirect 标记让客户端识别支付返回；不触碰账本
func (h *CheckoutHandler) CheckoutRedirect(c *gin.Context) {
	c.Redirect(http.StatusFound, h.appRedirectURL+"?checkout_redirect")
}
