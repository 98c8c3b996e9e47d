package middleware

import (
	"github.com/gin-gonic/gin"
)

const (
	// CustomerIDHeader 调用方声明身份的请求头
	// 信任边界：这里不做任何校验，生产系统应替换为认证中间件注入的身份
	CustomerIDHeader = "X-Polar-Customer-Id"

	ContextKeyCustomerID = "customer_id"
)

// CustomerIdentity 从请求头提取客户身份写入 context
// 空值不视为参数错误：外部账本对未知客户只会返回空余额列表
func CustomerIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ContextKeyCustomerID, c.GetHeader(CustomerIDHeader))
		c.Next()
	}
}

// CustomerID 读取当前请求的客户身份
func CustomerID(c *gin.Context) string {
	return c.GetString(ContextKeyCustomerID)
}
