package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"mailtrace/backend/internal/domain"
)

// Error 返回 {status:"error", message} 并终止后续处理
func Error(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(code, domain.ErrorResult(msg))
}

// BadRequest 请求参数错误（400）
func BadRequest(c *gin.Context, msg string) {
	Error(c, http.StatusBadRequest, msg)
}

// Forbidden 无权限（403）
func Forbidden(c *gin.Context, msg string) {
	Error(c, http.StatusForbidden, msg)
}

// TooLarge 请求体过大（413）
func TooLarge(c *gin.Context, msg string) {
	Error(c, http.StatusRequestEntityTooLarge, msg)
}

// OK 成功响应（200），载荷原样输出
func OK(c *gin.Context, payload interface{}) {
	c.JSON(http.StatusOK, payload)
}
