package middleware

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"mailtrace/backend/internal/domain"
)

// DefaultBodyLimit 默认请求体大小限制
const DefaultBodyLimit = 16 * 1024 * 1024 // 16MB

// BodySizeLimit 限制请求体大小的中间件
//
// Content-Length 已超限时直接返回 413；否则用 MaxBytesReader 限制实际读取量，
// 处理器在解析表单时会得到 *http.MaxBytesError。
func BodySizeLimit(maxBytes int64) gin.HandlerFunc {
	if maxBytes <= 0 {
		maxBytes = DefaultBodyLimit
	}

	return func(c *gin.Context) {
		// 检查 Content-Length 头
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge,
				domain.ErrorResult(fmt.Sprintf("request body exceeds maximum size of %d bytes", maxBytes)))
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)

		// 告知客户端最大允许的请求体大小
		c.Header("X-Max-Body-Size", strconv.FormatInt(maxBytes, 10))

		c.Next()
	}
}
