package common

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	HeaderRequestID = "X-Request-Id"
	CtxKeyRequestID = "request_id"
	// CtxKeyAccountID JWT 中间件写入的当前账户
	CtxKeyAccountID = "account_id"
	CtxKeyRole      = "role"
)

func New() string { return uuid.NewString() }

// 获取id
func RequestIDFromGin(c *gin.Context) string {
	if v, ok := c.Get(CtxKeyRequestID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func AccountIDFromGin(c *gin.Context) (int64, bool) {
	v, ok := c.Get(CtxKeyAccountID)
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}

func RoleFromGin(c *gin.Context) string {
	return c.GetString(CtxKeyRole)
}
