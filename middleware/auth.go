package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"PPGateway/tools/errs"
)

// 服务间调用的 token 头
const HeaderServiceToken = "X-Service-Token"

// ServiceToken guards internal endpoints. The token is read from
// X-Service-Token, falling back to Authorization: Bearer. An empty expected
// token rejects every request.
func ServiceToken(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(c.GetHeader(HeaderServiceToken))
		if token == "" {
			// 兼容 Authorization: Bearer xxx
			if authz := strings.TrimSpace(c.GetHeader("Authorization")); len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
				token = strings.TrimSpace(authz[7:])
			}
		}
		if expected == "" || token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": errs.CodeAuthenticationFailed, "message": errs.ErrAuthenticationFailed.Msg})
			return
		}
		c.Next()
	}
}
