package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"PPGateway/tools/errs"
)

// OriginAllowed reports whether origin matches the allow list. An empty list
// or a "*" entry allows everything; a request without Origin (non-browser
// client) is allowed. Entries may be full origins or bare hosts.
func OriginAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 || origin == "" {
		return true
	}
	host := origin
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		host = u.Host
	}
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "*" || strings.EqualFold(a, origin) || strings.EqualFold(a, host) {
			return true
		}
	}
	return false
}

// Origin rejects browser requests from origins outside the allow list.
func Origin(allowed []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !OriginAllowed(allowed, c.GetHeader("Origin")) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": errs.CodeAccessDenied, "message": "Origin not allowed"})
			return
		}
		c.Next()
	}
}
