package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"PPGateway/tools/errs"
)

// RouteOpt 路由选项
type RouteOpt struct {
	// IsAuth 为 true 时挂 ServiceToken 校验
	IsAuth bool
	Token  string
}

func (o RouteOpt) chain(h gin.HandlerFunc) []gin.HandlerFunc {
	if o.IsAuth {
		return []gin.HandlerFunc{ServiceToken(o.Token), h}
	}
	return []gin.HandlerFunc{h}
}

func POST(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	r.POST(path, opt.chain(handler)...)
}

func GET(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	r.GET(path, opt.chain(handler)...)
}

// Logger logs one line per request with zap.
func Logger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if c.Writer.Status() >= 500 {
			log.Warn("http request", fields...)
		} else {
			log.Debug("http request", fields...)
		}
	}
}

// Recovery turns handler panics into 500 responses.
func Recovery(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("http handler panic", zap.String("path", c.Request.URL.Path), zap.Error(errs.ErrPanic(r)))
				c.AbortWithStatusJSON(500, gin.H{"code": errs.CodeInternal, "message": errs.ErrInternal.Msg})
			}
		}()
		c.Next()
	}
}

// AbortWithError writes err's code and public message.
func AbortWithError(c *gin.Context, err error) {
	code := errs.Code(err)
	_ = c.Error(err)
	c.AbortWithStatusJSON(code, gin.H{"code": code, "message": errs.PublicMessage(err)})
}
