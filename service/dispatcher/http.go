package dispatcher

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"PPGateway/middleware"
	"PPGateway/tools/errs"
)

const maxBody = 1 << 20

// Register mounts the producer endpoints. Both require the service token.
func (in *Ingress) Register(r gin.IRoutes, opt middleware.RouteOpt) {
	middleware.POST(r, "/internal/events", in.handleEvent, opt)
	middleware.POST(r, "/internal/users/:id/disconnect", in.handleDisconnect, opt)
}

func (in *Ingress) handleEvent(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBody))
	if err != nil {
		middleware.AbortWithError(c, errs.Wrap(ErrBadCommand, err, "read body"))
		return
	}
	n, err := in.HandleRaw(c.Request.Context(), SourceHTTP, body)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"delivered": n})
}

func (in *Ingress) handleDisconnect(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("id"))
	n, err := in.Disconnect(c.Request.Context(), userID)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "disconnected": n})
}
