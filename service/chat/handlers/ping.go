package handlers

import (
	"encoding/json"
	"time"

	"PPGateway/service/chat"
)

// PingHandler is the application-level heartbeat; protocol pings are
// handled by the connection's write pump.
type PingHandler struct {
	now func() time.Time
}

func NewPingHandler() chat.Handler { return &PingHandler{now: time.Now} }
func (h *PingHandler) Type() string { return chat.FramePing }
func (h *PingHandler) RequiresAuth() bool { return true }

func (h *PingHandler) Handle(ctx *chat.Context, _ json.RawMessage) error {
	ctx.S.Heartbeat(ctx, ctx.Conn)
	ctx.Conn.Emit(chat.FramePong, chat.PongPayload{Timestamp: h.now().UnixMilli()})
	return nil
}

// RegisterAll installs every control message handler.
func RegisterAll(d *chat.Dispatcher) {
	d.Register(
		NewAuthHandler(),
		NewJoinProjectHandler(),
		NewLeaveProjectHandler(),
		NewViewStatusPageHandler(),
		NewPingHandler(),
	)
}
