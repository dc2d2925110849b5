package chat

import (
	"context"
	"encoding/json"
)

// Handler processes one inbound frame type.
type Handler interface {
	Type() string
	// RequiresAuth 为 true 时未认证连接的该类帧会被拒绝
	RequiresAuth() bool
	Handle(ctx *Context, payload json.RawMessage) error
}

// Context is handed to every handler. The embedded context is cancelled
// when the connection goes away.
type Context struct {
	context.Context
	S    *Server
	Conn *Conn
}
