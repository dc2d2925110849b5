package handlers

import (
	"encoding/json"

	"PPGateway/service/chat"
	"PPGateway/tools/errs"
)

var errAlreadyAuthenticated = errs.ErrInvalidArgument.WithMessage("Already authenticated")

// AuthHandler 处理握手阶段没有带凭证的连接的首个 auth 帧
type AuthHandler struct{}

func NewAuthHandler() chat.Handler { return &AuthHandler{} }
func (h *AuthHandler) Type() string { return chat.FrameAuth }
func (h *AuthHandler) RequiresAuth() bool { return false }

// Handle closes the connection on any failure, including a malformed payload.
func (h *AuthHandler) Handle(ctx *chat.Context, payload json.RawMessage) error {
	if ctx.Conn.User() != nil {
		return errAlreadyAuthenticated
	}
	var token string
	if p, err := chat.DecodePayload[chat.AuthPayload](payload); err == nil {
		token = p.Token
	}
	return ctx.S.Authenticate(ctx, ctx.Conn, token)
}
