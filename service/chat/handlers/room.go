package handlers

import (
	"encoding/json"

	"PPGateway/service/chat"
)

type JoinProjectHandler struct{}

func NewJoinProjectHandler() chat.Handler { return &JoinProjectHandler{} }
func (h *JoinProjectHandler) Type() string { return chat.FrameJoinProject }
func (h *JoinProjectHandler) RequiresAuth() bool { return true }

func (h *JoinProjectHandler) Handle(ctx *chat.Context, payload json.RawMessage) error {
	p, err := chat.DecodePayload[chat.ProjectPayload](payload)
	if err != nil {
		return err
	}
	if err := ctx.S.Router().JoinProject(ctx, ctx.Conn, p.ProjectID); err != nil {
		return err
	}
	ctx.Conn.Emit(chat.FrameJoinedProject, chat.ProjectPayload{ProjectID: p.ProjectID})
	return nil
}

// LeaveProjectHandler 离开不做权限校验，重复离开也回 ack
type LeaveProjectHandler struct{}

func NewLeaveProjectHandler() chat.Handler { return &LeaveProjectHandler{} }
func (h *LeaveProjectHandler) Type() string { return chat.FrameLeaveProject }
func (h *LeaveProjectHandler) RequiresAuth() bool { return true }

func (h *LeaveProjectHandler) Handle(ctx *chat.Context, payload json.RawMessage) error {
	p, err := chat.DecodePayload[chat.ProjectPayload](payload)
	if err != nil {
		return err
	}
	ctx.S.Router().LeaveProject(ctx.Conn, p.ProjectID)
	ctx.Conn.Emit(chat.FrameLeftProject, chat.ProjectPayload{ProjectID: p.ProjectID})
	return nil
}

type ViewStatusPageHandler struct{}

func NewViewStatusPageHandler() chat.Handler { return &ViewStatusPageHandler{} }
func (h *ViewStatusPageHandler) Type() string { return chat.FrameViewStatusPage }
func (h *ViewStatusPageHandler) RequiresAuth() bool { return true }

func (h *ViewStatusPageHandler) Handle(ctx *chat.Context, payload json.RawMessage) error {
	p, err := chat.DecodePayload[chat.StatusPagePayload](payload)
	if err != nil {
		return err
	}
	if err := ctx.S.Router().ViewStatusPage(ctx, ctx.Conn, p.Slug); err != nil {
		return err
	}
	ctx.Conn.Emit(chat.FrameViewingStatusPage, chat.StatusPagePayload{Slug: p.Slug})
	return nil
}
