package chat

import (
	"encoding/json"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"PPGateway/tools/decode"
	"PPGateway/tools/errs"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Inbound frame types.
const (
	FrameAuth           = "auth"
	FrameJoinProject    = "join_project"
	FrameLeaveProject   = "leave_project"
	FrameViewStatusPage = "view_status_page"
	FramePing           = "ping"
)

// Outbound frame types. Broadcast frames use the room event types.
const (
	FrameSessionEstablished = "session_established"
	FrameJoinedProject      = "joined_project"
	FrameLeftProject        = "left_project"
	FrameViewingStatusPage  = "viewing_status_page"
	FrameError              = "error"
	FramePong               = "pong"
)

// Frame is the wire format in both directions.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type AuthPayload struct {
	Token string `json:"token"`
}

type ProjectPayload struct {
	ProjectID string `json:"projectId"`
}

type StatusPagePayload struct {
	Slug string `json:"slug"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type SessionPayload struct {
	ConnID string `json:"connId"`
	UserID string `json:"userId"`
	NodeID string `json:"nodeId"`
}

type PongPayload struct {
	Timestamp int64 `json:"timestamp"`
}

var ErrBadFrame = errs.ErrInvalidArgument.WithMessage("Invalid message format")

func ParseFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := codec.Unmarshal(raw, &f); err != nil {
		return nil, errs.Wrap(ErrBadFrame, err, "parse frame")
	}
	f.Type = strings.TrimSpace(f.Type)
	if f.Type == "" {
		return nil, ErrBadFrame.WrapMsg("frame without type")
	}
	return &f, nil
}

func EncodeFrame(frameType string, payload any) ([]byte, error) {
	out := struct {
		Type    string `json:"type"`
		Payload any    `json:"payload,omitempty"`
	}{frameType, payload}
	return codec.Marshal(out)
}

// DecodePayload decodes a frame payload into T. Numbers are accepted where
// strings are expected.
func DecodePayload[T any](raw json.RawMessage) (*T, error) {
	v, err := decode.Raw[T](raw)
	if err != nil {
		return nil, errs.Wrap(ErrBadFrame, err, "decode payload")
	}
	return v, nil
}
