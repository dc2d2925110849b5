package room

import (
	"encoding/json"
	"time"
)

// Outbound broadcast frame types.
const (
	EventProject = "project_event"
	EventStatus  = "status_event"
	EventUser    = "user_event"
	EventGlobal  = "global_event"
)

// Event is what a producer hands to a broadcast call. Data is forwarded verbatim.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Envelope is the payload of every broadcast frame.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	TargetID  string          `json:"targetId,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

func newEnvelope(ev Event, target string, now time.Time) Envelope {
	return Envelope{
		Type:      ev.Type,
		Data:      ev.Data,
		TargetID:  target,
		Timestamp: now.UnixMilli(),
	}
}

// RelayMessage carries a broadcast to the other gateway nodes.
type RelayMessage struct {
	Origin   string   `json:"origin"`
	Room     string   `json:"room,omitempty"`
	Global   bool     `json:"global,omitempty"`
	Envelope Envelope `json:"envelope"`
}

const ActionDisconnectUser = "disconnect_user"

// ControlMessage carries operator actions to the other gateway nodes.
type ControlMessage struct {
	Origin string `json:"origin"`
	Action string `json:"action"`
	UserID string `json:"userId,omitempty"`
}
