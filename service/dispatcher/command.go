package dispatcher

import (
	"bytes"
	"encoding/json"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"PPGateway/service/room"
	"PPGateway/tools/errs"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Scope 广播范围
type Scope string

const (
	ScopeProject Scope = "project"
	ScopeStatus  Scope = "status"
	ScopeUser    Scope = "user"
	ScopeGlobal  Scope = "global"
)

func (s Scope) Valid() bool {
	switch s {
	case ScopeProject, ScopeStatus, ScopeUser, ScopeGlobal:
		return true
	}
	return false
}

// Command is one broadcast request from a producer.
type Command struct {
	Scope  Scope      `json:"scope"`
	Target string     `json:"target,omitempty"`
	Event  room.Event `json:"event"`
}

type rawCommand struct {
	Scope  string          `json:"scope"`
	Target json.RawMessage `json:"target"`
	Event  room.Event      `json:"event"`
}

var (
	ErrBadCommand    = errs.ErrInvalidArgument.WithMessage("Invalid event command")
	ErrUnknownScope  = errs.ErrInvalidArgument.WithMessage("Unknown event scope")
	ErrMissingTarget = errs.ErrInvalidArgument.WithMessage("Event target is required")
	ErrMissingType   = errs.ErrInvalidArgument.WithMessage("Event type is required")
)

// ParseCommand decodes a command. target may be a JSON string or number;
// numbers keep their literal text so large ids survive.
func ParseCommand(data []byte) (Command, error) {
	var raw rawCommand
	if err := codec.Unmarshal(data, &raw); err != nil {
		return Command{}, errs.Wrap(ErrBadCommand, err, "unmarshal command")
	}
	cmd := Command{
		Scope: Scope(strings.ToLower(strings.TrimSpace(raw.Scope))),
		Event: raw.Event,
	}
	target, err := targetString(raw.Target)
	if err != nil {
		return Command{}, err
	}
	cmd.Target = target
	return cmd, cmd.Validate()
}

func targetString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := codec.Unmarshal(raw, &s); err != nil {
			return "", errs.Wrap(ErrBadCommand, err, "target")
		}
		return strings.TrimSpace(s), nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := codec.Unmarshal(raw, &n); err != nil {
			return "", errs.Wrap(ErrBadCommand, err, "target")
		}
		return n.String(), nil
	}
	return "", ErrBadCommand.WithDetail("target must be a string or number")
}

func (c Command) Validate() error {
	if !c.Scope.Valid() {
		return ErrUnknownScope.WithDetail(string(c.Scope))
	}
	if c.Scope != ScopeGlobal && c.Target == "" {
		return ErrMissingTarget
	}
	if strings.TrimSpace(c.Event.Type) == "" {
		return ErrMissingType
	}
	return nil
}
