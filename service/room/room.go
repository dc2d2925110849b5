package room

import (
	"strings"

	"PPGateway/tools/errs"
)

type Kind uint8

const (
	KindUser Kind = iota + 1
	KindProject
	KindStatusPage
)

func (k Kind) prefix() string {
	switch k {
	case KindUser:
		return "user"
	case KindProject:
		return "project"
	case KindStatusPage:
		return "status"
	}
	return ""
}

// EventType is the outbound frame type used for broadcasts into a room of this kind.
func (k Kind) EventType() string {
	switch k {
	case KindUser:
		return EventUser
	case KindProject:
		return EventProject
	case KindStatusPage:
		return EventStatus
	}
	return ""
}

// Room is a broadcast audience: a user's personal room, a project, or a
// status page. The zero value is not a valid room.
type Room struct {
	kind Kind
	id   string
}

func User(userID string) Room { return Room{kind: KindUser, id: userID} }
func Project(projectID string) Room { return Room{kind: KindProject, id: projectID} }
func StatusPage(slug string) Room { return Room{kind: KindStatusPage, id: slug} }
func (r Room) Kind() Kind { return r.kind }
func (r Room) ID() string { return r.id }
func (r Room) Valid() bool { return r.kind.prefix() != "" && r.id != "" }
func (r Room) String() string { return r.Name() }

// Name is the wire name: user:<id>, project:<id> or status:<slug>.
func (r Room) Name() string {
	return r.kind.prefix() + ":" + r.id
}

// ParseRoom is the inverse of Name.
func ParseRoom(name string) (Room, error) {
	prefix, id, ok := strings.Cut(name, ":")
	if !ok || id == "" {
		return Room{}, errs.ErrInvalidArgument.WrapMsg("malformed room name", "room", name)
	}
	switch prefix {
	case "user":
		return User(id), nil
	case "project":
		return Project(id), nil
	case "status":
		return StatusPage(id), nil
	}
	return Room{}, errs.ErrInvalidArgument.WrapMsg("unknown room kind", "room", name)
}
