package room

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"PPGateway/service/directory"
	"PPGateway/service/metrics"
	"PPGateway/tools/errs"
)

// Member is one live connection as seen by the router.
type Member interface {
	ID() string
	// User is nil until the connection authenticated.
	User() *directory.User
	// Emit queues a frame; false means it was dropped.
	Emit(frameType string, payload any) bool
	// Close terminates the connection without waiting for the client.
	Close(reason string)
}

// Publisher sends relay and control messages to the other nodes.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) (int64, error)
}

// Lookups are the collaborator calls made while authorizing joins.
type Lookups interface {
	directory.ProjectLookup
	directory.StatusPageLookup
}

var (
	ErrProjectNotFound       = errs.ErrNotFound.WithMessage("Project not found")
	ErrPrivateProject        = errs.ErrAccessDenied.WithMessage("Access denied to private project")
	ErrStatusPageNotFound    = errs.ErrNotFound.WithMessage("Status page not found")
	ErrPrivateStatusPage     = errs.ErrAccessDenied.WithMessage("Access denied to private status page")
	ErrAuthenticationMissing = errs.ErrAuthenticationFailed.WithMessage("Authentication required")
)

type Config struct {
	NodeID         string
	RelayChannel   string
	ControlChannel string
	PublishTimeout time.Duration
}

func (c *Config) norm() {
	if c.RelayChannel == "" {
		c.RelayChannel = "gateway:relay"
	}
	if c.ControlChannel == "" {
		c.ControlChannel = "gateway:control"
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
}

// memberState is the router's record of one connection. mu serializes every
// membership mutation of that connection.
type memberState struct {
	mu    sync.Mutex
	m     Member
	rooms map[string]struct{}
	gone  bool
}

// Router owns room membership and broadcast. Local delivery always happens
// first; the relay publish follows and its failure is only logged.
type Router struct {
	cfg     Config
	lookups Lookups
	pub     Publisher
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	rooms   map[string]map[string]Member // room name -> conn id -> member
	members map[string]*memberState      // conn id -> state
}

func NewRouter(cfg Config, lookups Lookups, pub Publisher, log *zap.Logger, m *metrics.Metrics) *Router {
	cfg.norm()
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		cfg:     cfg,
		lookups: lookups,
		pub:     pub,
		log:     log,
		metrics: m,
		now:     time.Now,
		rooms:   make(map[string]map[string]Member),
		members: make(map[string]*memberState),
	}
}

func (r *Router) RelayChannel() string   { return r.cfg.RelayChannel }
func (r *Router) ControlChannel() string { return r.cfg.ControlChannel }

func (r *Router) state(id string) *memberState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.members[id]
}

// join must be called with st.mu held.
func (r *Router) join(st *memberState, rm Room) {
	name := rm.Name()
	r.mu.Lock()
	set, ok := r.rooms[name]
	if !ok {
		set = make(map[string]Member)
		r.rooms[name] = set
	}
	set[st.m.ID()] = st.m
	rooms := len(r.rooms)
	r.mu.Unlock()
	st.rooms[name] = struct{}{}
	r.metrics.SetRooms(rooms)
}

// leave must be called with st.mu held.
func (r *Router) leave(st *memberState, name string) {
	r.mu.Lock()
	if set, ok := r.rooms[name]; ok {
		delete(set, st.m.ID())
		if len(set) == 0 {
			delete(r.rooms, name)
		}
	}
	rooms := len(r.rooms)
	r.mu.Unlock()
	delete(st.rooms, name)
	r.metrics.SetRooms(rooms)
}

// Register adds a connection. An authenticated connection joins its
// personal room; registering twice is a no-op.
func (r *Router) Register(m Member) {
	r.mu.Lock()
	if _, ok := r.members[m.ID()]; ok {
		r.mu.Unlock()
		return
	}
	st := &memberState{m: m, rooms: make(map[string]struct{})}
	r.members[m.ID()] = st
	r.mu.Unlock()

	if u := m.User(); u != nil {
		st.mu.Lock()
		if !st.gone {
			r.join(st, User(u.ID))
		}
		st.mu.Unlock()
	}
}

// Unregister removes the connection from every room. Idempotent.
func (r *Router) Unregister(id string) {
	r.mu.Lock()
	st, ok := r.members[id]
	delete(r.members, id)
	r.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.gone = true
	for name := range st.rooms {
		r.leave(st, name)
	}
}

// Rooms lists the rooms a connection is in, sorted.
func (r *Router) Rooms(id string) []string {
	st := r.state(id)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]string, 0, len(st.rooms))
	for name := range st.rooms {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// JoinProject authorizes and joins project:<projectID>.
func (r *Router) JoinProject(ctx context.Context, m Member, projectID string) error {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return errs.ErrInvalidArgument.WithMessage("projectId is required")
	}
	st := r.state(m.ID())
	if st == nil || m.User() == nil {
		return ErrAuthenticationMissing
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	p, err := r.lookups.LookupProject(ctx, projectID)
	if err != nil {
		return errs.Wrap(errs.ErrInternal.WithMessage("Failed to join project"), err, "lookup project "+projectID)
	}
	if p == nil {
		return ErrProjectNotFound
	}
	if p.IsPrivate && !directory.CanManage(m.User(), p.OwnerID) {
		return ErrPrivateProject
	}
	if st.gone {
		return errs.ErrNotFound.WithMessage("Connection closed")
	}
	r.join(st, Project(projectID))
	return nil
}

// LeaveProject is unconditional and idempotent.
func (r *Router) LeaveProject(m Member, projectID string) {
	st := r.state(m.ID())
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	name := Project(strings.TrimSpace(projectID)).Name()
	if _, ok := st.rooms[name]; ok {
		r.leave(st, name)
	}
}

// ViewStatusPage joins status:<slug> when the page is public, or the viewer
// owns it or is an admin.
func (r *Router) ViewStatusPage(ctx context.Context, m Member, slug string) error {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return errs.ErrInvalidArgument.WithMessage("slug is required")
	}
	st := r.state(m.ID())
	if st == nil {
		return ErrAuthenticationMissing
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	page, err := r.lookups.LookupStatusPageBySlug(ctx, slug)
	if err != nil {
		return errs.Wrap(errs.ErrInternal.WithMessage("Failed to view status page"), err, "lookup status page "+slug)
	}
	if page == nil {
		return ErrStatusPageNotFound
	}
	if page.IsPrivate && !directory.CanManage(m.User(), page.OwnerID) {
		return ErrPrivateStatusPage
	}
	if st.gone {
		return errs.ErrNotFound.WithMessage("Connection closed")
	}
	r.join(st, StatusPage(slug))
	return nil
}

// snapshot copies the members of a room at call time.
func (r *Router) snapshot(name string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.rooms[name]
	out := make([]Member, 0, len(set))
	for _, m := range set {
		out = append(out, m)
	}
	return out
}

func (r *Router) snapshotAll() []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Member, 0, len(r.members))
	for _, st := range r.members {
		out = append(out, st.m)
	}
	return out
}

func (r *Router) emit(members []Member, frameType, source string, env Envelope) int {
	n := 0
	for _, m := range members {
		if m.Emit(frameType, env) {
			n++
		} else {
			r.metrics.Drop()
			r.log.Warn("event dropped, send queue full",
				zap.String("conn_id", m.ID()), zap.String("event", frameType), zap.String("type", env.Type))
		}
	}
	r.metrics.Deliver(frameType, source, n)
	return n
}

func (r *Router) broadcast(ctx context.Context, rm Room, ev Event) int {
	env := newEnvelope(ev, rm.ID(), r.now())
	n := r.emit(r.snapshot(rm.Name()), rm.Kind().EventType(), "local", env)
	r.publish(ctx, r.cfg.RelayChannel, RelayMessage{Origin: r.cfg.NodeID, Room: rm.Name(), Envelope: env}, zap.String("room", rm.Name()))
	return n
}

// publish is best effort: failures are logged, never returned.
func (r *Router) publish(ctx context.Context, channel string, msg any, fields ...zap.Field) {
	if r.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()
	if _, err := r.pub.Publish(ctx, channel, msg); err != nil {
		r.metrics.RelayError()
		r.log.Warn("relay publish failed, local delivery done",
			append(fields, zap.String("channel", channel), zap.Error(err))...)
	}
}

// BroadcastToProject emits project_event to project:<projectID> and relays it.
// It returns the number of local connections the frame was queued to.
func (r *Router) BroadcastToProject(ctx context.Context, projectID string, ev Event) int {
	return r.broadcast(ctx, Project(projectID), ev)
}

func (r *Router) BroadcastToStatusPage(ctx context.Context, slug string, ev Event) int {
	return r.broadcast(ctx, StatusPage(slug), ev)
}

func (r *Router) SendToUser(ctx context.Context, userID string, ev Event) int {
	return r.broadcast(ctx, User(userID), ev)
}

// BroadcastGlobal emits global_event to every connection on every node.
func (r *Router) BroadcastGlobal(ctx context.Context, ev Event) int {
	env := newEnvelope(ev, "", r.now())
	n := r.emit(r.snapshotAll(), EventGlobal, "local", env)
	r.publish(ctx, r.cfg.RelayChannel, RelayMessage{Origin: r.cfg.NodeID, Global: true, Envelope: env}, zap.Bool("global", true))
	return n
}

// HandleRelay is the relay channel subscription handler. Messages from this
// node are skipped; remote ones are delivered locally and never re-published.
func (r *Router) HandleRelay(message, channel string) {
	var msg RelayMessage
	if err := codec.UnmarshalFromString(message, &msg); err != nil {
		r.log.Warn("bad relay message", zap.String("channel", channel), zap.Error(err))
		return
	}
	if msg.Origin == r.cfg.NodeID {
		return
	}
	if msg.Global {
		r.emit(r.snapshotAll(), EventGlobal, "relay", msg.Envelope)
		return
	}
	rm, err := ParseRoom(msg.Room)
	if err != nil {
		r.log.Warn("relay message for unknown room", zap.String("room", msg.Room), zap.String("origin", msg.Origin))
		return
	}
	r.emit(r.snapshot(rm.Name()), rm.Kind().EventType(), "relay", msg.Envelope)
}

// HandleControl is the control channel subscription handler.
func (r *Router) HandleControl(message, channel string) {
	var msg ControlMessage
	if err := codec.UnmarshalFromString(message, &msg); err != nil {
		r.log.Warn("bad control message", zap.String("channel", channel), zap.Error(err))
		return
	}
	if msg.Origin == r.cfg.NodeID {
		return
	}
	switch msg.Action {
	case ActionDisconnectUser:
		n := r.DisconnectUser(msg.UserID)
		r.log.Info("remote disconnect", zap.String("user_id", msg.UserID), zap.String("origin", msg.Origin), zap.Int("closed", n))
	default:
		r.log.Warn("unknown control action", zap.String("action", msg.Action), zap.String("origin", msg.Origin))
	}
}

// Info describes a room's occupancy on this node.
type Info struct {
	Name        string   `json:"room"`
	SocketCount int      `json:"socketCount"`
	MemberIDs   []string `json:"memberIds"`
}

// RoomInfo returns an empty Info for rooms nobody is in.
func (r *Router) RoomInfo(name string) Info {
	r.mu.RLock()
	set := r.rooms[name]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return Info{Name: name, SocketCount: len(ids), MemberIDs: ids}
}

// DisconnectUser removes and closes every local connection of userID and
// returns how many were closed.
func (r *Router) DisconnectUser(userID string) int {
	members := r.snapshot(User(userID).Name())
	for _, m := range members {
		// Close 先取消连接上的进行中操作，再移出所有房间
		m.Close("disconnected by server")
		r.Unregister(m.ID())
	}
	if len(members) > 0 {
		r.log.Info("user disconnected", zap.String("user_id", userID), zap.Int("connections", len(members)))
	}
	return len(members)
}

// DisconnectUserEverywhere disconnects locally and asks every other node to do the same.
func (r *Router) DisconnectUserEverywhere(ctx context.Context, userID string) int {
	n := r.DisconnectUser(userID)
	r.publish(ctx, r.cfg.ControlChannel, ControlMessage{
		Origin: r.cfg.NodeID,
		Action: ActionDisconnectUser,
		UserID: userID,
	}, zap.String("user_id", userID))
	return n
}

type Stats struct {
	Rooms       int `json:"rooms"`
	Connections int `json:"connections"`
}

func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Rooms: len(r.rooms), Connections: len(r.members)}
}
