package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"PPGateway/service/directory"
	"PPGateway/tools/errs"
)

type frame struct {
	Type    string
	Payload any
}

type fakeMember struct {
	id   string
	user *directory.User
	full bool

	mu     sync.Mutex
	frames []frame
	closed []string
}

func newMember(id string, user *directory.User) *fakeMember {
	return &fakeMember{id: id, user: user}
}

func (m *fakeMember) ID() string            { return m.id }
func (m *fakeMember) User() *directory.User { return m.user }
func (m *fakeMember) Emit(t string, p any) bool {
	if m.full {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, frame{Type: t, Payload: p})
	return true
}
func (m *fakeMember) Close(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, reason)
}

func (m *fakeMember) received() []frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]frame(nil), m.frames...)
}

type published struct {
	channel string
	message any
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, channel string, message any) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	p.sent = append(p.sent, published{channel, message})
	return 1, nil
}

func (p *fakePublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.sent...)
}

var (
	owner  = &directory.User{ID: "owner"}
	alice  = &directory.User{ID: "alice", Role: "member"}
	admin  = &directory.User{ID: "root", Role: directory.RoleAdmin}
	bobbie = &directory.User{ID: "bobbie"}
)

func fixture(t *testing.T) (*Router, *fakePublisher) {
	t.Helper()
	dir := directory.NewMemory()
	dir.PutProject(directory.Project{ID: "p1", OwnerID: "owner", IsPrivate: true})
	dir.PutProject(directory.Project{ID: "p2", OwnerID: "owner"})
	dir.PutStatusPage(directory.StatusPage{ID: "s1", Slug: "public", OwnerID: "owner"})
	dir.PutStatusPage(directory.StatusPage{ID: "s2", Slug: "secret", OwnerID: "owner", IsPrivate: true})

	pub := &fakePublisher{}
	r := NewRouter(Config{NodeID: "node-a"}, dir, pub, zap.NewNop(), nil)
	r.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return r, pub
}

func TestRoomNames(t *testing.T) {
	tests := []struct {
		room Room
		name string
	}{
		{User("u1"), "user:u1"},
		{Project("p1"), "project:p1"},
		{StatusPage("acme-inc"), "status:acme-inc"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.name, tt.room.Name())
		parsed, err := ParseRoom(tt.name)
		require.NoError(t, err)
		assert.Equal(t, tt.room, parsed)
	}

	for _, bad := range []string{"", "user", "user:", "team:x"} {
		_, err := ParseRoom(bad)
		assert.True(t, errors.Is(err, errs.ErrInvalidArgument), bad)
	}
	assert.False(t, Room{}.Valid())
	assert.Equal(t, EventStatus, StatusPage("x").Kind().EventType())
}

func TestRegisterJoinsPersonalRoomOnly(t *testing.T) {
	r, _ := fixture(t)
	authed := newMember("c1", alice)
	anon := newMember("c2", nil)
	r.Register(authed)
	r.Register(authed)
	r.Register(anon)

	assert.Equal(t, []string{"user:alice"}, r.Rooms("c1"))
	assert.Empty(t, r.Rooms("c2"))
	assert.Equal(t, Stats{Rooms: 1, Connections: 2}, r.Stats())
}

func TestJoinPrivateProjectDenied(t *testing.T) {
	r, _ := fixture(t)
	u := newMember("c1", alice)
	r.Register(u)

	err := r.JoinProject(context.Background(), u, "p1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrAccessDenied))
	assert.Equal(t, "Access denied to private project", errs.PublicMessage(err))
	assert.NotContains(t, r.RoomInfo("project:p1").MemberIDs, "c1")
}

func TestJoinProjectPolicy(t *testing.T) {
	r, _ := fixture(t)
	ctx := context.Background()

	own := newMember("own", owner)
	adm := newMember("adm", admin)
	other := newMember("oth", bobbie)
	for _, m := range []*fakeMember{own, adm, other} {
		r.Register(m)
	}

	require.NoError(t, r.JoinProject(ctx, own, "p1"))
	require.NoError(t, r.JoinProject(ctx, adm, "p1"))
	require.NoError(t, r.JoinProject(ctx, other, "p2"), "public project")

	err := r.JoinProject(ctx, other, "missing")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
	assert.Equal(t, "Project not found", errs.PublicMessage(err))

	err = r.JoinProject(ctx, other, " ")
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))

	unregistered := newMember("ghost", alice)
	err = r.JoinProject(ctx, unregistered, "p2")
	assert.True(t, errors.Is(err, errs.ErrAuthenticationFailed))

	assert.Equal(t, Info{Name: "project:p1", SocketCount: 2, MemberIDs: []string{"adm", "own"}}, r.RoomInfo("project:p1"))
}

func TestViewStatusPagePolicy(t *testing.T) {
	r, _ := fixture(t)
	ctx := context.Background()

	anon := newMember("anon", nil)
	viewer := newMember("v", alice)
	own := newMember("own", owner)
	for _, m := range []*fakeMember{anon, viewer, own} {
		r.Register(m)
	}

	require.NoError(t, r.ViewStatusPage(ctx, anon, "public"), "public page never denies anonymous")
	require.NoError(t, r.ViewStatusPage(ctx, viewer, "public"))

	err := r.ViewStatusPage(ctx, anon, "secret")
	assert.Equal(t, "Access denied to private status page", errs.PublicMessage(err))
	err = r.ViewStatusPage(ctx, viewer, "secret")
	assert.True(t, errors.Is(err, errs.ErrAccessDenied))
	require.NoError(t, r.ViewStatusPage(ctx, own, "secret"))

	err = r.ViewStatusPage(ctx, viewer, "nope")
	assert.Equal(t, "Status page not found", errs.PublicMessage(err))

	assert.Equal(t, 2, r.RoomInfo("status:public").SocketCount)
	assert.Equal(t, []string{"own"}, r.RoomInfo("status:secret").MemberIDs)
}

func TestLeaveProjectIdempotent(t *testing.T) {
	r, _ := fixture(t)
	m := newMember("c1", owner)
	r.Register(m)

	assert.NotPanics(t, func() { r.LeaveProject(m, "never-joined") })
	require.NoError(t, r.JoinProject(context.Background(), m, "p1"))
	r.LeaveProject(m, "p1")
	r.LeaveProject(m, "p1")
	assert.Equal(t, []string{"user:owner"}, r.Rooms("c1"))
	assert.Equal(t, Info{Name: "project:p1", MemberIDs: []string{}}, r.RoomInfo("project:p1"))

	r.LeaveProject(newMember("ghost", nil), "p1")
}

func TestBroadcastToProjectReachesExactlyRoom(t *testing.T) {
	r, pub := fixture(t)
	ctx := context.Background()

	var inP1 []*fakeMember
	for i := 0; i < 3; i++ {
		m := newMember(fmt.Sprintf("c%d", i), owner)
		r.Register(m)
		require.NoError(t, r.JoinProject(ctx, m, "p1"))
		inP1 = append(inP1, m)
	}
	inP2 := newMember("c9", bobbie)
	r.Register(inP2)
	require.NoError(t, r.JoinProject(ctx, inP2, "p2"))

	ev := Event{Type: "COMPONENT_STATUS_CHANGED", Data: []byte(`{"component":"api","status":"down"}`)}
	n := r.BroadcastToProject(ctx, "p1", ev)
	assert.Equal(t, 3, n)

	want := Envelope{Type: ev.Type, Data: ev.Data, TargetID: "p1", Timestamp: 1700000000000}
	for _, m := range inP1 {
		got := m.received()
		require.Len(t, got, 1, m.id)
		assert.Equal(t, frame{Type: EventProject, Payload: want}, got[0])
	}
	assert.Empty(t, inP2.received())

	sent := pub.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "gateway:relay", sent[0].channel)
	assert.Equal(t, RelayMessage{Origin: "node-a", Room: "project:p1", Envelope: want}, sent[0].message)
}

func TestBroadcastKinds(t *testing.T) {
	r, pub := fixture(t)
	ctx := context.Background()

	a := newMember("a", alice)
	b := newMember("b", nil)
	r.Register(a)
	r.Register(b)
	require.NoError(t, r.ViewStatusPage(ctx, b, "public"))

	assert.Equal(t, 1, r.SendToUser(ctx, "alice", Event{Type: "NOTIFY"}))
	assert.Equal(t, 1, r.BroadcastToStatusPage(ctx, "public", Event{Type: "INCIDENT"}))
	assert.Equal(t, 2, r.BroadcastGlobal(ctx, Event{Type: "MAINTENANCE"}))
	assert.Equal(t, 0, r.BroadcastToProject(ctx, "empty", Event{Type: "X"}))

	assert.Equal(t, []string{EventUser, EventGlobal}, types(a.received()))
	assert.Equal(t, []string{EventStatus, EventGlobal}, types(b.received()))

	sent := pub.all()
	require.Len(t, sent, 4)
	assert.True(t, sent[2].message.(RelayMessage).Global)
}

func types(fs []frame) []string {
	out := make([]string, 0, len(fs))
	for _, f := range fs {
		out = append(out, f.Type)
	}
	return out
}

func TestRelayFailureNeverBlocksLocalDelivery(t *testing.T) {
	r, pub := fixture(t)
	pub.err = errs.ErrBrokerUnavailable
	m := newMember("c1", alice)
	r.Register(m)

	n := r.SendToUser(context.Background(), "alice", Event{Type: "NOTIFY"})
	assert.Equal(t, 1, n)
	assert.Len(t, m.received(), 1)
}

func TestFullQueueIsNotCounted(t *testing.T) {
	r, _ := fixture(t)
	slow := newMember("slow", alice)
	slow.full = true
	fast := newMember("fast", alice)
	r.Register(slow)
	r.Register(fast)

	assert.Equal(t, 1, r.SendToUser(context.Background(), "alice", Event{Type: "NOTIFY"}))
}

func TestHandleRelay(t *testing.T) {
	r, pub := fixture(t)
	m := newMember("c1", owner)
	r.Register(m)
	require.NoError(t, r.JoinProject(context.Background(), m, "p1"))

	env := Envelope{Type: "DEPLOYED", Data: []byte(`{"v":2}`), TargetID: "p1", Timestamp: 5}
	own, _ := codec.MarshalToString(RelayMessage{Origin: "node-a", Room: "project:p1", Envelope: env})
	r.HandleRelay(own, "gateway:relay")
	assert.Empty(t, m.received(), "own messages are skipped")

	remote, _ := codec.MarshalToString(RelayMessage{Origin: "node-b", Room: "project:p1", Envelope: env})
	r.HandleRelay(remote, "gateway:relay")
	got := m.received()
	require.Len(t, got, 1)
	assert.Equal(t, EventProject, got[0].Type)
	assert.JSONEq(t, `{"v":2}`, string(got[0].Payload.(Envelope).Data))

	global, _ := codec.MarshalToString(RelayMessage{Origin: "node-b", Global: true, Envelope: env})
	r.HandleRelay(global, "gateway:relay")
	r.HandleRelay("{garbage", "gateway:relay")
	r.HandleRelay(`{"origin":"node-b","room":"bogus"}`, "gateway:relay")

	assert.Equal(t, []string{EventProject, EventGlobal}, types(m.received()))
	assert.Empty(t, pub.all(), "relayed events are never re-published")
}

func TestDisconnectUser(t *testing.T) {
	r, pub := fixture(t)
	ctx := context.Background()
	a1 := newMember("a1", owner)
	a2 := newMember("a2", owner)
	other := newMember("b", bobbie)
	for _, m := range []*fakeMember{a1, a2, other} {
		r.Register(m)
	}
	require.NoError(t, r.JoinProject(ctx, a1, "p1"))

	assert.Equal(t, 2, r.DisconnectUserEverywhere(ctx, "owner"))
	assert.Len(t, a1.closed, 1)
	assert.Len(t, a2.closed, 1)
	assert.Empty(t, other.closed)
	assert.Equal(t, 0, r.RoomInfo("project:p1").SocketCount)
	assert.Equal(t, 0, r.RoomInfo("user:owner").SocketCount)

	sent := pub.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "gateway:control", sent[0].channel)
	assert.Equal(t, ControlMessage{Origin: "node-a", Action: ActionDisconnectUser, UserID: "owner"}, sent[0].message)

	msg, _ := codec.MarshalToString(ControlMessage{Origin: "node-b", Action: ActionDisconnectUser, UserID: "bobbie"})
	r.HandleControl(msg, "gateway:control")
	assert.Len(t, other.closed, 1)

	self, _ := codec.MarshalToString(ControlMessage{Origin: "node-a", Action: ActionDisconnectUser, UserID: "bobbie"})
	r.HandleControl(self, "gateway:control")
	assert.Len(t, other.closed, 1)
}

func TestUnregisterRemovesEveryRoom(t *testing.T) {
	r, _ := fixture(t)
	ctx := context.Background()
	m := newMember("c1", owner)
	r.Register(m)
	require.NoError(t, r.JoinProject(ctx, m, "p1"))
	require.NoError(t, r.ViewStatusPage(ctx, m, "public"))
	assert.Len(t, r.Rooms("c1"), 3)

	r.Unregister("c1")
	r.Unregister("c1")
	assert.Nil(t, r.Rooms("c1"))
	assert.Equal(t, Stats{}, r.Stats())

	err := r.JoinProject(ctx, m, "p2")
	assert.True(t, errors.Is(err, errs.ErrAuthenticationFailed))
}

type failingLookups struct{}

func (failingLookups) LookupProject(context.Context, string) (*directory.Project, error) {
	return nil, errors.New("db down")
}
func (failingLookups) LookupStatusPageBySlug(context.Context, string) (*directory.StatusPage, error) {
	return nil, errors.New("db down")
}

func TestLookupFailureIsInternal(t *testing.T) {
	r := NewRouter(Config{NodeID: "n"}, failingLookups{}, nil, zap.NewNop(), nil)
	m := newMember("c1", owner)
	r.Register(m)

	err := r.JoinProject(context.Background(), m, "p1")
	assert.True(t, errors.Is(err, errs.ErrInternal))
	assert.Equal(t, "Failed to join project", errs.PublicMessage(err))
	assert.NotContains(t, errs.PublicMessage(err), "db down")
}

func TestConcurrentMembership(t *testing.T) {
	r, _ := fixture(t)
	ctx := context.Background()
	const n = 50

	members := make([]*fakeMember, n)
	for i := range members {
		members[i] = newMember(fmt.Sprintf("c%02d", i), owner)
		r.Register(members[i])
	}

	var wg sync.WaitGroup
	for _, m := range members {
		m := m
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = r.JoinProject(ctx, m, "p1")
				r.LeaveProject(m, "p1")
			}
			_ = r.JoinProject(ctx, m, "p1")
		}()
		go func() {
			defer wg.Done()
			r.BroadcastToProject(ctx, "p1", Event{Type: "TICK"})
		}()
	}
	wg.Wait()

	assert.Equal(t, n, r.RoomInfo("project:p1").SocketCount)
	for _, m := range members {
		assert.Equal(t, []string{"project:p1", "user:owner"}, r.Rooms(m.id))
	}
}
