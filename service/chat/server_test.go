package chat_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"PPGateway/service/auth"
	"PPGateway/service/chat"
	"PPGateway/service/chat/handlers"
	"PPGateway/service/directory"
	"PPGateway/service/room"
	"PPGateway/tools/security"
)

type fakePresence struct {
	mu        sync.Mutex
	online    map[string]int
	heartbeat map[string]int
	offline   map[string]int
}

func (p *fakePresence) Online(_ context.Context, userID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[userID]++
	return nil
}

func (p *fakePresence) Heartbeat(_ context.Context, userID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.heartbeat[userID]++
	return nil
}

func (p *fakePresence) heartbeatCount(userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.heartbeat[userID]
}

func (p *fakePresence) Offline(_ context.Context, userID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offline[userID]++
	return nil
}

func (p *fakePresence) offlineCount(userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offline[userID]
}

type gateway struct {
	url      string
	srv      *chat.Server
	router   *room.Router
	presence *fakePresence
	jwt      security.Options
}

func newGateway(t *testing.T, opts chat.Options) *gateway {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := directory.NewMemory()
	dir.PutUser(directory.User{ID: "u1", Role: "member"})
	dir.PutUser(directory.User{ID: "u2", Role: "member"})
	dir.PutProject(directory.Project{ID: "public", OwnerID: "u2"})
	dir.PutProject(directory.Project{ID: "private", OwnerID: "u2", IsPrivate: true})
	dir.PutStatusPage(directory.StatusPage{ID: "s1", Slug: "acme", OwnerID: "u2"})

	jwtOpts := security.DefaultOptions([]byte("gateway-test"))
	router := room.NewRouter(room.Config{NodeID: "n1"}, dir, nil, zap.NewNop(), nil)
	presence := &fakePresence{online: map[string]int{}, heartbeat: map[string]int{}, offline: map[string]int{}}
	opts.NodeID = "n1"
	srv := chat.NewServer(opts, router, auth.New(jwtOpts, dir, nil, nil), presence, nil, zap.NewNop(), nil)
	handlers.RegisterAll(srv.Disp())

	engine := gin.New()
	engine.GET("/ws", srv.HandleWS)
	ts := httptest.NewServer(engine)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})

	return &gateway{
		url:      "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		srv:      srv,
		router:   router,
		presence: presence,
		jwt:      jwtOpts,
	}
}

func (g *gateway) token(t *testing.T, userID string) string {
	t.Helper()
	tok, _, err := security.Generate(g.jwt, userID, nil)
	require.NoError(t, err)
	return tok
}

func (g *gateway) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(g.url+query, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// session dials with a handshake token and returns the connection id.
func (g *gateway) session(t *testing.T, userID string) (*websocket.Conn, string) {
	t.Helper()
	ws := g.dial(t, "?token="+g.token(t, userID))
	f := read(t, ws)
	require.Equal(t, chat.FrameSessionEstablished, f.Type)
	var p chat.SessionPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	assert.Equal(t, userID, p.UserID)
	assert.Equal(t, "n1", p.NodeID)
	return ws, p.ConnID
}

func send(t *testing.T, ws *websocket.Conn, frameType string, payload any) {
	t.Helper()
	b, err := chat.EncodeFrame(frameType, payload)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, b))
}

func read(t *testing.T, ws *websocket.Conn) chat.Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var f chat.Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func errorMessage(t *testing.T, f chat.Frame) string {
	t.Helper()
	require.Equal(t, chat.FrameError, f.Type)
	var p chat.ErrorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	return p.Message
}

func closeCode(t *testing.T, ws *websocket.Conn) int {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected close error, got %v", err)
		return ce.Code
	}
}

func TestHandshakeAuthAndControlFlow(t *testing.T) {
	g := newGateway(t, chat.Options{})
	ws, connID := g.session(t, "u1")

	assert.Equal(t, []string{connID}, g.router.RoomInfo("user:u1").MemberIDs)

	send(t, ws, chat.FrameJoinProject, chat.ProjectPayload{ProjectID: "public"})
	f := read(t, ws)
	assert.Equal(t, chat.FrameJoinedProject, f.Type)
	assert.JSONEq(t, `{"projectId":"public"}`, string(f.Payload))
	assert.Equal(t, 1, g.router.RoomInfo("project:public").SocketCount)

	send(t, ws, chat.FrameViewStatusPage, chat.StatusPagePayload{Slug: "acme"})
	assert.Equal(t, chat.FrameViewingStatusPage, read(t, ws).Type)

	send(t, ws, chat.FramePing, nil)
	assert.Equal(t, chat.FramePong, read(t, ws).Type)

	send(t, ws, chat.FrameLeaveProject, chat.ProjectPayload{ProjectID: "public"})
	assert.Equal(t, chat.FrameLeftProject, read(t, ws).Type)
	send(t, ws, chat.FrameLeaveProject, chat.ProjectPayload{ProjectID: "never"})
	assert.Equal(t, chat.FrameLeftProject, read(t, ws).Type)
	assert.Equal(t, 0, g.router.RoomInfo("project:public").SocketCount)
}

func TestHandshakeRejectsBadCredential(t *testing.T) {
	g := newGateway(t, chat.Options{})
	_, resp, err := websocket.DefaultDialer.Dial(g.url+"?token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, g.srv.Connections())
}

func TestNothingProcessedBeforeAuth(t *testing.T) {
	g := newGateway(t, chat.Options{})
	ws := g.dial(t, "")

	send(t, ws, chat.FrameJoinProject, chat.ProjectPayload{ProjectID: "public"})
	assert.Equal(t, "Authentication required", errorMessage(t, read(t, ws)))
	send(t, ws, chat.FramePing, nil)
	assert.Equal(t, "Authentication required", errorMessage(t, read(t, ws)))
	// 公开状态页也要先认证
	send(t, ws, chat.FrameViewStatusPage, chat.StatusPagePayload{Slug: "acme"})
	assert.Equal(t, "Authentication required", errorMessage(t, read(t, ws)))
	assert.Equal(t, 0, g.router.RoomInfo("project:public").SocketCount)
	assert.Equal(t, 0, g.router.RoomInfo("status:acme").SocketCount)

	send(t, ws, chat.FrameAuth, chat.AuthPayload{Token: g.token(t, "u1")})
	assert.Equal(t, chat.FrameSessionEstablished, read(t, ws).Type)

	send(t, ws, chat.FrameJoinProject, chat.ProjectPayload{ProjectID: "public"})
	assert.Equal(t, chat.FrameJoinedProject, read(t, ws).Type)

	send(t, ws, chat.FrameAuth, chat.AuthPayload{Token: g.token(t, "u1")})
	assert.Equal(t, "Already authenticated", errorMessage(t, read(t, ws)))
}

func TestInBandAuthFailureCloses(t *testing.T) {
	g := newGateway(t, chat.Options{})
	ws := g.dial(t, "")
	send(t, ws, chat.FrameAuth, chat.AuthPayload{Token: "garbage"})
	assert.Equal(t, chat.CloseAuthFailed, closeCode(t, ws))
}

func TestAuthTimeoutCloses(t *testing.T) {
	g := newGateway(t, chat.Options{AuthTimeout: 100 * time.Millisecond})
	ws := g.dial(t, "")
	assert.Equal(t, chat.CloseAuthFailed, closeCode(t, ws))
	require.Eventually(t, func() bool { return g.srv.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRouterErrorsGoToOriginOnly(t *testing.T) {
	g := newGateway(t, chat.Options{})
	ws, connID := g.session(t, "u1")
	other, _ := g.session(t, "u2")

	send(t, ws, chat.FrameJoinProject, chat.ProjectPayload{ProjectID: "private"})
	assert.Equal(t, "Access denied to private project", errorMessage(t, read(t, ws)))
	assert.NotContains(t, g.router.RoomInfo("project:private").MemberIDs, connID)

	send(t, ws, chat.FrameJoinProject, chat.ProjectPayload{ProjectID: "nope"})
	assert.Equal(t, "Project not found", errorMessage(t, read(t, ws)))

	send(t, ws, "dance", nil)
	assert.Equal(t, "Unknown message type: dance", errorMessage(t, read(t, ws)))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, "Invalid message format", errorMessage(t, read(t, ws)))

	// 其他连接收不到错误
	send(t, other, chat.FramePing, nil)
	assert.Equal(t, chat.FramePong, read(t, other).Type)
}

func TestBroadcastReachesSocket(t *testing.T) {
	g := newGateway(t, chat.Options{})
	ws, _ := g.session(t, "u1")
	send(t, ws, chat.FrameJoinProject, chat.ProjectPayload{ProjectID: "public"})
	require.Equal(t, chat.FrameJoinedProject, read(t, ws).Type)

	n := g.router.BroadcastToProject(context.Background(), "public", room.Event{
		Type: "COMPONENT_STATUS_CHANGED",
		Data: json.RawMessage(`{"status":"degraded"}`),
	})
	assert.Equal(t, 1, n)

	f := read(t, ws)
	assert.Equal(t, room.EventProject, f.Type)
	var env room.Envelope
	require.NoError(t, json.Unmarshal(f.Payload, &env))
	assert.Equal(t, "COMPONENT_STATUS_CHANGED", env.Type)
	assert.Equal(t, "public", env.TargetID)
	assert.JSONEq(t, `{"status":"degraded"}`, string(env.Data))
	assert.NotZero(t, env.Timestamp)

	g.router.SendToUser(context.Background(), "u1", room.Event{Type: "NOTICE"})
	assert.Equal(t, room.EventUser, read(t, ws).Type)
}

func TestClientCloseTearsDown(t *testing.T) {
	g := newGateway(t, chat.Options{})
	ws, connID := g.session(t, "u1")
	send(t, ws, chat.FrameJoinProject, chat.ProjectPayload{ProjectID: "public"})
	require.Equal(t, chat.FrameJoinedProject, read(t, ws).Type)

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = ws.Close()

	require.Eventually(t, func() bool { return g.srv.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Nil(t, g.router.Rooms(connID))
	assert.Equal(t, 0, g.router.RoomInfo("project:public").SocketCount)
	assert.Equal(t, 1, g.presence.offlineCount("u1"))
}

func TestDisconnectUserClosesEverySession(t *testing.T) {
	g := newGateway(t, chat.Options{})
	a, _ := g.session(t, "u1")
	b, _ := g.session(t, "u1")
	c, _ := g.session(t, "u2")

	assert.Equal(t, 2, g.router.DisconnectUser("u1"))
	assert.Equal(t, websocket.CloseNormalClosure, closeCode(t, a))
	assert.Equal(t, websocket.CloseNormalClosure, closeCode(t, b))

	send(t, c, chat.FramePing, nil)
	assert.Equal(t, chat.FramePong, read(t, c).Type)
	require.Eventually(t, func() bool { return g.srv.Connections() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, g.presence.offlineCount("u1"))
}

func TestMaxConnsPerUserEvictsOldest(t *testing.T) {
	g := newGateway(t, chat.Options{MaxConnsPerUser: 2})
	first, _ := g.session(t, "u1")
	second, _ := g.session(t, "u1")
	_, third := g.session(t, "u1")

	assert.Equal(t, chat.CloseEvicted, closeCode(t, first))
	send(t, second, chat.FramePing, nil)
	assert.Equal(t, chat.FramePong, read(t, second).Type)

	require.Eventually(t, func() bool { return g.router.RoomInfo("user:u1").SocketCount == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, g.router.RoomInfo("user:u1").MemberIDs, third)
}

func TestShutdownClosesConnections(t *testing.T) {
	g := newGateway(t, chat.Options{})
	ws, _ := g.session(t, "u1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, g.srv.Shutdown(ctx))
	assert.Equal(t, websocket.CloseGoingAway, closeCode(t, ws))
	assert.Equal(t, 0, g.srv.Connections())
}

func TestPingAndSweepRefreshPresence(t *testing.T) {
	g := newGateway(t, chat.Options{})
	ws, _ := g.session(t, "u1")
	g.session(t, "u2")
	g.dial(t, "")

	send(t, ws, chat.FramePing, nil)
	require.Equal(t, chat.FramePong, read(t, ws).Type)
	assert.Equal(t, 1, g.presence.heartbeatCount("u1"))
	assert.Equal(t, 0, g.presence.heartbeatCount("u2"))

	// 未认证连接不续期
	require.Eventually(t, func() bool { return g.srv.Connections() == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, g.srv.RefreshPresence(context.Background()))
	assert.Equal(t, 2, g.presence.heartbeatCount("u1"))
	assert.Equal(t, 1, g.presence.heartbeatCount("u2"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.srv.KeepPresence(ctx, 5*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool { return g.presence.heartbeatCount("u2") >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
