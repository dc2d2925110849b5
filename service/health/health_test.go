package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"PPGateway/middleware"
	"PPGateway/service/directory"
	"PPGateway/service/room"
	"PPGateway/service/storage"
	gwredis "PPGateway/service/storage/redis"
	"PPGateway/tools/errs"
)

type fakeBroker struct {
	mu     sync.Mutex
	rtt    time.Duration
	err    error
	links  []gwredis.LinkStatus
	panics bool
}

func (b *fakeBroker) Ping(context.Context) (time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.panics {
		panic("probe exploded")
	}
	return b.rtt, b.err
}

func (b *fakeBroker) Status() []gwredis.LinkStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.links
}

func (b *fakeBroker) set(links []gwredis.LinkStatus, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.links, b.err = links, err
}

type fixedConns int

func (n fixedConns) Connections() int { return int(n) }

type fakePresence map[string][]storage.Session

func (p fakePresence) Sessions(_ context.Context, userID string) ([]storage.Session, error) {
	if userID == "broken" {
		return nil, errs.ErrBrokerUnavailable
	}
	return p[userID], nil
}

type member struct{ id string }

func (m member) ID() string            { return m.id }
func (m member) User() *directory.User { return &directory.User{ID: "u-" + m.id} }
func (m member) Emit(string, any) bool { return true }
func (m member) Close(string)          {}

func readyLinks() []gwredis.LinkStatus {
	return []gwredis.LinkStatus{
		{Name: gwredis.LinkGeneral, State: gwredis.StateReady},
		{Name: gwredis.LinkPublisher, State: gwredis.StateReady},
		{Name: gwredis.LinkSubscriber, State: gwredis.StateReady},
	}
}

func TestHealthCheck(t *testing.T) {
	router := room.NewRouter(room.Config{NodeID: "n"}, directory.NewMemory(), nil, nil, nil)
	router.Register(member{id: "c1"})

	h := New(&fakeBroker{rtt: 1500 * time.Microsecond, links: readyLinks()}, fixedConns(3), router, nil, zap.NewNop(), nil)
	rep := h.HealthCheck(context.Background())
	assert.True(t, rep.Healthy)
	assert.Empty(t, rep.Error)
	assert.True(t, rep.Details.Connected)
	assert.InDelta(t, 1.5, rep.Details.LatencyMs, 0.001)
	assert.Equal(t, 3, rep.Details.Connections)
	assert.Equal(t, 1, rep.Details.Rooms)
	assert.NotZero(t, rep.Details.Memory.HeapAlloc)
	assert.Len(t, rep.Details.Links, 3)
}

func TestHealthCheckDegraded(t *testing.T) {
	down := &fakeBroker{err: errs.ErrBrokerUnavailable.WrapMsg("link not ready", "link", "general")}
	rep := New(down, nil, nil, nil, nil, nil).HealthCheck(context.Background())
	assert.False(t, rep.Healthy)
	assert.False(t, rep.Details.Connected)
	assert.Contains(t, rep.Error, "Broker unavailable")

	links := readyLinks()
	links[2].State = gwredis.StateFailed
	partial := &fakeBroker{links: links}
	rep = New(partial, nil, nil, nil, nil, nil).HealthCheck(context.Background())
	assert.False(t, rep.Healthy)
	assert.Equal(t, "broker link subscriber is failed", rep.Error)

	rep = New(nil, nil, nil, nil, nil, nil).HealthCheck(context.Background())
	assert.False(t, rep.Healthy)
}

func TestHealthCheckNeverPanics(t *testing.T) {
	h := New(&fakeBroker{panics: true}, nil, nil, nil, nil, nil)
	var rep Report
	require.NotPanics(t, func() { rep = h.HealthCheck(context.Background()) })
	assert.False(t, rep.Healthy)
	assert.Equal(t, "health check failed", rep.Error)
}

func TestHTTPRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := room.NewRouter(room.Config{NodeID: "n"}, directory.NewMemory(), nil, nil, nil)
	router.Register(member{id: "c1"})
	presence := fakePresence{"u1": {{Node: "n", ConnID: "c1"}}}

	broker := &fakeBroker{links: readyLinks()}
	h := New(broker, fixedConns(1), router, presence, zap.NewNop(), nil)
	r := gin.New()
	h.Register(r, middleware.RouteOpt{IsAuth: true, Token: "t"})

	get := func(path string, auth bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if auth {
			req.Header.Set(middleware.HeaderServiceToken, "t")
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := get("/health", false)
	assert.Equal(t, http.StatusOK, w.Code)
	var rep Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
	assert.True(t, rep.Healthy)

	broker.err = errors.New("dial tcp: connection refused")
	w = get("/health", false)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")

	assert.Equal(t, http.StatusUnauthorized, get("/rooms/user:u-c1", false).Code)
	w = get("/rooms/user:u-c1", true)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"room":"user:u-c1","socketCount":1,"memberIds":["c1"]}`, w.Body.String())

	w = get("/rooms/project:empty", true)
	assert.JSONEq(t, `{"room":"project:empty","socketCount":0,"memberIds":[]}`, w.Body.String())
	assert.Equal(t, http.StatusBadRequest, get("/rooms/bogus", true).Code)

	w = get("/presence/u1", true)
	assert.JSONEq(t, `{"userId":"u1","online":true,"sessions":[{"node":"n","connId":"c1"}]}`, w.Body.String())
	w = get("/presence/nobody", true)
	assert.JSONEq(t, `{"userId":"nobody","online":false,"sessions":[]}`, w.Body.String())
	assert.Equal(t, http.StatusServiceUnavailable, get("/presence/broken", true).Code)
}

func TestWatchUpdatesGRPCStatus(t *testing.T) {
	broker := &fakeBroker{err: errors.New("down")}
	h := New(broker, nil, nil, nil, zap.NewNop(), nil)
	srv := grpchealth.NewServer()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Watch(ctx, srv, 10*time.Millisecond)
		close(done)
	}()

	status := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{})
		if err != nil {
			return healthpb.HealthCheckResponse_UNKNOWN
		}
		return resp.Status
	}
	require.Eventually(t, func() bool { return status() == healthpb.HealthCheckResponse_NOT_SERVING }, time.Second, 5*time.Millisecond)

	broker.set(readyLinks(), nil)
	require.Eventually(t, func() bool { return status() == healthpb.HealthCheckResponse_SERVING }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
