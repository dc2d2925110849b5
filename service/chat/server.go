package chat

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"PPGateway/middleware"
	"PPGateway/service/auth"
	"PPGateway/service/directory"
	"PPGateway/service/metrics"
	"PPGateway/service/room"
	"PPGateway/tools/errs"
	"PPGateway/tools/ids"
	"PPGateway/tools/safe"
)

type Options struct {
	NodeID          string
	SendQueue       int
	MaxConnsPerUser int
	WriteWait       time.Duration
	PongWait        time.Duration
	PingPeriod      time.Duration
	MaxMessageSize  int64
	AuthTimeout     time.Duration
	AllowedOrigins  []string
}

func (o *Options) norm() {
	if o.SendQueue <= 0 {
		o.SendQueue = 256
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 << 10
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = 10 * time.Second
	}
}

// Authenticator resolves a credential to a user.
type Authenticator interface {
	Authenticate(ctx context.Context, credential, remoteAddr string) (*directory.User, error)
}

// Presence records which node holds a user's sessions.
type Presence interface {
	Online(ctx context.Context, userID, connID string) error
	Heartbeat(ctx context.Context, userID, connID string) error
	Offline(ctx context.Context, userID, connID string) error
}

// Server owns the WebSocket surface of one gateway node.
type Server struct {
	opts     Options
	router   *room.Router
	auth     Authenticator
	presence Presence
	disp     *Dispatcher
	connMgr  *ConnManager
	ids      *ids.Generator
	log      *zap.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	now      func() time.Time

	wg       sync.WaitGroup
	mu       sync.Mutex
	draining bool
}

// NewServer wires a gateway server. presence and m may be nil.
func NewServer(opts Options, router *room.Router, authn Authenticator, presence Presence, gen *ids.Generator, log *zap.Logger, m *metrics.Metrics) *Server {
	safe.MustNotNil(router, "router")
	safe.MustNotNil(authn, "authenticator")
	opts.norm()
	if log == nil {
		log = zap.NewNop()
	}
	if gen == nil {
		gen = ids.NewGenerator(1)
	}
	s := &Server{
		opts:     opts,
		router:   router,
		auth:     authn,
		presence: presence,
		disp:     NewDispatcher(),
		connMgr:  NewConnManager(opts.MaxConnsPerUser),
		ids:      gen,
		log:      log,
		metrics:  m,
		now:      time.Now,
	}
	allowed := opts.AllowedOrigins
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return middleware.OriginAllowed(allowed, r.Header.Get("Origin"))
		},
	}
	return s
}

func (s *Server) Disp() *Dispatcher { return s.disp }
func (s *Server) Router() *room.Router { return s.router }
func (s *Server) ConnMgr() *ConnManager { return s.connMgr }
func (s *Server) NodeID() string { return s.opts.NodeID }
func (s *Server) Connections() int { return s.connMgr.Count() }

// HandleWS upgrades the request. A handshake credential is verified before
// the upgrade; without one the client must send an auth frame first.
func (s *Server) HandleWS(c *gin.Context) {
	s.mu.Lock()
	draining := s.draining
	if !draining {
		s.wg.Add(1)
	}
	s.mu.Unlock()
	if draining {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"code": errs.CodeBrokerUnavailable, "message": "Shutting down"})
		return
	}
	defer s.wg.Done()

	remote := c.ClientIP()
	var user *directory.User
	if cred := auth.ExtractCredential(c.Request); cred != "" {
		u, err := s.auth.Authenticate(c.Request.Context(), cred, remote)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": errs.CodeAuthenticationFailed, "message": errs.PublicMessage(err)})
			return
		}
		user = u
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败，upgrader 已写回响应
		s.log.Info("upgrade websocket failed", zap.String("remote_addr", remote), zap.Error(err))
		return
	}

	conn := newConn(s, s.ids.NextString(), ws, remote)
	s.connMgr.add(conn)
	s.metrics.ConnOpened()
	conn.log.Info("connection opened", zap.String("remote_addr", remote), zap.Bool("handshake_auth", user != nil))

	safe.Go(s.log, "ws-write-"+conn.id, conn.writePump)
	if user != nil {
		s.establish(conn, user)
	} else {
		conn.armAuthTimer(s.opts.AuthTimeout)
	}
	conn.readPump()
}

// Authenticate handles an in-band credential. Failure closes the connection
// with CloseAuthFailed.
func (s *Server) Authenticate(ctx context.Context, c *Conn, credential string) error {
	u, err := s.auth.Authenticate(ctx, credential, c.remote)
	if err != nil {
		c.CloseWith(CloseAuthFailed, errs.PublicMessage(err))
		return err
	}
	s.establish(c, u)
	return nil
}

func (s *Server) establish(c *Conn, u *directory.User) {
	c.stopAuthTimer()
	if !c.user.CompareAndSwap(nil, u) {
		return
	}
	c.setState(StateAuthenticated)

	for _, old := range s.connMgr.bindUser(c, u.ID) {
		old.log.Info("evicting oldest connection", zap.String("user_id", u.ID), zap.Int("limit", s.opts.MaxConnsPerUser))
		old.CloseWith(CloseEvicted, "Too many connections")
	}

	s.router.Register(c)
	if c.ctx.Err() != nil {
		// teardown 已经跑过，撤销注册
		s.router.Unregister(c.id)
		return
	}

	if s.presence != nil {
		if err := s.presence.Online(c.ctx, u.ID, c.id); err != nil {
			c.log.Warn("presence online failed", zap.String("user_id", u.ID), zap.Error(err))
		}
	}
	c.Emit(FrameSessionEstablished, SessionPayload{ConnID: c.id, UserID: u.ID, NodeID: s.opts.NodeID})
	c.log.Info("session established", zap.String("user_id", u.ID), zap.String("remote_addr", c.remote))
}

// Heartbeat refreshes presence for one authenticated connection.
func (s *Server) Heartbeat(ctx context.Context, c *Conn) {
	u := c.User()
	if u == nil || s.presence == nil {
		return
	}
	if err := s.presence.Heartbeat(ctx, u.ID, c.id); err != nil {
		c.log.Warn("presence heartbeat failed", zap.String("user_id", u.ID), zap.Error(err))
	}
}

// RefreshPresence heartbeats every authenticated connection on this node.
func (s *Server) RefreshPresence(ctx context.Context) int {
	n := 0
	for _, c := range s.connMgr.listAll() {
		if ctx.Err() != nil {
			break
		}
		if c.User() == nil || c.ctx.Err() != nil {
			continue
		}
		s.Heartbeat(ctx, c)
		n++
	}
	return n
}

// KeepPresence runs RefreshPresence every interval until ctx ends.
func (s *Server) KeepPresence(ctx context.Context, every time.Duration) {
	if s.presence == nil || every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		n := s.RefreshPresence(ctx)
		s.log.Debug("presence refreshed", zap.Int("sessions", n))
	}
}

func (s *Server) untrack(c *Conn) {
	s.connMgr.remove(c)
}

func (s *Server) dispatch(c *Conn, data []byte) {
	f, err := ParseFrame(data)
	if err != nil {
		s.metrics.Control("invalid", "error")
		c.log.Debug("bad frame", zap.Int("len", len(data)), zap.Error(err))
		c.Emit(FrameError, ErrorPayload{Message: errs.PublicMessage(err)})
		return
	}

	h := s.disp.GetHandler(f.Type)
	if h == nil {
		s.metrics.Control("unknown", "error")
		c.Emit(FrameError, ErrorPayload{Message: "Unknown message type: " + f.Type})
		return
	}
	if h.RequiresAuth() && c.User() == nil {
		s.metrics.Control(f.Type, "unauthenticated")
		c.Emit(FrameError, ErrorPayload{Message: room.ErrAuthenticationMissing.Msg})
		return
	}

	ctx := &Context{Context: c.ctx, S: s, Conn: c}
	var herr error
	ok := safe.Run(c.log, "handle-"+f.Type, func() { herr = h.Handle(ctx, f.Payload) })
	if !ok {
		herr = errs.ErrInternal
	}
	if herr == nil {
		s.metrics.Control(f.Type, "ok")
		return
	}

	s.metrics.Control(f.Type, "error")
	if c.ctx.Err() != nil {
		return
	}
	fields := []zap.Field{zap.String("type", f.Type), zap.String("user_id", c.userID()), zap.Error(herr)}
	if errs.Code(herr) >= errs.CodeInternal {
		c.log.Error("handler failed", fields...)
	} else {
		c.log.Info("handler rejected", fields...)
	}
	c.Emit(FrameError, ErrorPayload{Message: errs.PublicMessage(herr)})
}

// Shutdown closes every connection with CloseGoingAway and waits for their
// handlers to return.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	for _, c := range s.connMgr.listAll() {
		c.CloseWith(websocket.CloseGoingAway, "Server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errs.ErrInternal.WrapMsg("shutdown timed out", "open", s.connMgr.Count()), ctx.Err())
	}
}
