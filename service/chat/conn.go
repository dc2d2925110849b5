package chat

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"PPGateway/service/directory"
)

type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// 自定义关闭码
const (
	CloseAuthFailed = 4001
	CloseEvicted    = 4002
)

// Conn is one client WebSocket. Reads happen on the HandleWS goroutine,
// writes on writePump; everything else goes through the send queue.
type Conn struct {
	id        string
	ws        *websocket.Conn
	remote    string
	createdAt time.Time
	s         *Server
	log       *zap.Logger

	user  atomic.Pointer[directory.User]
	state atomic.Int32
	send  chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	authMu    sync.Mutex
	authTimer *time.Timer

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(s *Server, id string, ws *websocket.Conn, remote string) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:        id,
		ws:        ws,
		remote:    remote,
		createdAt: s.now(),
		s:         s,
		log:       s.log.With(zap.String("conn_id", id)),
		send:      make(chan []byte, s.opts.SendQueue),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *Conn) ID() string { return c.id }
func (c *Conn) User() *directory.User { return c.user.Load() }
func (c *Conn) State() State { return State(c.state.Load()) }
func (c *Conn) RemoteAddr() string { return c.remote }
func (c *Conn) CreatedAt() time.Time { return c.createdAt }
func (c *Conn) Context() context.Context { return c.ctx }
func (c *Conn) Done() <-chan struct{} { return c.done }
func (c *Conn) setState(s State) { c.state.Store(int32(s)) }
func (c *Conn) userID() string {
	if u := c.User(); u != nil {
		return u.ID
	}
	return ""
}

// Emit queues a frame without blocking. A full queue or a closed connection
// drops the frame.
func (c *Conn) Emit(frameType string, payload any) bool {
	if c.ctx.Err() != nil {
		return false
	}
	b, err := EncodeFrame(frameType, payload)
	if err != nil {
		c.log.Error("encode frame", zap.String("type", frameType), zap.Error(err))
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		c.s.metrics.Drop()
		c.log.Warn("send queue full, frame dropped", zap.String("type", frameType), zap.String("user_id", c.userID()))
		return false
	}
}

// Close tears the connection down without waiting for the client.
func (c *Conn) Close(reason string) {
	c.teardown(websocket.CloseNormalClosure, reason)
}

// CloseWith is Close with an explicit close code.
func (c *Conn) CloseWith(code int, reason string) {
	c.teardown(code, reason)
}

// armAuthTimer closes the connection with CloseAuthFailed unless it
// authenticates within d.
func (c *Conn) armAuthTimer(d time.Duration) {
	c.setState(StateAuthenticating)
	c.authMu.Lock()
	defer c.authMu.Unlock()
	c.authTimer = time.AfterFunc(d, func() {
		if c.User() == nil {
			c.log.Info("authentication timeout", zap.String("remote_addr", c.remote))
			c.teardown(CloseAuthFailed, "Authentication timeout")
		}
	})
}

func (c *Conn) stopAuthTimer() {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
}

// teardown runs exactly once: cancel in-flight work, leave every room,
// drop presence, then close the socket.
func (c *Conn) teardown(code int, reason string) {
	c.closeOnce.Do(func() {
		prev := c.State()
		c.setState(StateClosed)
		c.cancel()
		c.stopAuthTimer()

		c.s.router.Unregister(c.id)
		c.s.untrack(c)

		if u := c.User(); u != nil && c.s.presence != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := c.s.presence.Offline(ctx, u.ID, c.id); err != nil {
				c.log.Warn("presence offline failed", zap.String("user_id", u.ID), zap.Error(err))
			}
			cancel()
		}

		deadline := time.Now().Add(c.s.opts.WriteWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()

		c.s.metrics.ConnClosed()
		c.log.Info("connection closed",
			zap.String("user_id", c.userID()),
			zap.String("prev_state", prev.String()),
			zap.Int("code", code),
			zap.String("reason", reason),
			zap.Duration("lifetime", c.s.now().Sub(c.createdAt)))
		close(c.done)
	})
}

func (c *Conn) readPump() {
	c.ws.SetReadLimit(c.s.opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.s.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.s.opts.PongWait))
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			c.logReadError(err)
			c.teardown(websocket.CloseNormalClosure, "")
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.s.opts.PongWait))
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		c.s.dispatch(c, data)
		if c.ctx.Err() != nil {
			return
		}
	}
}

func (c *Conn) logReadError(err error) {
	if c.ctx.Err() != nil {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		c.log.Debug("peer closed", zap.String("user_id", c.userID()), zap.Error(err))
	} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
		c.log.Info("read timeout", zap.String("user_id", c.userID()), zap.Error(err))
	} else {
		c.log.Info("read error", zap.String("user_id", c.userID()), zap.Error(err))
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.s.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case b := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.s.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				c.log.Info("write error", zap.String("user_id", c.userID()), zap.Error(err))
				c.teardown(websocket.CloseGoingAway, "")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.s.opts.WriteWait)); err != nil {
				c.log.Info("ping error", zap.String("user_id", c.userID()), zap.Error(err))
				c.teardown(websocket.CloseGoingAway, "")
				return
			}
		}
	}
}
