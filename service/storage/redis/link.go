package redis

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"PPGateway/tools/errs"
)

type LinkName string

const (
	LinkGeneral    LinkName = "general"
	LinkPublisher  LinkName = "publisher"
	LinkSubscriber LinkName = "subscriber"
)

// State of one logical link.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateReady        State = "ready"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// Endpoint is what a link needs from the transport.
type Endpoint interface {
	Ping(ctx context.Context) error
	Close() error
}

type clientEndpoint struct{ c *redis.Client }

func (e clientEndpoint) Ping(ctx context.Context) error { return e.c.Ping(ctx).Err() }
func (e clientEndpoint) Close() error                   { return e.c.Close() }

// LinkStatus is a point-in-time view of a link.
type LinkStatus struct {
	Name      LinkName `json:"name"`
	State     State    `json:"state"`
	Retries   int      `json:"retries"`
	LastError string   `json:"lastError,omitempty"`
}

type link struct {
	name LinkName
	ep   Endpoint
	opts *Options
	log  *zap.Logger

	mu      sync.Mutex
	state   State
	lastErr error
	retries int
}

func (l *link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *link) status() LinkStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := LinkStatus{Name: l.name, State: l.state, Retries: l.retries}
	if l.lastErr != nil {
		s.LastError = l.lastErr.Error()
	}
	return s
}

// setState must be called with l.mu held. Terminal states are sticky.
func (l *link) setState(s State) bool {
	if l.state == StateClosed || (l.state == StateFailed && s != StateClosed) {
		return false
	}
	l.state = s
	return true
}

func (l *link) transition(s State, fields ...zap.Field) {
	l.mu.Lock()
	changed := l.setState(s)
	retries := l.retries
	l.mu.Unlock()
	if !changed {
		return
	}
	fields = append(fields, zap.String("state", string(s)), zap.Int("retries", retries))
	switch s {
	case StateFailed:
		l.log.Error("redis link failed, giving up", fields...)
	case StateReconnecting:
		l.log.Warn("redis link reconnecting", fields...)
	default:
		l.log.Info("redis link "+string(s), fields...)
	}
	if l.opts.OnStateChange != nil {
		l.opts.OnStateChange(l.name, s)
	}
}

func (l *link) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.opts.PingTimeout)
	defer cancel()
	return l.ep.Ping(ctx)
}

// fail records a transport error seen outside establish. It counts as the
// first retry of the reconnect that follows.
func (l *link) fail(err error) {
	l.mu.Lock()
	l.retries++
	l.lastErr = err
	retries := l.retries
	l.mu.Unlock()
	l.log.Warn("redis link error", zap.Error(err), zap.Int("retries", retries))
}

// establish pings until success, waiting min(retries*step, cap) between
// attempts. After MaxRetries consecutive failures the link is failed for good.
// A reconnect picks up the retries already counted by fail and backs off
// before its first ping.
func (l *link) establish(ctx context.Context, stop <-chan struct{}, reconnect bool) error {
	if reconnect {
		l.transition(StateReconnecting)
		l.mu.Lock()
		retries, lastErr := l.retries, l.lastErr
		l.mu.Unlock()
		if retries > 0 {
			if retries >= l.opts.MaxRetries {
				return l.giveUp(lastErr)
			}
			if err := l.wait(ctx, stop, retries); err != nil {
				return err
			}
		}
	} else {
		l.transition(StateConnecting)
	}
	for {
		select {
		case <-stop:
			return errs.ErrBrokerUnavailable.WrapMsg("broker closed", "link", l.name)
		default:
		}

		err := l.ping(ctx)
		if err == nil {
			l.mu.Lock()
			l.retries = 0
			l.lastErr = nil
			l.mu.Unlock()
			l.transition(StateReady)
			return nil
		}

		l.mu.Lock()
		l.retries++
		l.lastErr = err
		retries := l.retries
		l.mu.Unlock()
		l.log.Warn("redis link error", zap.Error(err), zap.Int("retries", retries))

		if retries >= l.opts.MaxRetries {
			return l.giveUp(err)
		}
		l.transition(StateReconnecting)
		if err := l.wait(ctx, stop, retries); err != nil {
			return err
		}
	}
}

func (l *link) giveUp(err error) error {
	l.transition(StateFailed, zap.Error(err))
	return errs.Wrap(errs.ErrBrokerUnavailable, err, "link "+string(l.name)+" exhausted retries")
}

// wait sleeps Backoff(retries) unless ctx ends or the broker stops.
func (l *link) wait(ctx context.Context, stop <-chan struct{}, retries int) error {
	t := time.NewTimer(l.opts.Backoff(retries))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return errs.ErrBrokerUnavailable.WrapMsg("broker closed", "link", l.name)
	case <-t.C:
		return nil
	}
}

func (l *link) close() error {
	l.mu.Lock()
	already := l.state == StateClosed
	l.mu.Unlock()
	if already {
		return nil
	}
	err := l.ep.Close()
	l.transition(StateClosed)
	return err
}
