package natsx

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// IdemStore 去重存储
type IdemStore interface {
	SeenOnce(ctx context.Context, key string, ttl time.Duration) (seen bool, err error)
}

// MemIdem 单进程实现；Run 负责清理过期 key
type MemIdem struct {
	mu  sync.Mutex
	m   map[string]time.Time
	ttl time.Duration
	now func() time.Time
}

func NewMemIdem(defaultTTL time.Duration) *MemIdem {
	return &MemIdem{m: make(map[string]time.Time), ttl: defaultTTL, now: time.Now}
}

func (mi *MemIdem) SeenOnce(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = mi.ttl
	}
	now := mi.now()
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if exp, ok := mi.m[key]; ok && exp.After(now) {
		return true, nil
	}
	mi.m[key] = now.Add(ttl)
	return false, nil
}

func (mi *MemIdem) sweep() {
	now := mi.now()
	mi.mu.Lock()
	defer mi.mu.Unlock()
	for k, exp := range mi.m {
		if !exp.After(now) {
			delete(mi.m, k)
		}
	}
}

// Run sweeps expired keys every interval until ctx ends.
func (mi *MemIdem) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			mi.sweep()
		}
	}
}

// Counter is the cache surface the shared store needs.
type Counter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// CacheIdem dedupes across gateway instances with INCR + EXPIRE.
type CacheIdem struct {
	c      Counter
	prefix string
}

func NewCacheIdem(c Counter, prefix string) *CacheIdem {
	if prefix == "" {
		prefix = "ingress:seen:"
	}
	return &CacheIdem{c: c, prefix: prefix}
}

func (ci *CacheIdem) SeenOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	k := ci.prefix + key
	n, err := ci.c.Incr(ctx, k)
	if err != nil {
		return false, err
	}
	if n == 1 {
		if _, err := ci.c.Expire(ctx, k, ttl); err != nil {
			return false, err
		}
	}
	return n > 1, nil
}

// msgIDFromHeader 标准头 Nats-Msg-Id，或业务自定义 X-Msg-Id
func msgIDFromHeader(h map[string]string) string {
	for _, k := range []string{"Nats-Msg-Id", "nats-msg-id", "X-Msg-Id", "x-msg-id"} {
		if v, ok := h[k]; ok && v != "" {
			return v
		}
	}
	return ""
}

// IdemMiddleware drops messages whose id was already seen within ttl.
// Messages without an id header pass through. A store error fails open.
func IdemMiddleware(store IdemStore, ttl time.Duration, log *zap.Logger) Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, msg Message) error {
			id := strings.TrimSpace(msgIDFromHeader(msg.Header))
			if id == "" {
				return next(ctx, msg)
			}
			seen, err := store.SeenOnce(ctx, msg.Subject+"|"+id, ttl)
			if err != nil {
				log.Warn("idem store failed", zap.String("msg_id", id), zap.Error(err))
			}
			if seen {
				log.Debug("duplicate message skipped", zap.String("subject", msg.Subject), zap.String("msg_id", id))
				return nil
			}
			return next(ctx, msg)
		}
	}
}
