package directory

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// KV is the cache surface the read-through decorator needs.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

// Cached is a read-through cache in front of another Directory. Only found
// records are cached; any cache error falls through to the backend.
// Projects and status pages carry privacy and ownership, so they use the
// shorter authzTTL: a record made private is honored within that window.
type Cached struct {
	next     Directory
	kv       KV
	ttl      time.Duration
	authzTTL time.Duration
	log      *zap.Logger
}

func NewCached(next Directory, kv KV, ttl, authzTTL time.Duration, log *zap.Logger) *Cached {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if authzTTL <= 0 {
		authzTTL = 5 * time.Second
	}
	if authzTTL > ttl {
		authzTTL = ttl
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Cached{next: next, kv: kv, ttl: ttl, authzTTL: authzTTL, log: log}
}

func (c *Cached) LookupUser(ctx context.Context, id string) (*User, error) {
	return readThrough(ctx, c, "dir:user:"+id, c.ttl, func() (*User, error) { return c.next.LookupUser(ctx, id) })
}

func (c *Cached) LookupProject(ctx context.Context, id string) (*Project, error) {
	return readThrough(ctx, c, "dir:project:"+id, c.authzTTL, func() (*Project, error) { return c.next.LookupProject(ctx, id) })
}

func (c *Cached) LookupStatusPageBySlug(ctx context.Context, slug string) (*StatusPage, error) {
	return readThrough(ctx, c, "dir:status:"+slug, c.authzTTL, func() (*StatusPage, error) { return c.next.LookupStatusPageBySlug(ctx, slug) })
}

func readThrough[T any](ctx context.Context, c *Cached, key string, ttl time.Duration, load func() (*T, error)) (*T, error) {
	raw, found, err := c.kv.Get(ctx, key)
	switch {
	case err != nil:
		c.log.Debug("directory cache get failed", zap.String("key", key), zap.Error(err))
	case found:
		var v T
		if err := jsoniter.UnmarshalFromString(raw, &v); err == nil {
			return &v, nil
		}
		c.log.Warn("directory cache entry corrupt", zap.String("key", key))
	}

	v, err := load()
	if err != nil || v == nil {
		return v, err
	}
	if err := c.kv.Set(ctx, key, v, ttl); err != nil {
		c.log.Debug("directory cache set failed", zap.String("key", key), zap.Error(err))
	}
	return v, nil
}
