package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"PPGateway/tools/errs"
)

// canonical 编码：map 按 key 排序，保证相同值得到相同文本
var canonical = jsoniter.Config{
	SortMapKeys:            true,
	EscapeHTML:             false,
	ValidateJsonRawMessage: true,
}.Froze()

// Broker is what the facade needs from the connection manager.
type Broker interface {
	IsHealthy() bool
	Client() *redis.Client
	Publisher() *redis.Client
	Subscriber() *redis.Client
}

// Handler receives one pub/sub message.
type Handler func(message, channel string)

// Cache is the typed KV + set + pub/sub facade over the broker. Every call
// fails fast with errs.ErrBrokerUnavailable while the broker is unhealthy.
type Cache struct {
	b   Broker
	log *zap.Logger

	queueSize int

	mu      sync.Mutex
	ps      *redis.PubSub
	subs    map[string]map[uint64]*Subscription
	pending map[string][]chan struct{}
	nextID  uint64
	closed  bool
}

type CacheOption func(*Cache)

// WithHandlerQueue sets the per-subscription buffer; a full buffer drops messages.
func WithHandlerQueue(n int) CacheOption {
	return func(c *Cache) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

func NewCache(b Broker, log *zap.Logger, opts ...CacheOption) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Cache{
		b:         b,
		log:       log,
		queueSize: 1024,
		subs:      make(map[string]map[uint64]*Subscription),
		pending:   make(map[string][]chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Cache) ready() error {
	if c.b == nil || !c.b.IsHealthy() {
		return errs.ErrBrokerUnavailable.WrapMsg("broker unhealthy")
	}
	return nil
}

// Encode 字符串与 []byte 原样保存，其它值编码为规范 JSON
func Encode(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	case nil:
		return "null", nil
	}
	b, err := canonical.Marshal(v)
	if err != nil {
		return "", errs.ErrInvalidArgument.WrapMsg("value is not serializable", "err", err)
	}
	return string(b), nil
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "not an integer") || strings.Contains(msg, "not a valid float") || strings.Contains(msg, "WRONGTYPE") {
		return errs.Wrap(errs.ErrTypeMismatch, err, op)
	}
	return errs.Wrap(errs.ErrBrokerUnavailable, err, op)
}

// Set stores value under key. ttl <= 0 means no expiration.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := c.ready(); err != nil {
		return err
	}
	s, err := Encode(value)
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	return classify("set", c.b.Client().Set(ctx, key, s, ttl).Err())
}

// Get returns the raw stored text; found is false when key is absent.
func (c *Cache) Get(ctx context.Context, key string) (val string, found bool, err error) {
	if err := c.ready(); err != nil {
		return "", false, err
	}
	val, err = c.b.Client().Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify("get", err)
	}
	return val, true, nil
}

// GetStructured decodes the stored JSON. Text that is not JSON is returned
// as the raw string; decode failure is never an error.
func (c *Cache) GetStructured(ctx context.Context, key string) (any, bool, error) {
	raw, found, err := c.Get(ctx, key)
	if err != nil || !found {
		return nil, found, err
	}
	var v any
	if err := canonical.UnmarshalFromString(raw, &v); err != nil {
		return raw, true, nil
	}
	return v, true, nil
}

func (c *Cache) Del(ctx context.Context, keys ...string) (int64, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	n, err := c.b.Client().Del(ctx, keys...).Result()
	return n, classify("del", err)
}

// Exists returns how many of keys exist.
func (c *Cache) Exists(ctx context.Context, keys ...string) (int64, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	n, err := c.b.Client().Exists(ctx, keys...).Result()
	return n, classify("exists", err)
}

// Expire reports false when key does not exist.
func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := c.ready(); err != nil {
		return false, err
	}
	ok, err := c.b.Client().Expire(ctx, key, ttl).Result()
	return ok, classify("expire", err)
}

// MGet returns one entry per key: the stored string, or nil when absent.
func (c *Cache) MGet(ctx context.Context, keys ...string) ([]any, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	vals, err := c.b.Client().MGet(ctx, keys...).Result()
	return vals, classify("mget", err)
}

func (c *Cache) Incr(ctx context.Context, key string) (int64, error) {
	return c.IncrBy(ctx, key, 1)
}

// IncrBy initializes an absent key from 0. The stored value must be an
// integer; anything else, "1.5" included, yields errs.ErrTypeMismatch. Use
// IncrByFloat for fractional counters.
func (c *Cache) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	n, err := c.b.Client().IncrBy(ctx, key, delta).Result()
	return n, classify("incrby", err)
}

// IncrByFloat is IncrBy over any numeric value.
func (c *Cache) IncrByFloat(ctx context.Context, key string, delta float64) (float64, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	n, err := c.b.Client().IncrByFloat(ctx, key, delta).Result()
	return n, classify("incrbyfloat", err)
}

func (c *Cache) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	n, err := c.b.Client().SAdd(ctx, key, toAny(members)...).Result()
	return n, classify("sadd", err)
}

func (c *Cache) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	n, err := c.b.Client().SRem(ctx, key, toAny(members)...).Result()
	return n, classify("srem", err)
}

func (c *Cache) SMembers(ctx context.Context, key string) ([]string, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	m, err := c.b.Client().SMembers(ctx, key).Result()
	return m, classify("smembers", err)
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
