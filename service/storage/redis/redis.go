package redis

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"PPGateway/tools/errs"
)

// Options 用于初始化 Broker
type Options struct {
	Addr     string
	Password string
	DB       int
	PoolSize int

	RetryStep        time.Duration // 每次重试递增的等待，默认 50ms
	RetryCap         time.Duration // 单次等待上限，默认 1s
	MaxRetries       int           // 连续失败上限，默认 10
	LivenessInterval time.Duration // 存活探测间隔，默认 5s
	PingTimeout      time.Duration

	// OnStateChange is called after every link state transition.
	OnStateChange func(link LinkName, state State)
}

func (o *Options) norm() {
	if o.RetryStep <= 0 {
		o.RetryStep = 50 * time.Millisecond
	}
	if o.RetryCap <= 0 {
		o.RetryCap = time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 10
	}
	if o.LivenessInterval <= 0 {
		o.LivenessInterval = 5 * time.Second
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 2 * time.Second
	}
}

// Backoff returns the wait before retry number retries (1-based).
func (o Options) Backoff(retries int) time.Duration {
	d := time.Duration(retries) * o.RetryStep
	if d > o.RetryCap {
		return o.RetryCap
	}
	return d
}

// Broker manages the three logical redis links: general commands, a
// dedicated publisher and a dedicated subscriber.
type Broker struct {
	opts  Options
	log   *zap.Logger
	links map[LinkName]*link

	general    *redis.Client
	publisher  *redis.Client
	subscriber *redis.Client

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewBroker builds the clients without touching the network; call Connect.
func NewBroker(opts Options, log *zap.Logger) *Broker {
	opts.norm()
	newClient := func() *redis.Client {
		// 重连由 Broker 自己控制，关闭 go-redis 的命令重试
		return redis.NewClient(&redis.Options{
			Addr:            opts.Addr,
			Password:        opts.Password,
			DB:              opts.DB,
			PoolSize:        opts.PoolSize,
			MaxRetries:      -1,
			DisableIdentity: true,
		})
	}
	general, publisher, subscriber := newClient(), newClient(), newClient()

	b := newBroker(opts, log, map[LinkName]Endpoint{
		LinkGeneral:    clientEndpoint{general},
		LinkPublisher:  clientEndpoint{publisher},
		LinkSubscriber: clientEndpoint{subscriber},
	})
	b.general, b.publisher, b.subscriber = general, publisher, subscriber
	return b
}

// newBroker wires links over arbitrary endpoints.
func newBroker(opts Options, log *zap.Logger, eps map[LinkName]Endpoint) *Broker {
	opts.norm()
	if log == nil {
		log = zap.NewNop()
	}
	b := &Broker{
		opts:  opts,
		log:   log,
		links: make(map[LinkName]*link, len(eps)),
		stop:  make(chan struct{}),
	}
	for name, ep := range eps {
		b.links[name] = &link{
			name:  name,
			ep:    ep,
			state: StateIdle,
			opts:  &b.opts,
			log:   log.With(zap.String("link", string(name))),
		}
	}
	return b
}

// Connect establishes every link concurrently. It fails only when a link
// exhausts its retries (or ctx ends); links that came up keep being monitored.
func (b *Broker) Connect(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range b.links {
		l := l
		// Add 先于 Disconnect 的 Wait
		b.wg.Add(1)
		g.Go(func() error {
			if err := l.establish(gctx, b.stop, false); err != nil {
				b.wg.Done()
				return err
			}
			go b.monitor(l)
			return nil
		})
	}
	return g.Wait()
}

// monitor pings the link periodically and drives reconnection.
func (b *Broker) monitor(l *link) {
	defer b.wg.Done()
	t := time.NewTicker(b.opts.LivenessInterval)
	defer t.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-t.C:
		}
		err := l.ping(context.Background())
		if err == nil {
			continue
		}
		l.fail(err)
		if err := l.establish(context.Background(), b.stop, true); err != nil {
			// failed 是终态；closed 由 Disconnect 设置
			return
		}
	}
}

// Disconnect closes all links. Safe to call more than once.
func (b *Broker) Disconnect() error {
	var firstErr error
	b.closeOnce.Do(func() {
		close(b.stop)
		b.wg.Wait()
		for _, l := range b.links {
			if err := l.close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

// IsHealthy reports whether every link is ready.
func (b *Broker) IsHealthy() bool {
	for _, l := range b.links {
		if l.State() != StateReady {
			return false
		}
	}
	return true
}

// Ping round-trips PING on the general link and returns the latency.
func (b *Broker) Ping(ctx context.Context) (time.Duration, error) {
	l, ok := b.links[LinkGeneral]
	if !ok || l.State() != StateReady {
		return 0, errs.ErrBrokerUnavailable.WrapMsg("general link not ready")
	}
	start := time.Now()
	if err := l.ping(ctx); err != nil {
		return 0, errs.Wrap(errs.ErrBrokerUnavailable, err, "ping")
	}
	return time.Since(start), nil
}

// LinkState returns the current state of one link.
func (b *Broker) LinkState(name LinkName) State {
	if l, ok := b.links[name]; ok {
		return l.State()
	}
	return StateIdle
}

// Status snapshots every link, ordered general/publisher/subscriber.
func (b *Broker) Status() []LinkStatus {
	out := make([]LinkStatus, 0, len(b.links))
	for _, name := range []LinkName{LinkGeneral, LinkPublisher, LinkSubscriber} {
		if l, ok := b.links[name]; ok {
			out = append(out, l.status())
		}
	}
	return out
}

// Ready reports whether the named link can take commands.
func (b *Broker) Ready(name LinkName) bool { return b.LinkState(name) == StateReady }

// Client is the general-purpose command client.
func (b *Broker) Client() *redis.Client { return b.general }

// Publisher is the client dedicated to PUBLISH.
func (b *Broker) Publisher() *redis.Client { return b.publisher }

// Subscriber is the client dedicated to SUBSCRIBE.
func (b *Broker) Subscriber() *redis.Client { return b.subscriber }
