package natsx

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Config 客户端配置
type Config struct {
	Servers       []string
	Name          string
	User          string
	Password      string
	Token         string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// Client wraps one NATS connection and the subscriptions made through it.
type Client struct {
	cfg Config
	nc  *nats.Conn
	log *zap.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

func options(cfg Config, log *zap.Logger) []nats.Option {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Warn("nats async error", zap.String("subject", subject), zap.Error(err))
		}),
	}
	switch {
	case cfg.Token != "":
		opts = append(opts, nats.Token(cfg.Token))
	case cfg.User != "":
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	return opts
}

// Connect dials the servers. Reconnects are unlimited once connected.
func Connect(cfg Config, log *zap.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), options(cfg, log)...)
	if err != nil {
		return nil, err
	}
	log.Info("nats connected", zap.String("url", nc.ConnectedUrl()))
	return &Client{cfg: cfg, nc: nc, log: log}, nil
}

func (c *Client) Connected() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// Close 优雅关闭：先 drain 订阅，再 drain 连接
func (c *Client) Close() error {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Drain()
	}
	if c.nc == nil {
		return nil
	}
	return c.nc.Drain()
}
