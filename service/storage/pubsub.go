package storage

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"PPGateway/tools/errs"
	"PPGateway/tools/safe"
)

// Subscription is one handler registered on one channel. Messages are handed
// to the handler in order on the subscription's own goroutine.
type Subscription struct {
	c       *Cache
	id      uint64
	channel string
	handler Handler
	queue   chan string
	done    chan struct{}
	once    sync.Once
}

func (s *Subscription) Channel() string { return s.channel }

// Unsubscribe removes this handler; the channel is released when it was the last one.
func (s *Subscription) Unsubscribe() {
	s.c.remove(s)
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription) run(log *zap.Logger) {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			safe.Run(log, "pubsub:"+s.channel, func() { s.handler(msg, s.channel) })
		}
	}
}

func (s *Subscription) offer(msg string) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.queue <- msg:
		return true
	default:
		return false
	}
}

// Publish sends message on channel through the publisher link and returns
// how many subscribers received it. Non-string messages are encoded like Set.
func (c *Cache) Publish(ctx context.Context, channel string, message any) (int64, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	payload, err := Encode(message)
	if err != nil {
		return 0, err
	}
	n, err := c.b.Publisher().Publish(ctx, channel, payload).Result()
	return n, classify("publish", err)
}

// Subscribe registers handler on channel. The first handler on a channel
// issues SUBSCRIBE and waits for the server confirmation.
func (c *Cache) Subscribe(ctx context.Context, channel string, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, errs.ErrInvalidArgument.WrapMsg("nil handler", "channel", channel)
	}
	if err := c.ready(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errs.ErrBrokerUnavailable.WrapMsg("cache closed")
	}
	c.nextID++
	sub := &Subscription{
		c:       c,
		id:      c.nextID,
		channel: channel,
		handler: handler,
		queue:   make(chan string, c.queueSize),
		done:    make(chan struct{}),
	}
	hs, exists := c.subs[channel]
	if !exists {
		hs = make(map[uint64]*Subscription)
		c.subs[channel] = hs
	}
	hs[sub.id] = sub
	go sub.run(c.log)

	if exists {
		c.mu.Unlock()
		return sub, nil
	}

	confirmed := make(chan struct{})
	c.pending[channel] = append(c.pending[channel], confirmed)
	if c.ps == nil {
		// PubSub 生命周期跟随 Cache，而不是调用方的 ctx
		c.ps = c.b.Subscriber().Subscribe(context.Background())
		go c.receive(c.ps)
	}
	err := c.ps.Subscribe(ctx, channel)
	c.mu.Unlock()

	if err != nil {
		c.remove(sub)
		return nil, classify("subscribe", err)
	}
	select {
	case <-confirmed:
		return sub, nil
	case <-ctx.Done():
		c.remove(sub)
		return nil, errs.Wrap(errs.ErrBrokerUnavailable, ctx.Err(), "subscribe "+channel)
	}
}

// Unsubscribe drops every handler on channel.
func (c *Cache) Unsubscribe(ctx context.Context, channel string) error {
	c.mu.Lock()
	hs := c.subs[channel]
	delete(c.subs, channel)
	ps := c.ps
	c.mu.Unlock()

	for _, s := range hs {
		s.stop()
	}
	if ps == nil || hs == nil {
		return nil
	}
	return classify("unsubscribe", ps.Unsubscribe(ctx, channel))
}

func (c *Cache) remove(s *Subscription) {
	s.stop()
	c.mu.Lock()
	hs := c.subs[s.channel]
	if _, ok := hs[s.id]; !ok {
		c.mu.Unlock()
		return
	}
	delete(hs, s.id)
	last := len(hs) == 0
	if last {
		delete(c.subs, s.channel)
	}
	ps := c.ps
	c.mu.Unlock()

	if last && ps != nil {
		if err := ps.Unsubscribe(context.Background(), s.channel); err != nil {
			c.log.Warn("unsubscribe failed", zap.String("channel", s.channel), zap.Error(err))
		}
	}
}

// receive is the single subscriber loop. It never runs handlers itself.
func (c *Cache) receive(ps *redis.PubSub) {
	for m := range ps.ChannelWithSubscriptions() {
		switch msg := m.(type) {
		case *redis.Subscription:
			if msg.Kind != "subscribe" {
				continue
			}
			c.mu.Lock()
			waiters := c.pending[msg.Channel]
			delete(c.pending, msg.Channel)
			c.mu.Unlock()
			for _, w := range waiters {
				close(w)
			}
		case *redis.Message:
			c.mu.Lock()
			hs := make([]*Subscription, 0, len(c.subs[msg.Channel]))
			for _, s := range c.subs[msg.Channel] {
				hs = append(hs, s)
			}
			c.mu.Unlock()
			for _, s := range hs {
				if !s.offer(msg.Payload) {
					c.log.Warn("subscription queue full, message dropped", zap.String("channel", msg.Channel))
				}
			}
		}
	}
}

// Close releases the subscriber connection and stops every handler.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ps := c.ps
	subs := c.subs
	c.subs = make(map[string]map[uint64]*Subscription)
	c.mu.Unlock()

	for _, hs := range subs {
		for _, s := range hs {
			s.stop()
		}
	}
	if ps != nil {
		return ps.Close()
	}
	return nil
}

// Channels lists channels with at least one handler.
func (c *Cache) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		out = append(out, ch)
	}
	return out
}
