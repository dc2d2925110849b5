package natsx

import (
	"context"
	"errors"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"PPGateway/tools/safe"
)

// Subscribe delivers subject to h. A non-empty queue joins a queue group so
// only one member sees each message. Handlers run with ctx; errors are logged.
func (c *Client) Subscribe(ctx context.Context, subject, queue string, h Handler, mws ...Middleware) (*nats.Subscription, error) {
	if subject == "" {
		return nil, errors.New("nats subject missing")
	}
	h = Chain(h, mws...)
	cb := func(m *nats.Msg) {
		msg := Message{
			Subject: m.Subject,
			Data:    append([]byte(nil), m.Data...),
			Header:  headerToMap(m.Header),
		}
		var err error
		safe.Run(c.log, "nats-handler", func() { err = h(ctx, msg) })
		if err != nil {
			c.log.Warn("handle message failed", zap.String("subject", m.Subject), zap.Error(err))
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	if queue == "" {
		sub, err = c.nc.Subscribe(subject, cb)
	} else {
		sub, err = c.nc.QueueSubscribe(subject, queue, cb)
	}
	if err != nil {
		return nil, err
	}
	_ = sub.SetPendingLimits(1_000_000, 64*1024*1024)

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	c.log.Info("nats subscribed", zap.String("subject", subject), zap.String("queue", queue))
	return sub, nil
}

func headerToMap(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
