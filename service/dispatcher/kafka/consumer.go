package kafka

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"

	"PPGateway/tools/safe"
)

// MessageHandler handles one record. A returned error is logged; the record
// is still marked so a bad payload never blocks its partition.
type MessageHandler func(ctx context.Context, msg *sarama.ConsumerMessage) error

// Consumer 一个消费组实例；按 topic 注册 handler，未注册的 topic 走 fallback。
type Consumer struct {
	cfg      Config
	log      *zap.Logger
	fallback MessageHandler

	mu       sync.RWMutex
	handlers map[string]MessageHandler
	group    sarama.ConsumerGroup
	closed   bool
}

func NewConsumer(cfg Config, fallback MessageHandler, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{
		cfg:      cfg,
		log:      log.With(zap.String("group", cfg.GroupID)),
		fallback: fallback,
		handlers: make(map[string]MessageHandler),
	}
}

// Handle registers h for topic. Registering the same function twice is a
// no-op; a different function for a taken topic is refused.
func (c *Consumer) Handle(topic string, h MessageHandler) (ok bool, duplicated bool) {
	if h == nil {
		return false, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, exists := c.handlers[topic]; exists {
		if reflect.ValueOf(old).Pointer() == reflect.ValueOf(h).Pointer() {
			return true, true
		}
		c.log.Warn("topic already has a handler", zap.String("topic", topic))
		return false, true
	}
	c.handlers[topic] = h
	return true, false
}

func (c *Consumer) handler(topic string) MessageHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if h, ok := c.handlers[topic]; ok {
		return h
	}
	return c.fallback
}

// Run joins the group and consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	cfg, err := c.cfg.Sarama()
	if err != nil {
		return err
	}
	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return group.Close()
	}
	c.group = group
	c.mu.Unlock()
	defer c.Close()
	return c.consume(ctx, group)
}

func (c *Consumer) consume(ctx context.Context, group sarama.ConsumerGroup) error {
	safe.Go(c.log, "kafka-errors", func() {
		for err := range group.Errors() {
			c.log.Warn("consumer group error", zap.Error(err))
		}
	})
	c.log.Info("consumer group started", zap.Strings("topics", c.cfg.Topics))
	gh := &groupHandler{c: c}
	for {
		// Consume 在每次 rebalance 后返回，需要循环调用
		if err := group.Consume(ctx, c.cfg.Topics, gh); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.log.Warn("consume failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			c.log.Info("consumer group stopped")
			return nil
		}
	}
}

// Close leaves the group; safe to call more than once and before Run.
func (c *Consumer) Close() error {
	c.mu.Lock()
	group := c.group
	c.group, c.closed = nil, true
	c.mu.Unlock()
	if group == nil {
		return nil
	}
	return group.Close()
}

type groupHandler struct {
	c *Consumer
}

func (h *groupHandler) Setup(s sarama.ConsumerGroupSession) error {
	h.c.log.Info("consumer group setup", zap.String("member_id", s.MemberID()), zap.Int32("generation", s.GenerationID()))
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.c.log.Debug("consumer group cleanup")
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.process(ctx, msg)
			session.MarkMessage(msg, "")
		}
	}
}

func (h *groupHandler) process(ctx context.Context, msg *sarama.ConsumerMessage) {
	fields := []zap.Field{
		zap.String("topic", msg.Topic),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	}
	handler := h.c.handler(msg.Topic)
	if handler == nil {
		h.c.log.Warn("no handler for topic", fields...)
		return
	}
	var err error
	if !safe.Run(h.c.log, "kafka-handler", func() { err = handler(ctx, msg) }) {
		return
	}
	if err != nil {
		h.c.log.Warn("handle message failed", append(fields, zap.Error(err))...)
	}
}
