package main

import (
	"context"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"

	"PPGateway/logger"
	"PPGateway/service/dispatcher"
	"PPGateway/service/dispatcher/kafka"
	"PPGateway/service/natsx"
)

// source is one producer-facing event feed besides HTTP.
type source struct {
	name  string
	run   func(ctx context.Context) error
	close func() error
}

// startSources builds the enabled feeds. A feed that cannot start is logged
// and skipped; the WebSocket surface keeps serving without it.
func (a *app) startSources(ctx context.Context) []source {
	if a.cfg.Kafka.Enabled {
		a.sources = append(a.sources, a.kafkaSource())
	}
	if a.cfg.Nats.Enabled {
		if s, err := a.natsSource(ctx); err != nil {
			a.log.Error("nats ingress disabled", zap.Error(err))
		} else {
			a.sources = append(a.sources, s)
		}
	}
	return a.sources
}

func (a *app) kafkaSource() source {
	kc := a.cfg.Kafka
	cfg := kafka.Config{
		Brokers:           kc.Brokers,
		GroupID:           kc.GroupID,
		Topics:            kc.Topics,
		Version:           kc.Version,
		InitialOffset:     kc.InitialOffset,
		AutoCreateTopics:  kc.AutoCreateTopics,
		Partitions:        kc.Partitions,
		ReplicationFactor: kc.ReplicationFactor,
	}
	log := logger.Module(a.log, "kafka")
	consumer := kafka.NewConsumer(cfg, func(ctx context.Context, msg *sarama.ConsumerMessage) error {
		_, err := a.ingress.HandleRaw(ctx, dispatcher.SourceKafka, msg.Value)
		return err
	}, log)
	return source{
		name: dispatcher.SourceKafka,
		run: func(ctx context.Context) error {
			if cfg.AutoCreateTopics {
				if err := kafka.ProvisionTopics(cfg, log); err != nil {
					log.Warn("provision topics failed", zap.Error(err))
				}
			}
			if err := consumer.Run(ctx); err != nil {
				log.Error("kafka ingress stopped", zap.Error(err))
			}
			return nil
		},
		close: consumer.Close,
	}
}

func (a *app) natsSource(ctx context.Context) (source, error) {
	nc := a.cfg.Nats
	log := logger.Module(a.log, "nats")
	client, err := natsx.Connect(natsx.Config{
		Servers:  nc.Servers,
		Name:     "event-gateway-" + a.cfg.NodeID,
		User:     nc.User,
		Password: nc.Password,
		Token:    nc.Token,
	}, log)
	if err != nil {
		return source{}, err
	}
	idem := natsx.IdemMiddleware(natsx.NewCacheIdem(a.cache, ""), nc.IdemTTL, log)
	_, err = client.Subscribe(ctx, nc.Subject, nc.Queue, func(ctx context.Context, msg natsx.Message) error {
		_, err := a.ingress.HandleRaw(ctx, dispatcher.SourceNATS, msg.Data)
		return err
	}, idem)
	if err != nil {
		_ = client.Close()
		return source{}, err
	}
	return source{
		name: dispatcher.SourceNATS,
		run: func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		},
		close: client.Close,
	}, nil
}
