package kafka

import (
	"fmt"
	"strings"
	"time"

	"github.com/Shopify/sarama"
)

// Config 消费组配置
type Config struct {
	Brokers           []string
	GroupID           string
	Topics            []string
	Version           string
	InitialOffset     string // newest/oldest
	AutoCreateTopics  bool
	Partitions        int32
	ReplicationFactor int16
}

func (c Config) version() (sarama.KafkaVersion, error) {
	if strings.TrimSpace(c.Version) == "" {
		return sarama.V2_1_0_0, nil
	}
	v, err := sarama.ParseKafkaVersion(c.Version)
	if err != nil {
		return sarama.KafkaVersion{}, fmt.Errorf("kafka version %q: %w", c.Version, err)
	}
	return v, nil
}

// Sarama builds the client config shared by the consumer group and the admin.
func (c Config) Sarama() (*sarama.Config, error) {
	v, err := c.version()
	if err != nil {
		return nil, err
	}
	cfg := sarama.NewConfig()
	cfg.Version = v
	cfg.ClientID = "event-gateway"
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	switch strings.ToLower(c.InitialOffset) {
	case "", "newest", "latest":
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	case "oldest", "earliest":
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	default:
		return nil, fmt.Errorf("kafka initial offset %q: want newest or oldest", c.InitialOffset)
	}
	cfg.Admin.Timeout = 15 * time.Second
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 10 * time.Second
	cfg.Net.WriteTimeout = 10 * time.Second
	return cfg, nil
}
