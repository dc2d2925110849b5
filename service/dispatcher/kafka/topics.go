package kafka

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

// Admin is the part of sarama.ClusterAdmin topic provisioning uses.
type Admin interface {
	ListTopics() (map[string]sarama.TopicDetail, error)
	CreateTopic(topic string, detail *sarama.TopicDetail, validateOnly bool) error
	CreatePartitions(topic string, count int32, assignment [][]int32, validateOnly bool) error
}

// ProvisionTopics dials a cluster admin and runs EnsureTopics.
func ProvisionTopics(cfg Config, log *zap.Logger) error {
	if len(cfg.Brokers) == 0 {
		return fmt.Errorf("no brokers provided")
	}
	sc, err := cfg.Sarama()
	if err != nil {
		return err
	}
	admin, err := sarama.NewClusterAdmin(cfg.Brokers, sc)
	if err != nil {
		return fmt.Errorf("new cluster admin: %w", err)
	}
	defer func() {
		if e := admin.Close(); e != nil {
			log.Warn("close cluster admin", zap.Error(e))
		}
	}()
	return EnsureTopics(admin, cfg, log)
}

// EnsureTopics 会：
// 1) 不存在就按 cfg 创建；
// 2) 已存在且分区数 < 期望值时扩分区（Kafka 只能增加分区）。
func EnsureTopics(admin Admin, cfg Config, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	existing, err := admin.ListTopics()
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}
	partitions := cfg.Partitions
	if partitions <= 0 {
		partitions = 3
	}
	rf := cfg.ReplicationFactor
	if rf <= 0 {
		rf = 1
	}
	minISR := "1"
	if rf >= 3 {
		minISR = "2"
	}

	topics := append([]string(nil), cfg.Topics...)
	sort.Strings(topics)
	for i, t := range topics {
		if i > 0 && topics[i-1] == t {
			continue
		}
		if cur, ok := existing[t]; ok {
			if cur.NumPartitions < partitions {
				if err := admin.CreatePartitions(t, partitions, nil, false); err != nil {
					return fmt.Errorf("expand partitions %s from %d to %d: %w", t, cur.NumPartitions, partitions, err)
				}
				log.Info("topic partitions expanded", zap.String("topic", t), zap.Int32("from", cur.NumPartitions), zap.Int32("to", partitions))
			}
			continue
		}
		td := &sarama.TopicDetail{
			NumPartitions:     partitions,
			ReplicationFactor: rf,
			ConfigEntries: map[string]*string{
				"cleanup.policy":                 ptr("delete"),
				"min.insync.replicas":            ptr(minISR),
				"unclean.leader.election.enable": ptr("false"),
			},
		}
		if err := admin.CreateTopic(t, td, false); err != nil {
			if isTopicExistsErr(err) {
				log.Debug("topic exists (race)", zap.String("topic", t))
				continue
			}
			return fmt.Errorf("create topic %s: %w", t, err)
		}
		log.Info("topic created", zap.String("topic", t), zap.Int32("partitions", partitions), zap.Int16("rf", rf))
	}
	return nil
}

func ptr[T any](v T) *T { return &v }

func isTopicExistsErr(err error) bool {
	var te *sarama.TopicError
	if errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists {
		return true
	}
	if errors.Is(err, sarama.ErrTopicAlreadyExists) {
		return true
	}
	// 有的 broker 返回的是普通 error 文本
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}
