package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"Go2NetSentry/internal/model"
)

// KafkaSink publishes threat events as JSON to a Kafka topic, keyed by the
// threat's source address so one attacker's events land in one partition.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
	log      *zap.SugaredLogger
}

// NewKafkaSink connects a synchronous producer to the brokers.
func NewKafkaSink(brokers []string, topic string, log *zap.SugaredLogger) (*KafkaSink, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	cfg.Net.DialTimeout = 30 * time.Second

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer for %v: %w", brokers, err)
	}
	log.Infof("connected Kafka producer to %v", brokers)
	return &KafkaSink{producer: producer, topic: topic, log: log}, nil
}

// Publish serializes the event and sends it to the configured topic.
func (s *KafkaSink) Publish(ev *model.ThreatEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal threat event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Value: sarama.ByteEncoder(data),
	}
	if ev.Threat != nil && ev.Threat.SrcIP != "" {
		msg.Key = sarama.StringEncoder(ev.Threat.SrcIP)
	}

	if _, _, err := s.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("failed to publish to Kafka topic %s: %w", s.topic, err)
	}
	return nil
}

// Close shuts the producer down.
func (s *KafkaSink) Close() error {
	return s.producer.Close()
}
