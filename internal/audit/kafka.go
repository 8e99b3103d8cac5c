package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig configures the Kafka audit publisher.
type KafkaConfig struct {
	Brokers      []string      `json:"brokers"`
	Topic        string        `json:"topic"`
	BatchSize    int           `json:"batch_size"`
	BatchTimeout time.Duration `json:"batch_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	RequiredAcks int           `json:"required_acks"`
}

// DefaultKafkaConfig returns defaults suitable for a local broker.
func DefaultKafkaConfig() *KafkaConfig {
	return &KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "governance.audit",
		BatchSize:    100,
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 2 * time.Second,
		RequiredAcks: 1,
	}
}

// KafkaSink publishes audit events to a Kafka topic, keyed by subject so all
// events for one version/rollout land on the same partition in order.
type KafkaSink struct {
	writer *kafka.Writer
	logger *zap.SugaredLogger
}

// NewKafkaSink creates a Kafka-backed audit sink.
func NewKafkaSink(config *KafkaConfig, logger *zap.SugaredLogger) *KafkaSink {
	if config == nil {
		config = DefaultKafkaConfig()
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    config.BatchSize,
		BatchTimeout: config.BatchTimeout,
		WriteTimeout: config.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(config.RequiredAcks),
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Errorw("audit publish failed", "count", len(messages), "error", err)
			}
		},
	}
	return &KafkaSink{writer: writer, logger: logger.Named("audit-kafka")}
}

func (s *KafkaSink) Record(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Subject),
		Value: data,
		Time:  event.Timestamp,
	})
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
