package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"equity-screener/config"
	"equity-screener/internal/logging"
)

// Producer publishes screener events to a Kafka topic
type Producer struct {
	writer *kafka.Writer
	topic  string
}

// NewProducer creates an async Kafka producer. Delivery errors are logged
// from the writer's completion callback; publishing never blocks a run.
func NewProducer(cfg config.KafkaConfig, logger *logging.Logger) (*Producer, error) {
	if !cfg.Enabled {
		return nil, errors.New("kafka is disabled")
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	log := logger.WithComponent("kafka")

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Gzip,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		BatchSize:    100,
		BatchTimeout: time.Second,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Warn("Kafka delivery failed", "messages", len(messages), "error", err)
			}
		},
	}
	return &Producer{writer: writer, topic: cfg.Topic}, nil
}

// Publish sends one message. Messages sharing a key (the run id) land on
// one partition and keep their order.
func (p *Producer) Publish(ctx context.Context, key string, value interface{}) error {
	v, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: v,
		Time:  time.Now(),
	})
}

// Topic returns the destination topic
func (p *Producer) Topic() string {
	return p.topic
}

// Close flushes pending messages and closes the writer
func (p *Producer) Close() error {
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}
