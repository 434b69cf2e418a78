package statebus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig names the broker group carrying forwarded platform events.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

func (cfg KafkaConfig) brokerList() []string {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	return brokers
}

// KafkaConsumer adapts a kafka-go reader to the Consumer interface the
// ingest loop consumes.
type KafkaConsumer struct {
	reader kafkaReader
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

func NewKafkaConsumer(cfg KafkaConfig) (*KafkaConsumer, error) {
	brokers := cfg.brokerList()
	switch {
	case len(brokers) == 0:
		return nil, fmt.Errorf("kafka brokers required")
	case strings.TrimSpace(cfg.Topic) == "":
		return nil, fmt.Errorf("kafka topic required")
	case strings.TrimSpace(cfg.GroupID) == "":
		return nil, fmt.Errorf("kafka group id required")
	}
	return &KafkaConsumer{reader: kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        500 * time.Millisecond,
	})}, nil
}

func (c *KafkaConsumer) ReadMessage(ctx context.Context) (Message, error) {
	if c == nil || c.reader == nil {
		return Message{}, fmt.Errorf("kafka consumer not initialized")
	}
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{Key: msg.Key, Value: msg.Value}, nil
}

func (c *KafkaConsumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
