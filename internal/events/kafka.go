// ABOUTME: Kafka sink mirroring exchange events to a topic for downstream consumers
// ABOUTME: JSON values keyed by exchange id so one exchange's events stay ordered per partition

package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	kgo "github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer the sink needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// KafkaSink publishes events to a Kafka topic.
type KafkaSink struct {
	writer  messageWriter
	timeout time.Duration
}

// NewKafkaSink creates a sink writing to topic on the given brokers.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, errors.New("events: kafka brokers are required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("events: kafka topic is required")
	}

	w := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.LeastBytes{},
		RequiredAcks: kgo.RequireOne,
	}
	return newKafkaSink(w), nil
}

func newKafkaSink(w messageWriter) *KafkaSink {
	return &KafkaSink{writer: w, timeout: 3 * time.Second}
}

// Publish writes ev as JSON with a short timeout.
func (k *KafkaSink) Publish(ctx context.Context, ev *Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: encoding event: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	err = k.writer.WriteMessages(cctx, kgo.Message{
		Key:   []byte(ev.ExchangeID),
		Value: b,
		Time:  ev.At,
	})
	if err != nil {
		return fmt.Errorf("events: writing to kafka: %w", err)
	}
	return nil
}

func (k *KafkaSink) Close() error { return k.writer.Close() }
