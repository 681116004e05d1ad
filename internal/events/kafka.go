package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/atmx/predict-engine/internal/metrics"
)

// KafkaPublisher writes events to a Kafka topic keyed by market ID, so all
// events of one market land on one partition in the order they were
// published. Writes are asynchronous: Publish only enqueues, and delivery
// failures are logged and counted when the batch completes.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        true,
			BatchTimeout: 10 * time.Millisecond,
			Completion:   completed,
		},
	}
}

func completed(msgs []kafka.Message, err error) {
	if err == nil {
		return
	}
	metrics.EventPublishFailures.Inc()
	slog.Warn("kafka delivery failed", "events", len(msgs), "err", err)
}

func (p *KafkaPublisher) Publish(ctx context.Context, evts ...Event) error {
	msgs := make([]kafka.Message, 0, len(evts))
	for _, e := range evts {
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode %s event: %w", e.Type, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.MarketID),
			Value: value,
			Time:  e.Timestamp,
		})
	}
	if len(msgs) == 0 {
		return nil
	}
	return p.writer.WriteMessages(ctx, msgs...)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
