// Package kafka provides an outbox publisher callback backed by a Kafka
// writer.
package kafka

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"go-driftmark/pkg/dcb"
	"go-driftmark/pkg/outbox"
)

// Config tunes the Kafka publisher.
type Config struct {
	Brokers []string `yaml:"brokers"`
	// KeyTag names the event tag whose value becomes the message key,
	// preserving per-entity ordering within a partition. Events missing
	// the tag get a random key.
	KeyTag string `yaml:"key_tag"`
}

// Publisher writes outbox batches to Kafka topics. One writer serves all
// topics; the destination topic is set per message.
type Publisher struct {
	writer *kafka.Writer
	keyTag string
	logger zerolog.Logger
}

// NewPublisher creates a publisher over the given brokers.
func NewPublisher(cfg Config, logger zerolog.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchSize:    100,
		},
		keyTag: cfg.KeyTag,
		logger: logger.With().Str("component", "kafka-publisher").Logger(),
	}, nil
}

// Publish satisfies outbox.PublishFunc. The whole batch is written in
// one call; a failed write fails the batch and the processor retries it
// next cycle.
func (p *Publisher) Publish(ctx context.Context, topic string, events []dcb.Event) error {
	msgs := make([]kafka.Message, len(events))
	for i, event := range events {
		msgs[i] = kafka.Message{
			Topic: topic,
			Key:   p.messageKey(event),
			Value: event.Data,
			Headers: []kafka.Header{
				{Key: "event-type", Value: []byte(event.Type)},
				{Key: "event-position", Value: []byte(fmt.Sprintf("%d", event.Position))},
			},
		}
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d messages to %s: %w", len(msgs), topic, err)
	}
	p.logger.Debug().Str("topic", topic).Int("messages", len(msgs)).Msg("batch published")
	return nil
}

func (p *Publisher) messageKey(event dcb.Event) []byte {
	if p.keyTag != "" {
		for _, t := range event.Tags {
			if t.Key == p.keyTag {
				return []byte(t.Value)
			}
		}
	}
	return []byte(uuid.NewString())
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

var _ outbox.PublishFunc = (&Publisher{}).Publish
