// Package outbox dispatches committed events to external publishers
// through the generic processor framework. Each (topic, publisher) pair
// is an independent processor with its own progress row; delivery is
// at-least-once and publishers must tolerate redelivery.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"go-driftmark/pkg/dcb"
	"go-driftmark/pkg/processor"
)

// PublishFunc delivers a batch of events to an external sink. It is the
// boundary to Kafka, webhooks and the like; returning nil marks the
// batch delivered.
type PublishFunc func(ctx context.Context, topic string, events []dcb.Event) error

// ProcessorOverride adjusts the base processor tuning for one publisher
// of a topic. Nil fields keep the base value.
type ProcessorOverride struct {
	PollingInterval *time.Duration `yaml:"polling_interval"`
	BatchSize       *int           `yaml:"batch_size"`
	Enabled         *bool          `yaml:"enabled"`
}

// TopicConfig selects which events belong to a topic and who publishes
// them. The three tag filters are conjoined: every RequiredTags key must
// be present, at least one AnyOfTags key must be present (when the list
// is non-empty), and every ExactTags pair must match exactly.
type TopicConfig struct {
	RequiredTags []string                     `yaml:"required_tags"`
	AnyOfTags    []string                     `yaml:"any_of_tags"`
	ExactTags    map[string]string            `yaml:"exact_tags"`
	Publishers   []string                     `yaml:"publishers"`
	Overrides    map[string]ProcessorOverride `yaml:"publisher_overrides"`
}

// Query renders the topic filter as an event store query.
func (tc TopicConfig) Query() dcb.Query {
	item := dcb.QueryItem{
		RequiredKeys: tc.RequiredTags,
		AnyOfKeys:    tc.AnyOfTags,
	}
	for k, v := range tc.ExactTags {
		item.Tags = append(item.Tags, dcb.NewTag(k, v))
	}
	return dcb.Query{Items: []dcb.QueryItem{item}}
}

// ProcessorID names the processor for one publisher of one topic.
func ProcessorID(topic, publisher string) string {
	return topic + "/" + publisher
}

// fetcher reads a topic's events from the store.
type fetcher struct {
	store *dcb.EventStore
	query dcb.Query
}

func (f *fetcher) Fetch(ctx context.Context, _ string, lastPosition int64, batchSize int) ([]dcb.Event, error) {
	return f.store.FetchAfterPosition(ctx, f.query, lastPosition, batchSize)
}

// handler hands the fetched batch to the publisher callback. The batch
// is passed as fetched; the callback decides framing and keys.
type handler struct {
	topic   string
	publish PublishFunc
}

func (h *handler) Handle(ctx context.Context, _ string, events []dcb.Event) (int, error) {
	if err := h.publish(ctx, h.topic, events); err != nil {
		return 0, err
	}
	return len(events), nil
}

// NewRunners builds one processor runner per (topic, publisher) pair.
// publishers maps publisher names to their callbacks; every name listed
// in a topic must be present.
func NewRunners(
	store *dcb.EventStore,
	progress *processor.ProgressStore,
	topics map[string]TopicConfig,
	publishers map[string]PublishFunc,
	base processor.Config,
	logger zerolog.Logger,
) ([]*processor.Runner, error) {
	var runners []*processor.Runner
	for topic, tc := range topics {
		if len(tc.Publishers) == 0 {
			return nil, fmt.Errorf("topic %s has no publishers", topic)
		}
		query := tc.Query()
		for _, name := range tc.Publishers {
			publish, ok := publishers[name]
			if !ok {
				return nil, fmt.Errorf("topic %s references unknown publisher %s", topic, name)
			}
			cfg := applyOverride(base, tc.Overrides[name])
			runners = append(runners, processor.NewRunner(
				ProcessorID(topic, name),
				cfg,
				&fetcher{store: store, query: query},
				&handler{topic: topic, publish: publish},
				progress,
				store.HeadPosition,
				logger.With().Str("topic", topic).Str("publisher", name).Logger(),
			))
		}
	}
	return runners, nil
}

func applyOverride(base processor.Config, o ProcessorOverride) processor.Config {
	if o.PollingInterval != nil {
		base.PollingInterval = *o.PollingInterval
	}
	if o.BatchSize != nil {
		base.BatchSize = *o.BatchSize
	}
	if o.Enabled != nil {
		base.Enabled = *o.Enabled
	}
	return base
}
