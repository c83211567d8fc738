// Package views materializes read models from committed events through
// the generic processor framework. Each view subscription is one
// processor; its updates and progress advance commit in one transaction,
// so a view never observes an event twice after a clean commit.
package views

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"go-driftmark/pkg/dcb"
	"go-driftmark/pkg/processor"
)

// Subscription selects which events a view consumes. EventTypes (empty =
// any), RequiredTags (all keys present) and AnyOfTags (at least one key
// present) are conjoined. RecorderTable, when set, backs the view with
// the built-in recorder projector instead of a registered one.
type Subscription struct {
	ViewName      string   `yaml:"view_name"`
	EventTypes    []string `yaml:"event_types"`
	RequiredTags  []string `yaml:"required_tags"`
	AnyOfTags     []string `yaml:"any_of_tags"`
	RecorderTable string   `yaml:"recorder_table"`
}

// Query renders the subscription as an event store query.
func (s Subscription) Query() dcb.Query {
	return dcb.Query{Items: []dcb.QueryItem{{
		EventTypes:   s.EventTypes,
		RequiredKeys: s.RequiredTags,
		AnyOfKeys:    s.AnyOfTags,
	}}}
}

// Projector applies one event to the view's tables inside the delivery
// transaction. Redelivery after a crash is possible, so upserts and
// other idempotent writes are required.
type Projector interface {
	Apply(ctx context.Context, tx pgx.Tx, event dcb.Event) error
}

// ProjectorFunc allows using functions as Projector implementations.
type ProjectorFunc func(ctx context.Context, tx pgx.Tx, event dcb.Event) error

func (f ProjectorFunc) Apply(ctx context.Context, tx pgx.Tx, event dcb.Event) error {
	return f(ctx, tx, event)
}

// fetcher reads a subscription's events from the store.
type fetcher struct {
	store *dcb.EventStore
	query dcb.Query
}

func (f *fetcher) Fetch(ctx context.Context, _ string, lastPosition int64, batchSize int) ([]dcb.Event, error) {
	return f.store.FetchAfterPosition(ctx, f.query, lastPosition, batchSize)
}

// handler applies a batch to the view in one transaction together with
// the progress advance.
type handler struct {
	pool      *pgxpool.Pool
	progress  *processor.ProgressStore
	projector Projector
}

func (h *handler) Handle(ctx context.Context, processorID string, events []dcb.Event) (int, error) {
	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin view transaction for %s: %w", processorID, err)
	}
	defer tx.Rollback(ctx)

	for _, event := range events {
		if err := h.projector.Apply(ctx, tx, event); err != nil {
			return 0, fmt.Errorf("apply event at position %d to %s: %w", event.Position, processorID, err)
		}
	}
	if err := h.progress.UpdateProgressTx(ctx, tx, processorID, events[len(events)-1].Position); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit view transaction for %s: %w", processorID, err)
	}
	return len(events), nil
}

// NewRunners builds one processor runner per subscription. projectors
// maps view names to their projectors; every subscription must have one.
func NewRunners(
	store *dcb.EventStore,
	pool *pgxpool.Pool,
	progress *processor.ProgressStore,
	subscriptions []Subscription,
	projectors map[string]Projector,
	base processor.Config,
	logger zerolog.Logger,
) ([]*processor.Runner, error) {
	var runners []*processor.Runner
	for _, sub := range subscriptions {
		if sub.ViewName == "" {
			return nil, fmt.Errorf("view subscription with empty view name")
		}
		projector, ok := projectors[sub.ViewName]
		if !ok {
			return nil, fmt.Errorf("no projector registered for view %s", sub.ViewName)
		}
		runners = append(runners, processor.NewRunner(
			sub.ViewName,
			base,
			&fetcher{store: store, query: sub.Query()},
			&handler{pool: pool, progress: progress, projector: projector},
			progress,
			store.HeadPosition,
			logger.With().Str("view", sub.ViewName).Logger(),
		))
	}
	return runners, nil
}
