package dcb

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventStore is the single writer of the events log and the read engine
// for projections. Appends always go to the primary pool; reads use the
// replica pool when one is configured.
type EventStore struct {
	pool     *pgxpool.Pool // Primary: appends, command execution
	readPool *pgxpool.Pool // Replica reads; nil means use primary
	config   EventStoreConfig
	clock    Clock
}

// Option configures an EventStore.
type Option func(*EventStore)

// WithConfig replaces the default configuration.
func WithConfig(cfg EventStoreConfig) Option {
	return func(es *EventStore) {
		if cfg.MaxBatchSize > 0 {
			es.config.MaxBatchSize = cfg.MaxBatchSize
		}
		if cfg.FetchSize > 0 {
			es.config.FetchSize = cfg.FetchSize
		}
		if cfg.QueryTimeout > 0 {
			es.config.QueryTimeout = cfg.QueryTimeout
		}
		if cfg.AppendTimeout > 0 {
			es.config.AppendTimeout = cfg.AppendTimeout
		}
		es.config.PersistCommands = cfg.PersistCommands
		es.config.AppendIsolation = cfg.AppendIsolation
	}
}

// WithReadReplica routes reads and projections to the given pool.
func WithReadReplica(pool *pgxpool.Pool) Option {
	return func(es *EventStore) { es.readPool = pool }
}

// WithClock replaces the wall clock used for occurred_at stamps.
func WithClock(clock Clock) Option {
	return func(es *EventStore) { es.clock = clock }
}

// defaultConfig mirrors the defaults the schema and tests assume.
func defaultConfig() EventStoreConfig {
	return EventStoreConfig{
		MaxBatchSize:    1000,
		FetchSize:       500,
		QueryTimeout:    15000,
		AppendTimeout:   10000,
		AppendIsolation: IsolationLevelReadCommitted,
	}
}

// NewEventStore creates a new EventStore using the provided PostgreSQL
// connection pool, verifying connectivity first.
func NewEventStore(ctx context.Context, pool *pgxpool.Pool, opts ...Option) (*EventStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctx); err != nil {
		return nil, resourceErr("NewEventStore", "database",
			fmt.Errorf("unable to connect to database: %w", err))
	}
	return NewEventStoreFromPool(pool, opts...), nil
}

// NewEventStoreFromPool creates an EventStore from an existing pool without
// connection testing. Used by tests that share a Postgres container.
func NewEventStoreFromPool(pool *pgxpool.Pool, opts ...Option) *EventStore {
	es := &EventStore{
		pool:   pool,
		config: defaultConfig(),
		clock:  systemClock{},
	}
	for _, opt := range opts {
		opt(es)
	}
	return es
}

// GetConfig returns the current EventStore configuration.
func (es *EventStore) GetConfig() EventStoreConfig { return es.config }

// Pool exposes the primary pool for collaborators that share its
// transactions (command executor, view adapter).
func (es *EventStore) Pool() *pgxpool.Pool { return es.pool }

// reader returns the pool used for reads and projections.
func (es *EventStore) reader() *pgxpool.Pool {
	if es.readPool != nil {
		return es.readPool
	}
	return es.pool
}

// withTimeout creates a context with a deadline, respecting the caller's
// deadline when one is set.
func (es *EventStore) withTimeout(ctx context.Context, defaultTimeoutMs int) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(defaultTimeoutMs)*time.Millisecond)
}

func toPgxIsoLevel(level IsolationLevel) pgx.TxIsoLevel {
	switch level {
	case IsolationLevelRepeatableRead:
		return pgx.RepeatableRead
	case IsolationLevelSerializable:
		return pgx.Serializable
	default:
		return pgx.ReadCommitted
	}
}

// CheckConnectionPoolHealth returns a snapshot of the primary pool state.
func (es *EventStore) CheckConnectionPoolHealth() ConnectionPoolHealth {
	stats := es.pool.Stat()
	return ConnectionPoolHealth{
		TotalConns:        stats.TotalConns(),
		IdleConns:         stats.IdleConns(),
		AcquiredConns:     stats.AcquiredConns(),
		ConstructingConns: stats.ConstructingConns(),
		Healthy:           stats.TotalConns() > 0,
		Message:           fmt.Sprintf("Pool has %d total connections", stats.TotalConns()),
	}
}

// HeadPosition returns the maximum committed position, or 0 on an empty log.
// Processor lag is computed against this value.
func (es *EventStore) HeadPosition(ctx context.Context) (int64, error) {
	var head int64
	err := es.reader().QueryRow(ctx, "SELECT COALESCE(MAX(position), 0) FROM events").Scan(&head)
	if err != nil {
		return 0, resourceErr("headPosition", "database",
			fmt.Errorf("failed to read head position: %w", err))
	}
	return head, nil
}
