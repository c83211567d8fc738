package dcb

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Append appends events to the store without any consistency or
// concurrency checks. Use this only when there are no business rules to
// protect, e.g. seeding and tests. Returns the transaction id shared by
// the batch.
func (es *EventStore) Append(ctx context.Context, events []InputEvent) (uint64, error) {
	if err := es.validateBatch("append", events); err != nil {
		return 0, err
	}

	appendCtx, cancel := es.withTimeout(ctx, es.config.AppendTimeout)
	defer cancel()

	tx, err := es.pool.BeginTx(appendCtx, pgx.TxOptions{
		IsoLevel: toPgxIsoLevel(es.config.AppendIsolation),
	})
	if err != nil {
		return 0, resourceErr("append", "database",
			fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	txid, err := es.insertBatch(appendCtx, tx, events)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(appendCtx); err != nil {
		return 0, resourceErr("append", "database",
			fmt.Errorf("failed to commit transaction: %w", err))
	}
	return txid, nil
}

// AppendIf appends events under the DCB contract: the batch commits only
// when no committed event after the condition's cursor matches the fail
// query and, when an idempotency query is supplied, no committed event
// anywhere in the log matches it. Violations are reported in the outcome;
// the error return carries validation and infrastructure failures only.
func (es *EventStore) AppendIf(ctx context.Context, events []InputEvent, condition AppendCondition) (AppendOutcome, error) {
	if err := es.validateBatch("appendIf", events); err != nil {
		return AppendOutcome{}, err
	}
	if err := validateCondition("appendIf", condition); err != nil {
		return AppendOutcome{}, err
	}

	appendCtx, cancel := es.withTimeout(ctx, es.config.AppendTimeout)
	defer cancel()

	// The condition checks depend on READ COMMITTED statement snapshots:
	// the advisory-lock wait must finish before the duplicate probe takes
	// its snapshot. At REPEATABLE READ the snapshot is pinned by the lock
	// statement itself, so a duplicate committed during the wait would be
	// invisible. Conditional appends therefore ignore the configured
	// append isolation.
	tx, err := es.pool.BeginTx(appendCtx, pgx.TxOptions{
		IsoLevel: pgx.ReadCommitted,
	})
	if err != nil {
		return AppendOutcome{}, resourceErr("appendIf", "database",
			fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	outcome, err := es.appendIfInTx(appendCtx, tx, events, condition)
	if err != nil {
		return AppendOutcome{}, err
	}
	if !outcome.Appended() {
		// Nothing was written; roll back via the deferred Rollback.
		return outcome, nil
	}
	if err := tx.Commit(appendCtx); err != nil {
		return AppendOutcome{}, resourceErr("appendIf", "database",
			fmt.Errorf("failed to commit transaction: %w", err))
	}
	return outcome, nil
}

// appendIfInTx runs the conditional append inside an existing transaction.
// The command executor shares this with its own projection and audit work.
func (es *EventStore) appendIfInTx(ctx context.Context, tx pgx.Tx, events []InputEvent, condition AppendCondition) (AppendOutcome, error) {
	// 1. Serialize concurrent attempts for the same logical operation.
	// The lock is transaction-scoped; commit or rollback releases it.
	if condition.Idempotency != nil {
		key := idempotencyLockKey(*condition.Idempotency)
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", key); err != nil {
			return AppendOutcome{}, resourceErr("appendIf", "database",
				fmt.Errorf("failed to acquire advisory lock: %w", err))
		}

		// 2. Duplicate detection over the entire log. The advisory lock
		// guarantees a concurrent duplicate has either committed (visible
		// to this fresh statement snapshot) or not started its insert.
		dup, err := es.queryExists(ctx, tx, *condition.Idempotency, 0)
		if err != nil {
			return AppendOutcome{}, err
		}
		if dup {
			return AppendOutcome{Kind: OutcomeIdempotencyViolation}, nil
		}
	}

	// 3. Cursor-scoped concurrency check. Runs at READ COMMITTED so the
	// statement snapshot includes every commit before it starts; no
	// snapshot-visibility filter is applied on transaction_id, which would
	// mask concurrent writers.
	if !condition.FailIfEventsMatch.IsEmpty() {
		conflict, err := es.queryExists(ctx, tx, condition.FailIfEventsMatch, condition.AfterCursor.Position)
		if err != nil {
			return AppendOutcome{}, err
		}
		if conflict {
			return AppendOutcome{Kind: OutcomeConcurrencyViolation}, nil
		}
	}

	// 4. Insert the batch; all events share this transaction's id and
	// consume strictly increasing positions in caller order.
	txid, err := es.insertBatch(ctx, tx, events)
	if err != nil {
		return AppendOutcome{}, err
	}
	return AppendOutcome{Kind: OutcomeAppended, TransactionID: txid}, nil
}

// OutcomeError converts a violation outcome into its typed error for
// callers that prefer error control flow over outcome inspection. Returns
// nil when the batch was appended.
func OutcomeError(outcome AppendOutcome, condition AppendCondition) error {
	switch outcome.Kind {
	case OutcomeConcurrencyViolation:
		return &ConcurrencyError{
			EventStoreError: EventStoreError{Op: "appendIf", Err: fmt.Errorf("append condition violated")},
			Cursor:          condition.AfterCursor,
		}
	case OutcomeIdempotencyViolation:
		return &IdempotencyError{
			EventStoreError: EventStoreError{Op: "appendIf", Err: fmt.Errorf("operation already recorded")},
		}
	}
	return nil
}

// queryExists probes for any committed event matching the query with
// position > afterPosition (0 = whole log).
func (es *EventStore) queryExists(ctx context.Context, tx pgx.Tx, query Query, afterPosition int64) (bool, error) {
	b := &sqlBuilder{}
	b.addQuery(query)
	b.addAfterPosition(afterPosition)

	var exists bool
	if err := tx.QueryRow(ctx, b.existsSQL(), b.args...).Scan(&exists); err != nil {
		return false, resourceErr("appendIf", "database",
			fmt.Errorf("failed to evaluate append condition: %w", err))
	}
	return exists, nil
}

// insertBatch inserts the events and returns the shared transaction id.
func (es *EventStore) insertBatch(ctx context.Context, tx pgx.Tx, events []InputEvent) (uint64, error) {
	occurredAt := es.clock.Now()

	batch := &pgx.Batch{}
	for _, event := range events {
		batch.Queue(`
			INSERT INTO events (type, tags, data, occurred_at)
			VALUES ($1, $2::text[], $3, $4)
			RETURNING transaction_id
		`, event.Type, TagsToArray(event.Tags), event.Data, occurredAt)
	}

	br := tx.SendBatch(ctx, batch)
	defer br.Close()

	var txid uint64
	for i := range events {
		var rowTxid uint64
		if err := br.QueryRow().Scan(&rowTxid); err != nil {
			return 0, resourceErr("append", "database",
				fmt.Errorf("failed to insert event %d: %w", i, err))
		}
		txid = rowTxid
	}
	if err := br.Close(); err != nil {
		return 0, resourceErr("append", "database",
			fmt.Errorf("failed to flush insert batch: %w", err))
	}
	return txid, nil
}

// idempotencyLockKey derives a deterministic 64-bit advisory lock key from
// the idempotency query: the exact-match pairs of all items, sorted by
// (key, value), joined as "k:v" with "," and hashed with FNV-64a. Two
// equivalent predicates produce the same key regardless of tag order.
func idempotencyLockKey(q Query) int64 {
	var pairs []string
	for _, item := range q.Items {
		for _, t := range item.Tags {
			pairs = append(pairs, t.Key+":"+t.Value)
		}
	}
	sort.Strings(pairs)

	h := fnv.New64a()
	h.Write([]byte(strings.Join(pairs, ",")))
	return int64(h.Sum64())
}
