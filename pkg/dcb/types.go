package dcb

import (
	"fmt"
	"time"
)

// Tag is a key-value pair used for event categorization.
// The same key may appear multiple times on one event.
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Event is a single committed event in the store.
type Event struct {
	Type          string    `json:"type"`
	Tags          []Tag     `json:"tags"`
	Data          []byte    `json:"data"`
	TransactionID uint64    `json:"transaction_id"`
	Position      int64     `json:"position"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// InputEvent is an event staged for insertion. Position, transaction id
// and occurred_at are assigned atomically at commit.
type InputEvent struct {
	Type string `json:"type"`
	Tags []Tag  `json:"tags"`
	Data []byte `json:"data"`
}

// Cursor names a point in the log after which behavior is evaluated.
// Position 0 means "empty log". Events are returned exclusive of the
// cursor position itself.
type Cursor struct {
	TransactionID uint64 `json:"transaction_id"`
	Position      int64  `json:"position"`
}

// IsZero reports whether the cursor points at the empty log.
func (c Cursor) IsZero() bool {
	return c.Position == 0 && c.TransactionID == 0
}

// QueryItem is a single atomic query condition. An event matches the item
// when all the populated predicates hold:
//   - EventTypes: event type is in the set (empty = any type)
//   - Tags: every pair is present on the event (exact match)
//   - RequiredKeys: every key is present on the event, any value
//   - AnyOfKeys: at least one of the keys is present on the event
type QueryItem struct {
	EventTypes   []string `json:"event_types,omitempty"`
	Tags         []Tag    `json:"tags,omitempty"`
	RequiredKeys []string `json:"required_keys,omitempty"`
	AnyOfKeys    []string `json:"any_of_keys,omitempty"`
}

// Query combines query items with OR logic: an event matches the query
// when it matches at least one item.
type Query struct {
	Items []QueryItem `json:"items"`
}

// IsEmpty reports whether the query has no items.
func (q Query) IsEmpty() bool { return len(q.Items) == 0 }

// AppendCondition carries the DCB contract for a conditional append.
// FailIfEventsMatch is evaluated against committed events with
// position > AfterCursor.Position; Idempotency (optional) is evaluated
// against the entire log.
type AppendCondition struct {
	FailIfEventsMatch Query  `json:"fail_if_events_match"`
	AfterCursor       Cursor `json:"after_cursor"`
	Idempotency       *Query `json:"idempotency,omitempty"`
}

// AppendOutcomeKind enumerates the possible results of AppendIf.
type AppendOutcomeKind int

const (
	// OutcomeAppended means the batch was committed.
	OutcomeAppended AppendOutcomeKind = iota
	// OutcomeConcurrencyViolation means a committed event after the cursor
	// matched the fail query; the caller may re-project and retry.
	OutcomeConcurrencyViolation
	// OutcomeIdempotencyViolation means the logical operation was already
	// recorded somewhere in the log.
	OutcomeIdempotencyViolation
)

func (k AppendOutcomeKind) String() string {
	switch k {
	case OutcomeAppended:
		return "APPENDED"
	case OutcomeConcurrencyViolation:
		return "CONCURRENCY_VIOLATION"
	case OutcomeIdempotencyViolation:
		return "IDEMPOTENCY_VIOLATION"
	default:
		return "UNKNOWN"
	}
}

// AppendOutcome is the explicit result of a conditional append. Violations
// are reported here, not as errors; only infrastructure failures surface
// through the error return.
type AppendOutcome struct {
	Kind AppendOutcomeKind `json:"kind"`
	// TransactionID is set only when Kind is OutcomeAppended.
	TransactionID uint64 `json:"transaction_id,omitempty"`
}

// Appended reports whether the batch was committed.
func (o AppendOutcome) Appended() bool { return o.Kind == OutcomeAppended }

// IsolationLevel represents PostgreSQL transaction isolation levels as a
// type-safe enum. Only valid values can be constructed via constants or
// ParseIsolationLevel.
type IsolationLevel int

const (
	IsolationLevelReadCommitted IsolationLevel = iota
	IsolationLevelRepeatableRead
	IsolationLevelSerializable
)

func (l IsolationLevel) String() string {
	switch l {
	case IsolationLevelReadCommitted:
		return "READ_COMMITTED"
	case IsolationLevelRepeatableRead:
		return "REPEATABLE_READ"
	case IsolationLevelSerializable:
		return "SERIALIZABLE"
	default:
		return "UNKNOWN"
	}
}

func ParseIsolationLevel(s string) (IsolationLevel, error) {
	switch s {
	case "READ_COMMITTED", "read_committed":
		return IsolationLevelReadCommitted, nil
	case "REPEATABLE_READ", "repeatable_read":
		return IsolationLevelRepeatableRead, nil
	case "SERIALIZABLE", "serializable":
		return IsolationLevelSerializable, nil
	default:
		return IsolationLevelReadCommitted, fmt.Errorf("invalid isolation level: %s", s)
	}
}

// EventStoreConfig contains configuration for EventStore behavior.
type EventStoreConfig struct {
	MaxBatchSize    int            `json:"max_batch_size"`
	FetchSize       int            `json:"fetch_size"`       // Page size for streaming reads and projections
	QueryTimeout    int            `json:"query_timeout"`    // Query timeout in milliseconds
	AppendTimeout   int            `json:"append_timeout"`   // Append timeout in milliseconds
	PersistCommands bool           `json:"persist_commands"` // Write command audit rows
	// AppendIsolation applies to unconditional appends only. AppendIf and
	// command execution always run at READ COMMITTED because their
	// condition checks need fresh statement snapshots after the
	// advisory-lock wait.
	AppendIsolation IsolationLevel `json:"append_isolation"`
}

// ReadOptions provides options for reading events.
type ReadOptions struct {
	After *Cursor `json:"after,omitempty"`
	Limit *int    `json:"limit,omitempty"`
}

// ConnectionPoolHealth is a snapshot of the primary pool state.
type ConnectionPoolHealth struct {
	TotalConns        int32  `json:"total_conns"`
	IdleConns         int32  `json:"idle_conns"`
	AcquiredConns     int32  `json:"acquired_conns"`
	ConstructingConns int32  `json:"constructing_conns"`
	Healthy           bool   `json:"healthy"`
	Message           string `json:"message"`
}
