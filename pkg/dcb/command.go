package dcb

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Command is a request to change state, dispatched by its Type tag.
type Command struct {
	Type     string                 `json:"type"`
	Data     []byte                 `json:"data"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NewCommand creates a command with the given type tag and JSON payload.
func NewCommand(commandType string, data []byte, metadata map[string]interface{}) Command {
	return Command{Type: commandType, Data: data, Metadata: metadata}
}

// CommandResult is what a handler decides: the events to append, the DCB
// condition protecting them, and an optional reason used when the handler
// pre-computes an idempotent outcome by returning no events.
type CommandResult struct {
	Events    []InputEvent
	Condition AppendCondition
	Reason    string
}

// View is the transaction-scoped read surface handed to command handlers.
// Handlers may read and project repeatedly within their transaction but
// must not retain the view beyond their return.
type View interface {
	Read(ctx context.Context, query Query, options *ReadOptions) ([]Event, Cursor, error)
	Project(ctx context.Context, projectors []Projector, after Cursor) (map[string]any, Cursor, error)
	ProjectDecisionModel(ctx context.Context, projectors []Projector) (map[string]any, AppendCondition, error)
}

// CommandHandler turns a command into a CommandResult using the
// transactional view of the log.
type CommandHandler interface {
	Handle(ctx context.Context, view View, command Command) (CommandResult, error)
}

// CommandHandlerFunc allows using functions as CommandHandler implementations.
type CommandHandlerFunc func(ctx context.Context, view View, command Command) (CommandResult, error)

func (f CommandHandlerFunc) Handle(ctx context.Context, view View, command Command) (CommandResult, error) {
	return f(ctx, view, command)
}

// ExecutionResult reports how a command concluded: created new events or
// recognized a duplicate of an already-recorded operation.
type ExecutionResult struct {
	TransactionID uint64 `json:"transaction_id,omitempty"`
	Idempotent    bool   `json:"idempotent"`
	Reason        string `json:"reason,omitempty"`
}

// WasIdempotent reports whether the command was recognized as a duplicate.
func (r ExecutionResult) WasIdempotent() bool { return r.Idempotent }

const reasonDuplicateOperation = "duplicate_operation"

// ExecutorConfig tunes command execution behavior.
type ExecutorConfig struct {
	// RejectOnDuplicate lists command types whose semantics require a
	// conflict signal instead of an idempotent result when the
	// idempotency predicate matches (e.g. resource creation).
	RejectOnDuplicate []string
}

// CommandExecutor dispatches commands to registered handlers and runs each
// one in a single transaction: projection, condition evaluation, append
// and command audit all commit or roll back together.
type CommandExecutor struct {
	store             *EventStore
	handlers          map[string]CommandHandler
	rejectOnDuplicate map[string]bool
}

// NewCommandExecutor creates an executor bound to the store.
func NewCommandExecutor(store *EventStore, cfg ExecutorConfig) *CommandExecutor {
	reject := make(map[string]bool, len(cfg.RejectOnDuplicate))
	for _, t := range cfg.RejectOnDuplicate {
		reject[t] = true
	}
	return &CommandExecutor{
		store:             store,
		handlers:          make(map[string]CommandHandler),
		rejectOnDuplicate: reject,
	}
}

// Register binds a handler to a command type. Registering the same type
// twice is a bug and fails loudly.
func (ce *CommandExecutor) Register(commandType string, handler CommandHandler) error {
	if commandType == "" {
		return validationErr("register", "commandType", "empty",
			fmt.Errorf("command type cannot be empty"))
	}
	if handler == nil {
		return validationErr("register", "handler", "nil",
			fmt.Errorf("handler cannot be nil"))
	}
	if _, dup := ce.handlers[commandType]; dup {
		return validationErr("register", "commandType", commandType,
			fmt.Errorf("handler already registered for command type %s", commandType))
	}
	ce.handlers[commandType] = handler
	return nil
}

// Execute runs one command. Concurrency violations surface as
// ConcurrencyError so the caller may retry; idempotency violations come
// back as an idempotent result unless the command type is configured
// reject-on-duplicate.
func (ce *CommandExecutor) Execute(ctx context.Context, command Command) (ExecutionResult, error) {
	if command.Type == "" {
		return ExecutionResult{}, validationErr("execute", "command.type", "empty",
			fmt.Errorf("command type cannot be empty"))
	}
	handler, ok := ce.handlers[command.Type]
	if !ok {
		return ExecutionResult{}, validationErr("execute", "command.type", command.Type,
			fmt.Errorf("no handler registered for command type %s", command.Type))
	}

	execCtx, cancel := ce.store.withTimeout(ctx, ce.store.config.AppendTimeout)
	defer cancel()

	// Same isolation constraint as AppendIf: the condition checks need
	// fresh statement snapshots after the advisory-lock wait.
	tx, err := ce.store.pool.BeginTx(execCtx, pgx.TxOptions{
		IsoLevel: pgx.ReadCommitted,
	})
	if err != nil {
		return ExecutionResult{}, resourceErr("execute", "database",
			fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	view := &txView{tx: tx, fetchSize: ce.store.config.FetchSize}
	result, handlerErr := handler.Handle(execCtx, view, command)
	if handlerErr != nil {
		return ExecutionResult{}, &EventStoreError{
			Op:  fmt.Sprintf("execute(%s)", command.Type),
			Err: handlerErr,
		}
	}

	if result.Events == nil {
		return ExecutionResult{}, validationErr("execute", "events", "nil",
			fmt.Errorf("handler for %s returned nil events", command.Type))
	}
	for i, event := range result.Events {
		if err := validateEvent(event, i); err != nil {
			return ExecutionResult{}, err
		}
	}
	if err := validateCondition("execute", result.Condition); err != nil {
		return ExecutionResult{}, err
	}

	// A handler that decided nothing needs to be written has recognized
	// the operation as already applied.
	if len(result.Events) == 0 {
		reason := result.Reason
		if reason == "" {
			reason = reasonDuplicateOperation
		}
		return ExecutionResult{Idempotent: true, Reason: reason}, nil
	}

	outcome, err := ce.store.appendIfInTx(execCtx, tx, result.Events, result.Condition)
	if err != nil {
		return ExecutionResult{}, err
	}
	switch outcome.Kind {
	case OutcomeIdempotencyViolation:
		if ce.rejectOnDuplicate[command.Type] {
			return ExecutionResult{}, &ConcurrencyError{
				EventStoreError: EventStoreError{
					Op:  fmt.Sprintf("execute(%s)", command.Type),
					Err: fmt.Errorf("duplicate operation rejected for command type %s", command.Type),
				},
				Cursor: result.Condition.AfterCursor,
			}
		}
		return ExecutionResult{Idempotent: true, Reason: reasonDuplicateOperation}, nil
	case OutcomeConcurrencyViolation:
		return ExecutionResult{}, &ConcurrencyError{
			EventStoreError: EventStoreError{
				Op:  fmt.Sprintf("execute(%s)", command.Type),
				Err: fmt.Errorf("append condition violated"),
			},
			Cursor: result.Condition.AfterCursor,
		}
	}

	if ce.store.config.PersistCommands {
		if err := insertCommand(execCtx, tx, command, ce.store.clock); err != nil {
			return ExecutionResult{}, err
		}
	}

	if err := tx.Commit(execCtx); err != nil {
		return ExecutionResult{}, resourceErr("execute", "database",
			fmt.Errorf("failed to commit transaction: %w", err))
	}
	return ExecutionResult{TransactionID: outcome.TransactionID}, nil
}

// insertCommand writes the audit row keyed by this transaction's id.
func insertCommand(ctx context.Context, tx pgx.Tx, command Command, clock Clock) error {
	var metadata []byte
	if command.Metadata != nil {
		var err error
		metadata, err = json.Marshal(command.Metadata)
		if err != nil {
			return resourceErr("execute", "json",
				fmt.Errorf("failed to marshal command metadata: %w", err))
		}
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO commands (transaction_id, type, data, metadata, occurred_at)
		VALUES (pg_current_xact_id(), $1, $2, $3, $4)
	`, command.Type, command.Data, metadata, clock.Now())
	if err != nil {
		return resourceErr("execute", "database",
			fmt.Errorf("failed to store command: %w", err))
	}
	return nil
}

// txView binds reads and projections to the executor's transaction.
type txView struct {
	tx        pgx.Tx
	fetchSize int
}

func (v *txView) Read(ctx context.Context, query Query, options *ReadOptions) ([]Event, Cursor, error) {
	if err := validateQuery("read", query); err != nil {
		return nil, Cursor{}, err
	}
	return readEvents(ctx, v.tx, query, options)
}

func (v *txView) Project(ctx context.Context, projectors []Projector, after Cursor) (map[string]any, Cursor, error) {
	if err := validateProjectors("project", projectors); err != nil {
		return nil, Cursor{}, err
	}
	return projectEvents(ctx, v.tx, projectors, after, v.fetchSize)
}

func (v *txView) ProjectDecisionModel(ctx context.Context, projectors []Projector) (map[string]any, AppendCondition, error) {
	states, cursor, err := v.Project(ctx, projectors, Cursor{})
	if err != nil {
		return nil, AppendCondition{}, err
	}
	return states, NewAppendConditionAfter(unionQuery(projectors), cursor), nil
}
