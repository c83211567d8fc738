package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Status is the lifecycle state of a processor.
type Status string

const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
	StatusFailed Status = "failed"
)

// Progress tables per subsystem. Each subsystem keeps its own key shape
// inside processor_id ("topic/publisher" for outbox, the view name for
// views).
const (
	OutboxProgressTable = "outbox_progress"
	ViewProgressTable   = "view_progress"
)

// Progress is one processor's progress row.
type Progress struct {
	ProcessorID     string     `json:"processor_id"`
	LastPosition    int64      `json:"last_position"`
	Status          Status     `json:"status"`
	ErrorCount      int        `json:"error_count"`
	LastError       *string    `json:"last_error,omitempty"`
	LeaderInstance  *string    `json:"leader_instance,omitempty"`
	LeaderHeartbeat *time.Time `json:"leader_heartbeat,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ProgressStore tracks per-processor positions and status in one of the
// progress tables. Rows are created lazily on first claim and written only
// by the leader.
type ProgressStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewProgressStore creates a store over the given progress table. Use the
// table constants; the name is interpolated into SQL.
func NewProgressStore(pool *pgxpool.Pool, table string) *ProgressStore {
	return &ProgressStore{pool: pool, table: table}
}

// Table returns the backing table name.
func (ps *ProgressStore) Table() string { return ps.table }

// AutoRegister creates the progress row if it does not exist yet and
// stamps the claiming instance.
func (ps *ProgressStore) AutoRegister(ctx context.Context, processorID, instanceID string) error {
	_, err := ps.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (processor_id, leader_instance, leader_heartbeat)
		VALUES ($1, $2, now())
		ON CONFLICT (processor_id) DO NOTHING
	`, ps.table), processorID, instanceID)
	if err != nil {
		return fmt.Errorf("auto-register processor %s: %w", processorID, err)
	}
	return nil
}

// GetLastPosition returns the processor's last processed position.
func (ps *ProgressStore) GetLastPosition(ctx context.Context, processorID string) (int64, error) {
	var last int64
	err := ps.pool.QueryRow(ctx, fmt.Sprintf(
		"SELECT last_position FROM %s WHERE processor_id = $1", ps.table),
		processorID).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("get last position for %s: %w", processorID, err)
	}
	return last, nil
}

// UpdateProgress advances last_position. The GREATEST guard keeps the
// advance monotone even if a stale update races a newer one.
func (ps *ProgressStore) UpdateProgress(ctx context.Context, processorID string, position int64) error {
	_, err := ps.pool.Exec(ctx, ps.updateProgressSQL(), processorID, position)
	if err != nil {
		return fmt.Errorf("update progress for %s: %w", processorID, err)
	}
	return nil
}

// UpdateProgressTx advances last_position inside the caller's transaction.
// The view adapter uses this so progress advance commits atomically with
// the view updates.
func (ps *ProgressStore) UpdateProgressTx(ctx context.Context, tx pgx.Tx, processorID string, position int64) error {
	_, err := tx.Exec(ctx, ps.updateProgressSQL(), processorID, position)
	if err != nil {
		return fmt.Errorf("update progress for %s: %w", processorID, err)
	}
	return nil
}

func (ps *ProgressStore) updateProgressSQL() string {
	return fmt.Sprintf(`
		UPDATE %s
		SET last_position = GREATEST(last_position, $2), updated_at = now()
		WHERE processor_id = $1
	`, ps.table)
}

// RecordError increments the error counter and stores the message. Once
// error_count reaches maxErrors the processor is promoted to failed and
// skips work until reset. Returns the resulting status.
func (ps *ProgressStore) RecordError(ctx context.Context, processorID, message string, maxErrors int) (Status, error) {
	var status Status
	err := ps.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE %s
		SET error_count = error_count + 1,
		    last_error = $2,
		    status = CASE WHEN error_count + 1 >= $3 AND status = 'active' THEN 'failed' ELSE status END,
		    updated_at = now()
		WHERE processor_id = $1
		RETURNING status
	`, ps.table), processorID, message, maxErrors).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("record error for %s: %w", processorID, err)
	}
	return status, nil
}

// ResetErrorCount clears the error counter after a successful cycle.
func (ps *ProgressStore) ResetErrorCount(ctx context.Context, processorID string) error {
	_, err := ps.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET error_count = 0, last_error = NULL, updated_at = now()
		WHERE processor_id = $1
	`, ps.table), processorID)
	if err != nil {
		return fmt.Errorf("reset error count for %s: %w", processorID, err)
	}
	return nil
}

// GetStatus returns the processor's lifecycle status.
func (ps *ProgressStore) GetStatus(ctx context.Context, processorID string) (Status, error) {
	var status Status
	err := ps.pool.QueryRow(ctx, fmt.Sprintf(
		"SELECT status FROM %s WHERE processor_id = $1", ps.table),
		processorID).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("get status for %s: %w", processorID, err)
	}
	return status, nil
}

// SetStatus moves the processor between active and paused.
func (ps *ProgressStore) SetStatus(ctx context.Context, processorID string, status Status) error {
	_, err := ps.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET status = $2, updated_at = now() WHERE processor_id = $1
	`, ps.table), processorID, status)
	if err != nil {
		return fmt.Errorf("set status for %s: %w", processorID, err)
	}
	return nil
}

// Reset clears errors and reactivates a failed processor.
func (ps *ProgressStore) Reset(ctx context.Context, processorID string) error {
	_, err := ps.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = 'active', error_count = 0, last_error = NULL, updated_at = now()
		WHERE processor_id = $1
	`, ps.table), processorID)
	if err != nil {
		return fmt.Errorf("reset processor %s: %w", processorID, err)
	}
	return nil
}

// Heartbeat stamps the leader instance on the row.
func (ps *ProgressStore) Heartbeat(ctx context.Context, processorID, instanceID string) error {
	_, err := ps.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET leader_instance = $2, leader_heartbeat = now()
		WHERE processor_id = $1
	`, ps.table), processorID, instanceID)
	if err != nil {
		return fmt.Errorf("heartbeat for %s: %w", processorID, err)
	}
	return nil
}

// Get returns the full progress row.
func (ps *ProgressStore) Get(ctx context.Context, processorID string) (Progress, error) {
	row := ps.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT processor_id, last_position, status, error_count, last_error,
		       leader_instance, leader_heartbeat, updated_at
		FROM %s WHERE processor_id = $1
	`, ps.table), processorID)
	return scanProgress(row)
}

// List returns all progress rows in the table.
func (ps *ProgressStore) List(ctx context.Context) ([]Progress, error) {
	rows, err := ps.pool.Query(ctx, fmt.Sprintf(`
		SELECT processor_id, last_position, status, error_count, last_error,
		       leader_instance, leader_heartbeat, updated_at
		FROM %s ORDER BY processor_id
	`, ps.table))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", ps.table, err)
	}
	defer rows.Close()

	var out []Progress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProgress(row pgx.Row) (Progress, error) {
	var p Progress
	err := row.Scan(&p.ProcessorID, &p.LastPosition, &p.Status, &p.ErrorCount,
		&p.LastError, &p.LeaderInstance, &p.LeaderHeartbeat, &p.UpdatedAt)
	if err != nil {
		return Progress{}, fmt.Errorf("scan progress row: %w", err)
	}
	return p, nil
}
