package views

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/jackc/pgx/v5"

	"go-driftmark/pkg/dcb"
)

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// NewRecorderProjector mirrors the subscription's events into a relational
// table for ad-hoc SQL, so a view can be wired from configuration alone.
// The table needs the columns (position BIGINT PRIMARY KEY, transaction_id
// XID8, type TEXT, tags TEXT[], data BYTEA, occurred_at TIMESTAMPTZ); the
// primary key makes redelivery idempotent.
func NewRecorderProjector(table string) (Projector, error) {
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid recorder table name %q", table)
	}
	insertSQL := fmt.Sprintf(`
		INSERT INTO %s (position, transaction_id, type, tags, data, occurred_at)
		VALUES ($1, $2::xid8, $3, $4::text[], $5, $6)
		ON CONFLICT (position) DO NOTHING
	`, table)

	return ProjectorFunc(func(ctx context.Context, tx pgx.Tx, event dcb.Event) error {
		_, err := tx.Exec(ctx, insertSQL,
			event.Position,
			strconv.FormatUint(event.TransactionID, 10),
			event.Type,
			dcb.TagsToArray(event.Tags),
			event.Data,
			event.OccurredAt,
		)
		if err != nil {
			return fmt.Errorf("record event at position %d into %s: %w", event.Position, table, err)
		}
		return nil
	}), nil
}
