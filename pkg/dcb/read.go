package dcb

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// rowQuerier is satisfied by *pgxpool.Pool, pgx.Tx and pgx.Conn.
type rowQuerier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// Read reads committed events matching the query in (transaction_id,
// position) order, optionally after a cursor and with a limit. It returns
// the events and a cursor naming the last event seen (or the input cursor
// when nothing matched).
func (es *EventStore) Read(ctx context.Context, query Query, options *ReadOptions) ([]Event, Cursor, error) {
	if err := validateQuery("read", query); err != nil {
		return nil, Cursor{}, err
	}

	queryCtx, cancel := es.withTimeout(ctx, es.config.QueryTimeout)
	defer cancel()

	return readEvents(queryCtx, es.reader(), query, options)
}

// FetchAfterPosition returns up to limit committed events matching the
// query with position strictly greater than after, ascending. This is the
// fetch contract of the event processors.
func (es *EventStore) FetchAfterPosition(ctx context.Context, query Query, after int64, limit int) ([]Event, error) {
	if err := validateQuery("fetch", query); err != nil {
		return nil, err
	}

	queryCtx, cancel := es.withTimeout(ctx, es.config.QueryTimeout)
	defer cancel()

	b := &sqlBuilder{}
	b.addQuery(query)
	b.addAfterPosition(after)
	sql := b.selectSQL(&limit)

	events, _, err := scanEvents(queryCtx, es.reader(), sql, b.args)
	return events, err
}

func readEvents(ctx context.Context, q rowQuerier, query Query, options *ReadOptions) ([]Event, Cursor, error) {
	b := &sqlBuilder{}
	b.addQuery(query)

	var after Cursor
	var limit *int
	if options != nil {
		if options.After != nil {
			after = *options.After
			b.addAfterCursor(after)
		}
		limit = options.Limit
	}

	events, cursor, err := scanEvents(ctx, q, b.selectSQL(limit), b.args)
	if err != nil {
		return nil, Cursor{}, err
	}
	if len(events) == 0 {
		return events, after, nil
	}
	return events, cursor, nil
}

// scanEvents runs the SELECT and scans rows into events, tracking the
// cursor of the last row.
func scanEvents(ctx context.Context, q rowQuerier, sql string, args []interface{}) ([]Event, Cursor, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, Cursor{}, resourceErr("read", "database",
			fmt.Errorf("failed to execute read query: %w", err))
	}
	defer rows.Close()

	var events []Event
	var last Cursor
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, Cursor{}, err
		}
		events = append(events, event)
		last = Cursor{TransactionID: event.TransactionID, Position: event.Position}
	}
	if err := rows.Err(); err != nil {
		return nil, Cursor{}, resourceErr("read", "database",
			fmt.Errorf("error iterating over events: %w", err))
	}
	return events, last, nil
}

func scanEvent(rows pgx.Rows) (Event, error) {
	var row struct {
		Type          string
		Tags          []string
		Data          []byte
		TransactionID uint64
		Position      int64
		OccurredAt    time.Time
	}
	if err := rows.Scan(&row.Type, &row.Tags, &row.Data, &row.TransactionID, &row.Position, &row.OccurredAt); err != nil {
		return Event{}, resourceErr("read", "database",
			fmt.Errorf("failed to scan event row: %w", err))
	}
	return Event{
		Type:          row.Type,
		Tags:          ParseTagsArray(row.Tags),
		Data:          row.Data,
		TransactionID: row.TransactionID,
		Position:      row.Position,
		OccurredAt:    row.OccurredAt,
	}, nil
}
