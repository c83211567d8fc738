package dcb

import (
	"fmt"
	"strconv"
	"strings"
)

const eventColumns = "type, tags, data, transaction_id, position, occurred_at"

// sqlBuilder accumulates a WHERE clause with positional args.
type sqlBuilder struct {
	conditions []string
	args       []interface{}
}

func (b *sqlBuilder) arg(v interface{}) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

// addQuery renders the query as one OR-joined condition. An empty query
// (or an item with no predicates) matches all events and adds nothing.
func (b *sqlBuilder) addQuery(q Query) {
	if len(q.Items) == 0 {
		return
	}
	orConditions := make([]string, 0, len(q.Items))
	for _, item := range q.Items {
		andConditions := make([]string, 0, 4)

		if len(item.EventTypes) > 0 {
			andConditions = append(andConditions,
				fmt.Sprintf("type = ANY(%s::text[])", b.arg(item.EventTypes)))
		}

		// Exact pairs use containment over the "key=value" storage form.
		if len(item.Tags) > 0 {
			andConditions = append(andConditions,
				fmt.Sprintf("tags @> %s::text[]", b.arg(TagsToArray(item.Tags))))
		}

		// Key presence is a prefix test on the storage form; split_part
		// mirrors the first-'=' parse on the read side.
		for _, key := range item.RequiredKeys {
			andConditions = append(andConditions, fmt.Sprintf(
				"EXISTS (SELECT 1 FROM unnest(tags) AS t WHERE split_part(t, '=', 1) = %s)",
				b.arg(key)))
		}

		if len(item.AnyOfKeys) > 0 {
			andConditions = append(andConditions, fmt.Sprintf(
				"EXISTS (SELECT 1 FROM unnest(tags) AS t WHERE split_part(t, '=', 1) = ANY(%s::text[]))",
				b.arg(item.AnyOfKeys)))
		}

		if len(andConditions) == 0 {
			// Item with no predicates matches everything; the whole OR
			// collapses to true.
			return
		}
		orConditions = append(orConditions, "("+strings.Join(andConditions, " AND ")+")")
	}
	b.conditions = append(b.conditions, "("+strings.Join(orConditions, " OR ")+")")
}

// addAfterCursor restricts to events strictly after the cursor in
// (transaction_id, position) order.
func (b *sqlBuilder) addAfterCursor(c Cursor) {
	if c.IsZero() {
		return
	}
	b.conditions = append(b.conditions, fmt.Sprintf(
		"(transaction_id, position) > (%s::xid8, %s)",
		b.arg(xid8Arg(c.TransactionID)), b.arg(c.Position)))
}

// addAfterPosition restricts by position alone. Used for the concurrency
// check and processor fetches.
func (b *sqlBuilder) addAfterPosition(position int64) {
	if position <= 0 {
		return
	}
	b.conditions = append(b.conditions, fmt.Sprintf("position > %s", b.arg(position)))
}

func (b *sqlBuilder) where() string {
	if len(b.conditions) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.conditions, " AND ")
}

// selectSQL renders a full SELECT over events in commit-consistent order.
func (b *sqlBuilder) selectSQL(limit *int) string {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(eventColumns)
	sb.WriteString(" FROM events")
	sb.WriteString(b.where())
	sb.WriteString(" ORDER BY transaction_id ASC, position ASC")
	if limit != nil {
		sb.WriteString(fmt.Sprintf(" LIMIT %s", b.arg(*limit)))
	}
	return sb.String()
}

// existsSQL renders a cheap existence probe.
func (b *sqlBuilder) existsSQL() string {
	return "SELECT EXISTS (SELECT 1 FROM events" + b.where() + ")"
}

// xid8Arg renders a transaction id for an xid8 cast. pgx has no native
// uint64 text encoding for xid8 parameters, so it travels as text.
func xid8Arg(txid uint64) string {
	return strconv.FormatUint(txid, 10)
}
