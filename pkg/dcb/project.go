package dcb

import (
	"context"
	"fmt"
)

// Projector folds events into decision state. An event is offered to
// projectors in declaration order and dispatched to the first one whose
// EventTypes set (empty = any) and exact Tags (empty = any) accept it.
type Projector struct {
	ID           string
	EventTypes   []string
	Tags         []Tag
	InitialState any
	Transition   func(state any, event Event) any
}

// accepts reports whether the projector's declared filter matches the event.
func (p Projector) accepts(event Event) bool {
	if len(p.EventTypes) > 0 {
		found := false
		for _, t := range p.EventTypes {
			if t == event.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, want := range p.Tags {
		present := false
		for _, have := range event.Tags {
			if have == want {
				present = true
				break
			}
		}
		if !present {
			return false
		}
	}
	return true
}

// query renders the projector's filter as a query item.
func (p Projector) query() QueryItem {
	return QueryItem{EventTypes: p.EventTypes, Tags: p.Tags}
}

func validateProjectors(op string, projectors []Projector) error {
	if len(projectors) == 0 {
		return validationErr(op, "projectors", "empty",
			fmt.Errorf("projectors must not be empty"))
	}
	seen := make(map[string]bool, len(projectors))
	for i, p := range projectors {
		if p.ID == "" {
			return validationErr(op, "projector.id", "empty",
				fmt.Errorf("projector at index %d has empty ID", i))
		}
		if seen[p.ID] {
			return validationErr(op, "projector.id", p.ID,
				fmt.Errorf("duplicate projector ID %s", p.ID))
		}
		seen[p.ID] = true
		if p.Transition == nil {
			return validationErr(op, "projector.transition", "nil",
				fmt.Errorf("projector %s has nil transition function", p.ID))
		}
	}
	return nil
}

// unionQuery is the disjunction of all projector filters.
func unionQuery(projectors []Projector) Query {
	items := make([]QueryItem, len(projectors))
	for i, p := range projectors {
		items[i] = p.query()
	}
	return Query{Items: items}
}

// Project streams all committed events matching the union of the projector
// filters with (transaction_id, position) > after, folds them through the
// projectors, and returns the final states keyed by projector ID plus a
// cursor naming the last event seen (after itself when none matched).
// Pages of FetchSize rows keep memory flat for arbitrarily large logs.
func (es *EventStore) Project(ctx context.Context, projectors []Projector, after Cursor) (map[string]any, Cursor, error) {
	if err := validateProjectors("project", projectors); err != nil {
		return nil, Cursor{}, err
	}

	queryCtx, cancel := es.withTimeout(ctx, es.config.QueryTimeout)
	defer cancel()

	return projectEvents(queryCtx, es.reader(), projectors, after, es.config.FetchSize)
}

// ProjectDecisionModel projects the decision states and derives the append
// condition that protects them: fail on any new event matching the same
// filters after the returned cursor.
func (es *EventStore) ProjectDecisionModel(ctx context.Context, projectors []Projector, after Cursor) (map[string]any, AppendCondition, error) {
	states, cursor, err := es.Project(ctx, projectors, after)
	if err != nil {
		return nil, AppendCondition{}, err
	}
	return states, NewAppendConditionAfter(unionQuery(projectors), cursor), nil
}

// projectEvents is the shared fold used by the store and the command
// executor's transactional view.
func projectEvents(ctx context.Context, q rowQuerier, projectors []Projector, after Cursor, fetchSize int) (map[string]any, Cursor, error) {
	if fetchSize <= 0 {
		fetchSize = 500
	}

	states := make(map[string]any, len(projectors))
	for _, p := range projectors {
		states[p.ID] = p.InitialState
	}

	query := unionQuery(projectors)
	cursor := after
	for {
		opts := &ReadOptions{Limit: &fetchSize}
		if !cursor.IsZero() {
			c := cursor
			opts.After = &c
		}
		events, last, err := readEvents(ctx, q, query, opts)
		if err != nil {
			return nil, Cursor{}, err
		}
		if len(events) == 0 {
			return states, cursor, nil
		}
		for _, event := range events {
			for _, p := range projectors {
				if p.accepts(event) {
					states[p.ID] = p.Transition(states[p.ID], event)
					break
				}
			}
		}
		cursor = last
		if len(events) < fetchSize {
			return states, cursor, nil
		}
	}
}
