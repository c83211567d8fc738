package dcb

// =============================================================================
// Tag Constructors
// =============================================================================

// NewTag creates a single tag from a key-value pair.
func NewTag(key, value string) Tag {
	return Tag{Key: key, Value: value}
}

// NewTags creates a slice of tags from alternating key-value pairs.
// An odd number of arguments yields an empty slice; validation happens
// when the tags are used in EventStore operations.
func NewTags(kv ...string) []Tag {
	if len(kv)%2 != 0 {
		return []Tag{}
	}
	tags := make([]Tag, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		tags[i/2] = NewTag(kv[i], kv[i+1])
	}
	return tags
}

// =============================================================================
// Event Constructors
// =============================================================================

// NewInputEvent creates a new InputEvent with the given type, tags, and data.
// Validation is performed when the event is used in EventStore operations.
func NewInputEvent(eventType string, tags []Tag, data []byte) InputEvent {
	return InputEvent{Type: eventType, Tags: tags, Data: data}
}

// NewEventBatch creates a slice of events from the given InputEvents.
// Convenience for appending multiple related events in a single operation.
func NewEventBatch(events ...InputEvent) []InputEvent {
	return events
}

// =============================================================================
// Query Constructors
// =============================================================================

// NewQuery creates a Query with a single item matching the given exact tags
// and event types.
func NewQuery(tags []Tag, eventTypes ...string) Query {
	return Query{Items: []QueryItem{NewQueryItem(eventTypes, tags)}}
}

// NewQueryFromItems creates a Query from a list of query items.
func NewQueryFromItems(items ...QueryItem) Query {
	return Query{Items: items}
}

// NewQueryAll creates a query that matches all events.
func NewQueryAll() Query {
	return Query{Items: []QueryItem{{}}}
}

// NewQueryItem creates a QueryItem with the given types and exact-match tags.
func NewQueryItem(types []string, tags []Tag) QueryItem {
	return QueryItem{EventTypes: types, Tags: tags}
}

// NewQItemKV creates a QueryItem for a single event type and key-value tags.
func NewQItemKV(eventType string, kv ...string) QueryItem {
	return NewQueryItem([]string{eventType}, NewTags(kv...))
}

// =============================================================================
// AppendCondition Constructors
// =============================================================================

// NewAppendCondition creates an AppendCondition with the given fail query.
// The zero after-cursor scopes the check to the whole log.
func NewAppendCondition(failIfEventsMatch Query) AppendCondition {
	return AppendCondition{FailIfEventsMatch: failIfEventsMatch}
}

// NewAppendConditionAfter creates an AppendCondition scoped to events
// committed after the given cursor.
func NewAppendConditionAfter(failIfEventsMatch Query, after Cursor) AppendCondition {
	return AppendCondition{FailIfEventsMatch: failIfEventsMatch, AfterCursor: after}
}

// WithIdempotency returns a copy of the condition carrying an idempotency
// query. Matching committed events anywhere in the log make the append
// report OutcomeIdempotencyViolation.
func (c AppendCondition) WithIdempotency(q Query) AppendCondition {
	c.Idempotency = &q
	return c
}
