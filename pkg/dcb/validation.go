package dcb

import "fmt"

const maxTypeLength = 64

// validateEvent validates a single staged event at the given batch index.
func validateEvent(event InputEvent, i int) error {
	if event.Type == "" {
		return validationErr("append", "type", "empty",
			fmt.Errorf("event at index %d has empty type", i))
	}
	if len(event.Type) > maxTypeLength {
		return validationErr("append", "type", event.Type,
			fmt.Errorf("event at index %d has type longer than %d bytes", i, maxTypeLength))
	}
	for j, tag := range event.Tags {
		if tag.Key == "" {
			return validationErr("append", "tag.key", "empty",
				fmt.Errorf("event at index %d has tag with empty key at index %d", i, j))
		}
		if tag.Value == "" {
			return validationErr("append", "tag.value", "empty",
				fmt.Errorf("event at index %d has tag with empty value for key %s", i, tag.Key))
		}
	}
	return nil
}

// validateBatch validates a staged batch: non-empty, within the configured
// maximum, every event well-formed.
func (es *EventStore) validateBatch(op string, events []InputEvent) error {
	if len(events) == 0 {
		return validationErr(op, "events", "empty",
			fmt.Errorf("events slice cannot be empty"))
	}
	if len(events) > es.config.MaxBatchSize {
		return validationErr(op, "events", fmt.Sprintf("count:%d", len(events)),
			fmt.Errorf("batch size %d exceeds maximum of %d", len(events), es.config.MaxBatchSize))
	}
	for i, event := range events {
		if err := validateEvent(event, i); err != nil {
			return err
		}
	}
	return nil
}

// validateQuery validates every predicate in the query.
func validateQuery(op string, q Query) error {
	for itemIndex, item := range q.Items {
		for i, t := range item.Tags {
			if t.Key == "" {
				return validationErr(op,
					fmt.Sprintf("item[%d].tag[%d].key", itemIndex, i), "empty",
					fmt.Errorf("empty key in tag %d of item %d", i, itemIndex))
			}
			if t.Value == "" {
				return validationErr(op,
					fmt.Sprintf("item[%d].tag[%d].value", itemIndex, i), t.Key,
					fmt.Errorf("empty value for key %s in tag %d of item %d", t.Key, i, itemIndex))
			}
		}
		for i, eventType := range item.EventTypes {
			if eventType == "" {
				return validationErr(op,
					fmt.Sprintf("item[%d].eventTypes[%d]", itemIndex, i), "empty",
					fmt.Errorf("empty event type at index %d of item %d", i, itemIndex))
			}
		}
		for i, key := range item.RequiredKeys {
			if key == "" {
				return validationErr(op,
					fmt.Sprintf("item[%d].requiredKeys[%d]", itemIndex, i), "empty",
					fmt.Errorf("empty required key at index %d of item %d", i, itemIndex))
			}
		}
		for i, key := range item.AnyOfKeys {
			if key == "" {
				return validationErr(op,
					fmt.Sprintf("item[%d].anyOfKeys[%d]", itemIndex, i), "empty",
					fmt.Errorf("empty any-of key at index %d of item %d", i, itemIndex))
			}
		}
	}
	return nil
}

// validateCondition validates the condition's queries.
func validateCondition(op string, condition AppendCondition) error {
	if err := validateQuery(op, condition.FailIfEventsMatch); err != nil {
		return err
	}
	if condition.Idempotency != nil {
		if condition.Idempotency.IsEmpty() {
			return validationErr(op, "idempotency", "empty",
				fmt.Errorf("idempotency query must contain at least one item"))
		}
		if err := validateQuery(op, *condition.Idempotency); err != nil {
			return err
		}
	}
	return nil
}
