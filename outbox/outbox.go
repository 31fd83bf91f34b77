package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	validation "github.com/jellydator/validation"
	"go.opentelemetry.io/otel"

	"github.com/overtonx/sagaflow"
	"github.com/overtonx/sagaflow/outbox/storage"
)

// ErrEventAlreadyExists is returned when appending an event with a duplicate
// event_id.
var ErrEventAlreadyExists = errors.New("event already exists")

// DefaultSchemaVersion is stamped on events that do not set one explicitly.
const DefaultSchemaVersion = "1"

// NewEvent creates a user-facing event to be appended.
func NewEvent(eventID, eventType, aggregateType, aggregateID string, payload interface{}) Event {
	return Event{
		EventID:       eventID,
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Topic:         TopicForAggregate(aggregateType),
		Payload:       payload,
		SchemaVersion: DefaultSchemaVersion,
		Headers:       make(map[string]string),
	}
}

// TopicForAggregate returns the bus topic for an aggregate type. Events are
// streamed per aggregate type and keyed by aggregate id.
func TopicForAggregate(aggregateType string) string {
	return aggregateType + "-events"
}

// Append stores an event through the given store. It must run inside the
// same transaction as the state mutation that produced the event: the store
// picks the ambient transaction up from the context, so a rollback of the
// business write also discards the event.
func Append(ctx context.Context, store storage.Store, event Event) error {
	if err := validateEvent(event); err != nil {
		return sagaflow.NewValidationError(err)
	}

	if event.Headers == nil {
		event.Headers = make(map[string]string)
	}
	carrier := NewMessageCarrier(&event)
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return sagaflow.Permanent(fmt.Errorf("marshal payload: %w", err))
	}

	var headersJSON []byte
	if len(event.Headers) > 0 {
		headersJSON, err = json.Marshal(event.Headers)
		if err != nil {
			return sagaflow.Permanent(fmt.Errorf("marshal headers: %w", err))
		}
	}

	schemaVersion := event.SchemaVersion
	if schemaVersion == "" {
		schemaVersion = DefaultSchemaVersion
	}
	topic := event.Topic
	if topic == "" {
		topic = TopicForAggregate(event.AggregateType)
	}

	record := &storage.EventRecord{
		EventID:       event.EventID,
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Topic:         topic,
		Payload:       payloadJSON,
		Headers:       headersJSON,
		CorrelationID: event.CorrelationID,
		CausationID:   event.CausationID,
		SchemaVersion: schemaVersion,
	}

	if err := store.CreateEvent(ctx, record); err != nil {
		if errors.Is(err, storage.ErrDuplicateEvent) {
			return ErrEventAlreadyExists
		}
		return fmt.Errorf("append outbox event: %w", err)
	}
	return nil
}

func validateEvent(event Event) error {
	return validation.ValidateStruct(&event,
		validation.Field(&event.EventID,
			validation.Required.Error("event_id is required")),
		validation.Field(&event.EventType,
			validation.Required.Error("event_type is required")),
		validation.Field(&event.AggregateType,
			validation.Required.Error("aggregate_type is required")),
		validation.Field(&event.AggregateID,
			validation.Required.Error("aggregate_id is required")),
	)
}
