package outbox

import (
	"encoding/json"
	"time"
)

const (
	EventStatusPending    = 0
	EventStatusPublished  = 1
	EventStatusFailed     = 2
	EventStatusProcessing = 3
)

// Event is the user-facing representation of an outbox event before it is
// saved. Payload is marshalled to JSON on append.
type Event struct {
	EventID       string            `json:"event_id"`
	EventType     string            `json:"event_type"`
	AggregateType string            `json:"aggregate_type"`
	AggregateID   string            `json:"aggregate_id"`
	Topic         string            `json:"topic"`
	Payload       interface{}       `json:"payload"`
	CorrelationID string            `json:"correlation_id"`
	CausationID   string            `json:"causation_id"`
	SchemaVersion string            `json:"schema_version"`
	Headers       map[string]string `json:"headers"`
}

// EventRecord is the stored representation handed to the publisher.
type EventRecord struct {
	ID            int64
	AggregateType string
	AggregateID   string
	EventID       string
	EventType     string
	Payload       []byte
	Headers       []byte
	Topic         string
	CorrelationID string
	CausationID   string
	SchemaVersion string
	Status        int
	RetryCount    int
	LastError     string
	LastRetryAt   *time.Time
	CreatedAt     time.Time
	PublishedAt   *time.Time
}

// Envelope is the wire shape published to the bus. Records sharing an
// aggregate id are published in append order.
type Envelope struct {
	EventID       string          `json:"eventId"`
	AggregateType string          `json:"aggregateType"`
	AggregateID   string          `json:"aggregateId"`
	EventType     string          `json:"eventType"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlationId"`
	CausationID   string          `json:"causationId"`
	SchemaVersion string          `json:"schemaVersion"`
	Timestamp     time.Time       `json:"timestamp"`
}

// NewEnvelope builds the wire envelope for a stored record.
func NewEnvelope(record EventRecord, timestamp time.Time) Envelope {
	return Envelope{
		EventID:       record.EventID,
		AggregateType: record.AggregateType,
		AggregateID:   record.AggregateID,
		EventType:     record.EventType,
		Payload:       record.Payload,
		CorrelationID: record.CorrelationID,
		CausationID:   record.CausationID,
		SchemaVersion: record.SchemaVersion,
		Timestamp:     timestamp,
	}
}
