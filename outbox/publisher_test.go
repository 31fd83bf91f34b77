package outbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNopPublisher(t *testing.T) {
	publisher := NewNopPublisher()
	assert.NotNil(t, publisher)
	assert.NoError(t, publisher.Publish(context.Background(), EventRecord{}))
	assert.NoError(t, publisher.Close())
}

func TestBuildKafkaHeaders(t *testing.T) {
	event := EventRecord{
		EventID:       "test-event-id",
		EventType:     "test-event-type",
		AggregateType: "test-aggregate-type",
		AggregateID:   "test-aggregate-id",
		SchemaVersion: "1.0",
		Headers:       []byte(`{"custom_header":"custom_value"}`),
	}

	headers := buildKafkaHeaders(event)

	got := make(map[string]string, len(headers))
	for _, header := range headers {
		got[header.Key] = string(header.Value)
	}

	assert.Equal(t, "test-event-id", got["event_id"])
	assert.Equal(t, "test-event-type", got["event_type"])
	assert.Equal(t, "test-aggregate-id", got["aggregate_id"])
	assert.Equal(t, "1.0", got["schema_version"])
	assert.Equal(t, "custom_value", got["custom_header"])
	assert.Contains(t, got, "timestamp")
}

func TestBuildKafkaHeaders_MalformedCustomHeadersIgnored(t *testing.T) {
	event := EventRecord{
		EventID: "test-event-id",
		Headers: []byte(`{broken`),
	}

	headers := buildKafkaHeaders(event)
	require.NotEmpty(t, headers)
	for _, header := range headers {
		assert.NotEqual(t, "custom_header", header.Key)
	}
}
