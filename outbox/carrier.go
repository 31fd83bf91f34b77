package outbox

import "go.opentelemetry.io/otel/propagation"

// MessageCarrier adapts an Event's headers to the OpenTelemetry
// TextMapCarrier so trace context travels with the event through the store
// and onto the bus.
type MessageCarrier struct {
	event *Event
}

var _ propagation.TextMapCarrier = (*MessageCarrier)(nil)

// NewMessageCarrier creates a carrier over the event's headers.
func NewMessageCarrier(event *Event) *MessageCarrier {
	if event.Headers == nil {
		event.Headers = make(map[string]string)
	}
	return &MessageCarrier{event: event}
}

// Get implements the TextMapCarrier interface.
func (c *MessageCarrier) Get(key string) string {
	return c.event.Headers[key]
}

// Set implements the TextMapCarrier interface.
func (c *MessageCarrier) Set(key, value string) {
	c.event.Headers[key] = value
}

// Keys implements the TextMapCarrier interface.
func (c *MessageCarrier) Keys() []string {
	keys := make([]string, 0, len(c.event.Headers))
	for k := range c.event.Headers {
		keys = append(keys, k)
	}
	return keys
}
