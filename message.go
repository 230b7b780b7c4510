package txbus

import (
	"time"
)

// Message is what travels the broker. The Payload is an encoded Envelope.
type Message struct {
	// ID is assigned by the transport.
	ID string
	// Tag is a broker-side filter label (the event type name by default).
	Tag string
	// Key is the idempotency key. For envelopes it is always the EventID.
	Key string
	// ShardingKey groups messages that must keep their relative order.
	ShardingKey string
	// Name is the logical event name, useful for routing/metrics.
	Name string
	// Payload is the encoded bytes of the event.
	Payload []byte
	// Metadata is a bag for headers/tracing/tenancy/etc.
	Metadata map[string]string
	// ProducedAt is the production timestamp (from injected clock).
	ProducedAt time.Time
}
