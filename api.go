// Package txbus coordinates reliable event publication around local state
// mutations. A transactional event is staged on the broker as a half
// message, the local mutation runs, and the resulting verdict is relayed so
// the broker either delivers the event or discards it. When the verdict is
// lost the broker asks a Checker, which answers from a TTL ledger written by
// the Executor. Best-effort events go through named, bounded worker pools
// that never block the caller.
package txbus

import (
	"context"
	"time"
)

// Handler processes a single message. Return error to trigger Nack/Retry.
type Handler func(ctx context.Context, msg *Message) error

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// Subscription represents an active subscription that can be closed.
type Subscription interface {
	Close() error
}

// Delivery encapsulates a received message with Ack/Nack semantics.
type Delivery interface {
	Message() *Message
	Ack(ctx context.Context) error
	Nack(ctx context.Context, reason error) error
}

// Transport is the Strategy interface for message brokers/backends.
type Transport interface {
	// Publish sends messages to a topic/stream.
	Publish(ctx context.Context, topic string, msgs ...*Message) error
	// Subscribe binds a handler to a topic/stream within a consumer group.
	// The transport should drive delivery in background and honor ctx.
	Subscribe(ctx context.Context, topic, group string, handler func(Delivery)) (Subscription, error)
	// Close releases resources.
	Close(ctx context.Context) error
}

// CheckFunc answers a broker's question about a staged message whose
// verdict never arrived.
type CheckFunc func(ctx context.Context, msg *Message) Verdict

// TransactionalTransport is a broker that supports two-phase publication.
//
// Stage stores a half message that consumers cannot see. End relays the
// verdict for a staged handle: Commit makes the message visible, Rollback
// discards it. A half message left without a verdict is resolved by the
// transport through the registered CheckFunc.
type TransactionalTransport interface {
	Transport
	Stage(ctx context.Context, topic string, msg *Message) (handle string, err error)
	End(ctx context.Context, handle string, v Verdict) error
	SetChecker(fn CheckFunc)
}

// CheckWindower is implemented by transactional transports that know the
// longest time a staged message can wait for resolution.
type CheckWindower interface {
	CheckWindow() time.Duration
}

// Ledger records which events had their local mutation committed.
// Entries expire after their TTL and are then indistinguishable from
// events that never committed.
type Ledger interface {
	// MarkCommitted stores the entry only if absent. created is false when
	// an unexpired entry already existed.
	MarkCommitted(ctx context.Context, eventID string, ttl time.Duration) (created bool, err error)
	IsCommitted(ctx context.Context, eventID string) (bool, error)
}

// Locker serializes executions of the same event id.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, err error)
}

// Codec is the Strategy for encoding/decoding payloads on the wire.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// Observer receives lifecycle transitions. Implementations should be non-blocking.
type Observer interface {
	OnTransition(t Transition)
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// API represents the complete txbus surface.
type API interface {
	PublishTransactional(ctx context.Context, env Envelope)
	PublishTransactionalSync(ctx context.Context, env Envelope) Result
	PublishAsync(ctx context.Context, env Envelope)
	PublishAsyncTo(ctx context.Context, category string, env Envelope)
	Execute(ctx context.Context, env Envelope) Result
	Check(ctx context.Context, eventID string) Verdict
	Subscribe(ctx context.Context, topic, group string, handler Handler) (Subscription, error)
	Close(ctx context.Context) error
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}

var _ API = (*Coordinator)(nil)
