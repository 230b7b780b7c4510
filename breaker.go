package txbus

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// BreakerConfig controls the circuit breaker placed in front of a transport.
type BreakerConfig struct {
	Name string
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval clears closed-state counts; zero never clears.
	Interval time.Duration
	// Timeout is how long the breaker stays open.
	Timeout time.Duration
	// MinRequests and FailureRatio decide when to trip.
	MinRequests  uint32
	FailureRatio float64
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:         "txbus-transport",
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      10 * time.Second,
		MinRequests:  10,
		FailureRatio: 0.5,
	}
}

// BreakerStater is implemented by transports that report a breaker state.
type BreakerStater interface {
	BreakerState() gobreaker.State
}

type breakerTransport struct {
	inner Transport
	cb    *gobreaker.CircuitBreaker
}

type breakerTxTransport struct {
	*breakerTransport
	tx TransactionalTransport
}

// NewBreakerTransport decorates inner so that broker calls fail fast with
// gobreaker.ErrOpenState while the broker is unhealthy. The result is a
// TransactionalTransport whenever inner is one.
func NewBreakerTransport(inner Transport, cfg BreakerConfig, logger zerolog.Logger) Transport {
	if cfg.Name == "" {
		cfg.Name = DefaultBreakerConfig().Name
	}
	st := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Stringer("from", from).Stringer("to", to).Msg("txbus: transport breaker state changed")
		},
		// Caller cancellation says nothing about broker health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}
	bt := &breakerTransport{inner: inner, cb: gobreaker.NewCircuitBreaker(st)}
	if tx, ok := inner.(TransactionalTransport); ok {
		return &breakerTxTransport{breakerTransport: bt, tx: tx}
	}
	return bt
}

func (b *breakerTransport) Publish(ctx context.Context, topic string, msgs ...*Message) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.inner.Publish(ctx, topic, msgs...)
	})
	return err
}

func (b *breakerTransport) Subscribe(ctx context.Context, topic, group string, handler func(Delivery)) (Subscription, error) {
	return b.inner.Subscribe(ctx, topic, group, handler)
}

func (b *breakerTransport) Close(ctx context.Context) error { return b.inner.Close(ctx) }

func (b *breakerTransport) BreakerState() gobreaker.State { return b.cb.State() }

func (b *breakerTxTransport) Stage(ctx context.Context, topic string, msg *Message) (string, error) {
	h, err := b.cb.Execute(func() (interface{}, error) {
		return b.tx.Stage(ctx, topic, msg)
	})
	if err != nil {
		return "", err
	}
	return h.(string), nil
}

func (b *breakerTxTransport) End(ctx context.Context, handle string, v Verdict) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.tx.End(ctx, handle, v)
	})
	return err
}

func (b *breakerTxTransport) SetChecker(fn CheckFunc) { b.tx.SetChecker(fn) }
