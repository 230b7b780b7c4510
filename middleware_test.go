package txbus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/trickstertwo/txbus"
	"github.com/trickstertwo/txbus/adapter/memory"
)

func TestRetryMiddleware(t *testing.T) {
	transient := errors.New("transient")
	calls := 0
	h := txbus.RetryMiddleware(txbus.RetryConfig{
		MaxAttempts: 3,
		Backoff:     txbus.ExponentialBackoff(time.Millisecond, 4*time.Millisecond),
	})(func(context.Context, *txbus.Message) error {
		calls++
		if calls < 3 {
			return transient
		}
		return nil
	})

	assert.NoError(t, h(context.Background(), &txbus.Message{}))
	assert.Equal(t, 3, calls)
}

func TestRetryMiddleware_SkipsMalformedEnvelopes(t *testing.T) {
	calls := 0
	h := txbus.RetryMiddleware(txbus.RetryConfig{MaxAttempts: 5})(func(context.Context, *txbus.Message) error {
		calls++
		return txbus.ErrInvalidEnvelope
	})

	assert.ErrorIs(t, h(context.Background(), &txbus.Message{}), txbus.ErrInvalidEnvelope)
	assert.Equal(t, 1, calls)
}

func TestTimeoutMiddleware(t *testing.T) {
	h := txbus.TimeoutMiddleware(10 * time.Millisecond)(func(ctx context.Context, _ *txbus.Message) error {
		<-ctx.Done()
		return nil
	})
	assert.ErrorIs(t, h(context.Background(), &txbus.Message{}), context.DeadlineExceeded)
}

func TestChain_OrderAndRecovery(t *testing.T) {
	var order []string
	mark := func(name string) txbus.Middleware {
		return func(next txbus.Handler) txbus.Handler {
			return func(ctx context.Context, msg *txbus.Message) error {
				order = append(order, name)
				return next(ctx, msg)
			}
		}
	}

	h := txbus.Chain(func(context.Context, *txbus.Message) error { panic("handler bug") },
		mark("outer"), nil, mark("inner"), txbus.RecoveryMiddleware())

	assert.ErrorIs(t, h(context.Background(), &txbus.Message{}), txbus.ErrHandlerPanic)
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestExponentialBackoff(t *testing.T) {
	b := txbus.ExponentialBackoff(10*time.Millisecond, 50*time.Millisecond)
	assert.Equal(t, 10*time.Millisecond, b(1))
	assert.Equal(t, 40*time.Millisecond, b(3))
	assert.Equal(t, 50*time.Millisecond, b(4))
}

func TestDedupMiddleware(t *testing.T) {
	ledger := memory.NewLedger(nil)
	fail := true
	calls := 0
	h := txbus.DedupMiddleware(ledger, "notifier", time.Minute)(func(context.Context, *txbus.Message) error {
		calls++
		if fail {
			return errors.New("smtp down")
		}
		return nil
	})
	ctx := context.Background()
	msg := &txbus.Message{Key: "evt-1"}

	assert.Error(t, h(ctx, msg))
	fail = false
	assert.NoError(t, h(ctx, msg), "failed attempts are not recorded")
	assert.NoError(t, h(ctx, msg))
	assert.Equal(t, 2, calls, "redelivery after success is skipped")

	other := txbus.DedupMiddleware(ledger, "indexer", time.Minute)(func(context.Context, *txbus.Message) error {
		calls++
		return nil
	})
	assert.NoError(t, other(ctx, msg))
	assert.Equal(t, 3, calls, "groups dedupe independently")
}
