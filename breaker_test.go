package txbus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/txbus"
	"github.com/trickstertwo/txbus/adapter/memory"
)

func TestBreakerTransport_TripsOnFailures(t *testing.T) {
	bt := newBlockingTransport()
	bt.fail = errors.New("broker down")
	close(bt.release)

	tr := txbus.NewBreakerTransport(bt, txbus.BreakerConfig{
		MaxRequests:  1,
		Timeout:      time.Minute,
		MinRequests:  3,
		FailureRatio: 0.5,
	}, zerolog.Nop())
	_, isTx := tr.(txbus.TransactionalTransport)
	assert.False(t, isTx)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, tr.Publish(ctx, "user", &txbus.Message{}), bt.fail)
	}
	assert.ErrorIs(t, tr.Publish(ctx, "user", &txbus.Message{}), gobreaker.ErrOpenState)
	assert.Equal(t, gobreaker.StateOpen, tr.(txbus.BreakerStater).BreakerState())
}

func TestBreakerTransport_IgnoresCancellation(t *testing.T) {
	bt := newBlockingTransport()
	tr := txbus.NewBreakerTransport(bt, txbus.BreakerConfig{MinRequests: 1, FailureRatio: 0.1}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, tr.Publish(ctx, "user", &txbus.Message{}), context.Canceled)
	assert.Equal(t, gobreaker.StateClosed, tr.(txbus.BreakerStater).BreakerState())
}

func TestBreakerTransport_KeepsTransactions(t *testing.T) {
	inner := memory.NewTransport(memory.Defaults())
	defer inner.Close(context.Background())

	tr := txbus.NewBreakerTransport(inner, txbus.DefaultBreakerConfig(), zerolog.Nop())
	tx, ok := tr.(txbus.TransactionalTransport)
	require.True(t, ok)

	handle, err := tx.Stage(context.Background(), "transaction", &txbus.Message{Key: "evt"})
	require.NoError(t, err)
	assert.Equal(t, 1, inner.Pending())
	require.NoError(t, tx.End(context.Background(), handle, txbus.VerdictRollback))
	assert.Zero(t, inner.Pending())
}

func TestCoordinator_HealthDegradesWhenBreakerOpens(t *testing.T) {
	bt := newBlockingTransport()
	bt.fail = errors.New("broker down")
	close(bt.release)

	coord, err := txbus.NewBuilder().
		WithTransportInstance(bt).
		WithLedger(memory.NewLedger(nil)).
		WithLogger(zerolog.Nop()).
		WithCircuitBreaker(txbus.BreakerConfig{MaxRequests: 1, Timeout: time.Minute, MinRequests: 2, FailureRatio: 0.5}).
		Build()
	require.NoError(t, err)
	defer coord.Close(context.Background())

	ctx := context.Background()
	assert.Equal(t, "healthy", coord.Health(ctx).Status)

	for i := 0; i < 3; i++ {
		coord.UserCreated(ctx, "u")
	}
	assert.Eventually(t, func() bool {
		return coord.GetMetrics().PublishErrors == 3
	}, waitFor, 5*time.Millisecond)

	h := coord.Health(ctx)
	assert.Equal(t, "degraded", h.Status)
	assert.NotEmpty(t, h.Message)
}
