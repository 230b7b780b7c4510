package txbus_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/txbus"
	"github.com/trickstertwo/txbus/adapter/memory"
)

// flakyLedger wraps a ledger and fails the chosen operations.
type flakyLedger struct {
	txbus.Ledger
	failMark bool
	failRead bool
}

func (f *flakyLedger) MarkCommitted(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	if f.failMark {
		return false, errors.New("ledger unavailable")
	}
	return f.Ledger.MarkCommitted(ctx, id, ttl)
}

func (f *flakyLedger) IsCommitted(ctx context.Context, id string) (bool, error) {
	if f.failRead {
		return false, errors.New("ledger unavailable")
	}
	return f.Ledger.IsCommitted(ctx, id)
}

func newExecutor(ledger txbus.Ledger, locker txbus.Locker) *txbus.Executor {
	return txbus.NewExecutor(txbus.ExecutorConfig{
		Ledger:  ledger,
		Locker:  locker,
		Logger:  zerolog.Nop(),
		Timeout: time.Second,
	})
}

func TestExecutor_CommitIsIdempotent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ledger := memory.NewLedger(clock)
	x := newExecutor(ledger, memory.NewLocker(clock))

	var runs atomic.Int32
	x.Handle(txbus.EventMergeAccounts, func(context.Context, txbus.Envelope) error {
		runs.Add(1)
		return nil
	})

	env := txbus.NewMergeAccounts("a", "b")
	ctx := context.Background()

	first := x.Execute(ctx, env)
	require.True(t, first.IsCommit())
	assert.NoError(t, first.Err)

	second := x.Execute(ctx, env)
	assert.True(t, second.IsCommit())
	assert.Equal(t, int32(1), runs.Load(), "mutation runs once per event id")

	ok, err := ledger.IsCommitted(ctx, env.EventID)
	require.NoError(t, err)
	assert.True(t, ok)

	stats := x.Stats()
	assert.Equal(t, uint64(2), stats.Executed)
	assert.Equal(t, uint64(2), stats.Committed)
	assert.Equal(t, uint64(1), stats.Duplicates)
}

func TestExecutor_Rollbacks(t *testing.T) {
	boom := errors.New("constraint violated")
	tests := []struct {
		name     string
		mutation txbus.Mutation
		env      txbus.Envelope
		want     error
	}{
		{
			name:     "mutation error",
			mutation: func(context.Context, txbus.Envelope) error { return boom },
			env:      txbus.NewMergeAccounts("a", "b"),
			want:     boom,
		},
		{
			name:     "mutation panic",
			mutation: func(context.Context, txbus.Envelope) error { panic("nil map") },
			env:      txbus.NewMergeAccounts("a", "b"),
			want:     txbus.ErrMutationPanic,
		},
		{
			name:     "invalid envelope",
			mutation: func(context.Context, txbus.Envelope) error { return nil },
			env:      txbus.NewMergeAccounts("a", "a"),
			want:     txbus.ErrSelfMerge,
		},
		{
			name: "deadline",
			mutation: func(ctx context.Context, _ txbus.Envelope) error {
				<-ctx.Done()
				return ctx.Err()
			},
			env:  txbus.NewMergeAccounts("a", "b"),
			want: context.DeadlineExceeded,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := memory.NewLedger(nil)
			x := txbus.NewExecutor(txbus.ExecutorConfig{Ledger: ledger, Logger: zerolog.Nop(), Timeout: 50 * time.Millisecond})
			x.Handle(txbus.EventMergeAccounts, tt.mutation)

			res := x.Execute(context.Background(), tt.env)
			assert.Equal(t, txbus.VerdictRollback, res.Verdict)
			assert.ErrorIs(t, res.Err, tt.want)
			assert.Zero(t, ledger.Len(), "rolled back events leave no ledger entry")
		})
	}
}

func TestExecutor_NoMutationRegistered(t *testing.T) {
	x := newExecutor(memory.NewLedger(nil), nil)
	res := x.Execute(context.Background(), txbus.NewUserCreated("u-1"))
	assert.Equal(t, txbus.VerdictRollback, res.Verdict)
	assert.ErrorIs(t, res.Err, txbus.ErrNoMutation)
}

func TestExecutor_LedgerWriteFailureIsAnomaly(t *testing.T) {
	ledger := &flakyLedger{Ledger: memory.NewLedger(nil), failMark: true}
	x := newExecutor(ledger, nil)
	var applied atomic.Bool
	x.Handle(txbus.EventMergeAccounts, func(context.Context, txbus.Envelope) error {
		applied.Store(true)
		return nil
	})

	res := x.Execute(context.Background(), txbus.NewMergeAccounts("a", "b"))
	assert.True(t, applied.Load())
	assert.Equal(t, txbus.VerdictRollback, res.Verdict)
	assert.ErrorIs(t, res.Err, txbus.ErrNotRecorded)
	assert.Equal(t, uint64(1), x.Stats().Anomalies)
}

func TestExecutor_LedgerReadFailureSkipsMutation(t *testing.T) {
	ledger := &flakyLedger{Ledger: memory.NewLedger(nil), failRead: true}
	x := newExecutor(ledger, nil)
	var applied atomic.Bool
	x.Handle(txbus.EventMergeAccounts, func(context.Context, txbus.Envelope) error {
		applied.Store(true)
		return nil
	})

	res := x.Execute(context.Background(), txbus.NewMergeAccounts("a", "b"))
	assert.False(t, applied.Load())
	assert.Equal(t, txbus.VerdictRollback, res.Verdict)
}

func TestExecutor_ConcurrentSameEventRollsBackLoser(t *testing.T) {
	clock := clockwork.NewFakeClock()
	locker := memory.NewLocker(clock)
	x := newExecutor(memory.NewLedger(clock), locker)

	started, release := make(chan struct{}), make(chan struct{})
	x.Handle(txbus.EventMergeAccounts, func(context.Context, txbus.Envelope) error {
		close(started)
		<-release
		return nil
	})

	env := txbus.NewMergeAccounts("a", "b")
	done := make(chan txbus.Result, 1)
	go func() { done <- x.Execute(context.Background(), env) }()
	<-started

	loser := x.Execute(context.Background(), env)
	assert.Equal(t, txbus.VerdictRollback, loser.Verdict)
	assert.ErrorIs(t, loser.Err, txbus.ErrInFlight)

	close(release)
	assert.True(t, (<-done).IsCommit())
}

func TestExecutor_ExecuteMessage(t *testing.T) {
	x := newExecutor(memory.NewLedger(nil), nil)
	x.Handle(txbus.EventUserCreated, func(context.Context, txbus.Envelope) error { return nil })

	data, err := txbus.EncodeEnvelope(txbus.JSONCodec{}, txbus.NewUserCreated("u-1"))
	require.NoError(t, err)
	assert.True(t, x.ExecuteMessage(context.Background(), &txbus.Message{Payload: data}).IsCommit())

	res := x.ExecuteMessage(context.Background(), &txbus.Message{Key: "evt", Payload: []byte("garbage")})
	assert.ErrorIs(t, res.Err, txbus.ErrInvalidEnvelope)

	assert.NotPanics(t, func() { res = x.ExecuteMessage(context.Background(), nil) })
	assert.Equal(t, txbus.VerdictRollback, res.Verdict)
	assert.ErrorIs(t, res.Err, txbus.ErrInvalidEnvelope)
}
