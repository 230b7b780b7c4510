package redisledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/txbus"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestLedger_MarkCommittedIsSetNX(t *testing.T) {
	mr, client := newClient(t)
	l := New(client)
	ctx := context.Background()

	created, err := l.MarkCommitted(ctx, "evt-1", 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = l.MarkCommitted(ctx, "evt-1", 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, created, "second write must not overwrite")

	got, err := mr.Get("localTrans_evt-1")
	require.NoError(t, err)
	assert.Equal(t, "yes", got)
	assert.Equal(t, 10*time.Minute, mr.TTL("localTrans_evt-1"))
}

func TestLedger_EntryExpires(t *testing.T) {
	mr, client := newClient(t)
	l := New(client)
	ctx := context.Background()

	_, err := l.MarkCommitted(ctx, "evt-1", 10*time.Minute)
	require.NoError(t, err)

	mr.FastForward(time.Minute)
	ok, err := l.IsCommitted(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(10 * time.Minute)
	ok, err = l.IsCommitted(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, ok, "expired entry reads as never committed")

	created, err := l.MarkCommitted(ctx, "evt-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestLedger_CheckerAnswers(t *testing.T) {
	mr, client := newClient(t)
	l := New(client, WithPrefix("test_"))
	checker := txbus.NewChecker(l, nil, zerolog.Nop())
	ctx := context.Background()

	_, err := l.MarkCommitted(ctx, "committed", 10*time.Minute)
	require.NoError(t, err)

	assert.Equal(t, txbus.VerdictCommit, checker.Check(ctx, "committed"))
	assert.Equal(t, txbus.VerdictRollback, checker.Check(ctx, "never-ran"))

	mr.SetError("ERR broken")
	assert.Equal(t, txbus.VerdictUnknown, checker.Check(ctx, "committed"), "ledger errors must not be mistaken for rollback")
	mr.SetError("")
}

func TestLedger_EmptyID(t *testing.T) {
	_, client := newClient(t)
	l := New(client)

	_, err := l.MarkCommitted(context.Background(), "", time.Minute)
	assert.True(t, errors.Is(err, txbus.ErrInvalidEnvelope))

	ok, err := l.IsCommitted(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocker_ExclusivePerKey(t *testing.T) {
	_, client := newClient(t)
	lk := NewLocker(client)
	ctx := context.Background()

	unlock, err := lk.Lock(ctx, "evt-1", 5*time.Second)
	require.NoError(t, err)

	_, err = lk.Lock(ctx, "evt-1", 5*time.Second)
	assert.Error(t, err)

	other, err := lk.Lock(ctx, "evt-2", 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, other(ctx))

	require.NoError(t, unlock(ctx))
	again, err := lk.Lock(ctx, "evt-1", 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}
