package redisstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/txbus"
)

// newTestTransport starts a miniredis and a transport over it with the
// background check loop disabled.
func newTestTransport(t *testing.T, mutate func(*Config), opts ...Option) (*Transport, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := Defaults()
	cfg.Addr = mr.Addr()
	cfg.Group = "test-group"
	cfg.Consumer = "test-consumer"
	cfg.Block = 50 * time.Millisecond
	cfg.CheckLoop = false
	if mutate != nil {
		mutate(&cfg)
	}

	tr, err := NewTransportWithClient(client, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr, client, mr
}

func testMessage(id string) *txbus.Message {
	return &txbus.Message{
		Name:        "merge_accounts",
		Tag:         "merge_accounts",
		Key:         id,
		ShardingKey: "shard-" + id,
		Payload:     []byte(`{"eventId":"` + id + `"}`),
		Metadata:    map[string]string{"codec": "json"},
		ProducedAt:  time.Now(),
	}
}

func TestPublish_SingleMessage(t *testing.T) {
	tr, client, _ := newTestTransport(t, nil)
	ctx := context.Background()

	require.NoError(t, tr.Publish(ctx, "orders", testMessage("evt-1")))

	entries, err := client.XRange(ctx, "orders", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	msg := decodeMessage(entries[0].ID, entries[0].Values)
	assert.Equal(t, "evt-1", msg.Key)
	assert.Equal(t, "merge_accounts", msg.Tag)
	assert.Equal(t, "shard-evt-1", msg.ShardingKey)
	assert.Equal(t, "json", msg.Metadata["codec"])
	assert.JSONEq(t, `{"eventId":"evt-1"}`, string(msg.Payload))
	assert.Equal(t, uint64(1), tr.Stats().Published)
}

func TestPublish_BatchMessages(t *testing.T) {
	tr, client, _ := newTestTransport(t, nil)
	ctx := context.Background()

	msgs := make([]*txbus.Message, 50)
	for i := range msgs {
		msgs[i] = testMessage(fmt.Sprintf("evt-%d", i))
	}
	require.NoError(t, tr.Publish(ctx, "batch", msgs...))
	require.NoError(t, tr.Publish(ctx, "batch"))

	n, err := client.XLen(ctx, "batch").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(50), n)
}

func TestSubscribe_ConsumesAllMessages(t *testing.T) {
	tr, _, _ := newTestTransport(t, func(c *Config) { c.Concurrency = 4 })
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const numMessages = 40
	var consumed atomic.Int64
	done := make(chan struct{})
	var once sync.Once

	sub, err := tr.Subscribe(ctx, "consume", "test-group", func(d txbus.Delivery) {
		_ = d.Ack(ctx)
		if consumed.Add(1) >= numMessages {
			once.Do(func() { close(done) })
		}
	})
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < numMessages; i++ {
		require.NoError(t, tr.Publish(ctx, "consume", testMessage(fmt.Sprintf("evt-%d", i))))
	}

	select {
	case <-done:
		assert.Equal(t, int64(numMessages), consumed.Load())
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for messages (consumed %d/%d)", consumed.Load(), numMessages)
	}
	assert.Equal(t, uint64(numMessages), tr.Stats().Acked)
}

func TestDeadLetter_NackWritesToDLQ(t *testing.T) {
	tr, client, _ := newTestTransport(t, func(c *Config) { c.DeadLetter = "orders-dlq" })
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	nacked := make(chan struct{})
	sub, err := tr.Subscribe(ctx, "orders", "test-group", func(d txbus.Delivery) {
		assert.NoError(t, d.Nack(ctx, errors.New("handler failed")))
		close(nacked)
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, tr.Publish(ctx, "orders", testMessage("evt-dlq")))

	select {
	case <-nacked:
	case <-time.After(5 * time.Second):
		t.Fatal("message was never delivered")
	}

	entries, err := client.XRange(ctx, "orders-dlq", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "evt-dlq", entries[0].Values[fieldKey])
	assert.Equal(t, "handler failed", entries[0].Values["error"])
}

func TestStage_InvisibleUntilCommit(t *testing.T) {
	tr, client, _ := newTestTransport(t, nil)
	ctx := context.Background()

	handle, err := tr.Stage(ctx, "transaction", testMessage("evt-1"))
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	n, err := client.XLen(ctx, "transaction").Result()
	require.NoError(t, err)
	assert.Zero(t, n, "half message must not reach the stream")

	pending, err := tr.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	require.NoError(t, tr.End(ctx, handle, txbus.VerdictCommit))

	entries, err := client.XRange(ctx, "transaction", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "evt-1", entries[0].Values[fieldKey])
	assert.NotContains(t, entries[0].Values, fieldTopic)
	assert.NotContains(t, entries[0].Values, fieldChecks)

	pending, err = tr.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Zero(t, client.Exists(ctx, tr.halfKey(handle)).Val())
}

func TestEnd_RollbackDiscards(t *testing.T) {
	tr, client, _ := newTestTransport(t, nil)
	ctx := context.Background()

	handle, err := tr.Stage(ctx, "transaction", testMessage("evt-1"))
	require.NoError(t, err)
	require.NoError(t, tr.End(ctx, handle, txbus.VerdictRollback))

	assert.Zero(t, client.XLen(ctx, "transaction").Val())
	assert.Zero(t, client.Exists(ctx, tr.halfKey(handle)).Val())
	assert.Equal(t, uint64(1), tr.Stats().RolledBack)

	err = tr.End(ctx, handle, txbus.VerdictCommit)
	assert.ErrorIs(t, err, txbus.ErrUnknownHandle)
}

func TestEnd_UnknownVerdictLeavesHalfMessage(t *testing.T) {
	tr, _, _ := newTestTransport(t, nil)
	ctx := context.Background()

	handle, err := tr.Stage(ctx, "transaction", testMessage("evt-1"))
	require.NoError(t, err)
	require.NoError(t, tr.End(ctx, handle, txbus.VerdictUnknown))

	pending, err := tr.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}

func TestCheckPending_ResolvesLostCommit(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr, client, _ := newTestTransport(t, nil, WithClock(clock))
	ctx := context.Background()

	var asked atomic.Int32
	tr.SetChecker(func(_ context.Context, msg *txbus.Message) txbus.Verdict {
		asked.Add(1)
		assert.Equal(t, "evt-1", msg.Key)
		return txbus.VerdictCommit
	})

	_, err := tr.Stage(ctx, "transaction", testMessage("evt-1"))
	require.NoError(t, err)

	resolved, err := tr.CheckPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, resolved, "immune half messages are not checked")
	assert.Zero(t, asked.Load())

	clock.Advance(61 * time.Second)
	resolved, err = tr.CheckPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)
	assert.Equal(t, int32(1), asked.Load())
	assert.Equal(t, int64(1), client.XLen(ctx, "transaction").Val())
}

func TestCheckPending_RollsBackAfterMaxChecks(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr, client, _ := newTestTransport(t, func(c *Config) {
		c.CheckImmunity = time.Minute
		c.CheckInterval = 30 * time.Second
		c.MaxChecks = 3
	}, WithClock(clock))
	ctx := context.Background()

	tr.SetChecker(func(context.Context, *txbus.Message) txbus.Verdict { return txbus.VerdictUnknown })
	_, err := tr.Stage(ctx, "transaction", testMessage("evt-1"))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	for i := 0; i < 2; i++ {
		resolved, err := tr.CheckPending(ctx)
		require.NoError(t, err)
		assert.Zero(t, resolved)
		clock.Advance(30 * time.Second)
	}
	resolved, err := tr.CheckPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	stats := tr.Stats()
	assert.Equal(t, uint64(3), stats.Checks)
	assert.Equal(t, uint64(1), stats.CheckExpired)
	assert.Equal(t, uint64(1), stats.RolledBack)
	assert.Zero(t, client.XLen(ctx, "transaction").Val())
	assert.Equal(t, 2*time.Minute, tr.CheckWindow())
}

func TestCheckPending_SingleCheckerPerEntry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a, client, _ := newTestTransport(t, nil, WithClock(clock))
	b, err := NewTransportWithClient(client, a.cfg, WithClock(clock))
	require.NoError(t, err)
	defer b.Close(context.Background())
	ctx := context.Background()

	var asked atomic.Int32
	check := func(context.Context, *txbus.Message) txbus.Verdict {
		asked.Add(1)
		return txbus.VerdictUnknown
	}
	a.SetChecker(check)
	b.SetChecker(check)

	_, err = a.Stage(ctx, "transaction", testMessage("evt-1"))
	require.NoError(t, err)
	clock.Advance(61 * time.Second)

	_, err = a.CheckPending(ctx)
	require.NoError(t, err)
	_, err = b.CheckPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), asked.Load(), "a leased entry is not checked again before the next interval")
}

func TestCheckPending_EndDuringCheckLeavesNoHash(t *testing.T) {
	for _, answer := range []txbus.Verdict{txbus.VerdictUnknown, txbus.VerdictCommit} {
		t.Run(answer.String(), func(t *testing.T) {
			clock := clockwork.NewFakeClock()
			tr, client, mr := newTestTransport(t, nil, WithClock(clock))
			ctx := context.Background()

			var handle string
			tr.SetChecker(func(ctx context.Context, _ *txbus.Message) txbus.Verdict {
				require.NoError(t, tr.End(ctx, handle, txbus.VerdictCommit))
				return answer
			})

			var err error
			handle, err = tr.Stage(ctx, "transaction", testMessage("evt-1"))
			require.NoError(t, err)
			clock.Advance(61 * time.Second)

			resolved, err := tr.CheckPending(ctx)
			require.NoError(t, err)
			assert.Zero(t, resolved)

			assert.False(t, mr.Exists(tr.halfKey(handle)), "check counter must not recreate a resolved hash")
			pending, err := tr.Pending(ctx)
			require.NoError(t, err)
			assert.Zero(t, pending)
			assert.Equal(t, int64(1), client.XLen(ctx, "transaction").Val())
		})
	}
}

func TestConfigFromMap(t *testing.T) {
	cfg := ConfigFromMap(map[string]any{
		"addr":           "redis:6379",
		"group":          "payments",
		"block":          "2s",
		"check_interval": 10 * time.Second,
		"max_checks":     4,
		"check_loop":     false,
	})
	assert.Equal(t, "redis:6379", cfg.Addr)
	assert.Equal(t, "payments", cfg.Group)
	assert.Equal(t, 2*time.Second, cfg.Block)
	assert.Equal(t, 10*time.Second, cfg.CheckInterval)
	assert.Equal(t, 4, cfg.MaxChecks)
	assert.False(t, cfg.CheckLoop)
	assert.Equal(t, 60*time.Second+30*time.Second, cfg.CheckWindow())
	assert.NoError(t, cfg.Validate())

	bad := cfg
	bad.MaxChecks = 0
	assert.Error(t, bad.Validate())
}

func TestRegistry_BuildsTransport(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := Defaults()
	cfg.Addr = mr.Addr()
	cfg.CheckLoop = false

	tr, err := txbus.NewTransport(TransportName, cfg.toMap())
	require.NoError(t, err)
	defer tr.Close(context.Background())

	_, ok := tr.(txbus.TransactionalTransport)
	assert.True(t, ok)
}

func BenchmarkPublish_Single(b *testing.B) {
	mr := miniredis.RunT(b)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	cfg := Defaults()
	cfg.Addr = mr.Addr()
	cfg.CheckLoop = false
	tr, err := NewTransportWithClient(client, cfg)
	require.NoError(b, err)
	defer tr.Close(context.Background())

	ctx := context.Background()
	msg := testMessage("bench")
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := tr.Publish(ctx, "bench", msg); err != nil {
			b.Fatal(err)
		}
	}
}
