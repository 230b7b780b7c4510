package txbus_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/trickstertwo/txbus"
)

// gate blocks every handled item until opened and reports the first start.
type gate struct {
	started chan struct{}
	once    sync.Once
	release chan struct{}
}

func newGate() *gate {
	return &gate{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) handle(int) {
	g.once.Do(func() { close(g.started) })
	<-g.release
}

func (g *gate) open() { close(g.release) }

func TestWorkerPool_ProcessesAll(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var sum atomic.Int64
	p := txbus.NewWorkerPool(txbus.PoolConfig{Name: "sum", Workers: 4, MaxWorkers: 4, QueueSize: 128},
		func(n int) { sum.Add(int64(n)) }, zerolog.Nop(), nil)

	for i := 1; i <= 100; i++ {
		require.True(t, p.Submit(i))
	}
	require.NoError(t, p.Close(time.Second))

	assert.Equal(t, int64(5050), sum.Load())
	st := p.Stats()
	assert.Equal(t, uint64(100), st.Submitted)
	assert.Equal(t, uint64(100), st.Processed)
	assert.Zero(t, st.Dropped)
}

func TestWorkerPool_DropsWhenFull(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	g := newGate()
	p := txbus.NewWorkerPool(txbus.PoolConfig{Name: "tiny", Workers: 1, MaxWorkers: 1, QueueSize: 1}, g.handle, zerolog.Nop(), nil)

	require.True(t, p.Submit(1))
	<-g.started
	require.True(t, p.Submit(2), "queue has room for one")
	assert.False(t, p.Submit(3), "queue full and no burst capacity")

	g.open()
	require.NoError(t, p.Close(time.Second))

	st := p.Stats()
	assert.Equal(t, uint64(3), st.Submitted)
	assert.Equal(t, uint64(2), st.Processed)
	assert.Equal(t, uint64(1), st.Dropped)
}

func TestWorkerPool_OfferTimeoutBoundsSubmit(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	g := newGate()
	cfg := txbus.PoolConfig{Name: "bounded", Workers: 1, MaxWorkers: 1, QueueSize: 1, OfferTimeout: 50 * time.Millisecond}
	p := txbus.NewWorkerPool(cfg, g.handle, zerolog.Nop(), clockwork.NewFakeClock())

	require.True(t, p.Submit(1))
	<-g.started
	require.True(t, p.Submit(2))

	start := time.Now()
	assert.False(t, p.Submit(3), "saturated pool drops after the offer timeout")
	took := time.Since(start)
	assert.GreaterOrEqual(t, took, 50*time.Millisecond)
	assert.Less(t, took, time.Second, "offer wait does not follow the fake clock")

	time.AfterFunc(10*time.Millisecond, g.open)
	assert.True(t, p.Submit(4), "a slot freed during the wait accepts the item")

	require.NoError(t, p.Close(time.Second))
	st := p.Stats()
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Equal(t, uint64(3), st.Processed)
}

func TestWorkerPool_BurstWorkersShrink(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	g := newGate()
	p := txbus.NewWorkerPool(txbus.PoolConfig{
		Name: "burst", Workers: 1, MaxWorkers: 3, QueueSize: 1, KeepAlive: 20 * time.Millisecond,
	}, g.handle, zerolog.Nop(), nil)

	require.True(t, p.Submit(1))
	<-g.started
	require.True(t, p.Submit(2))
	require.True(t, p.Submit(3), "first burst worker")
	require.True(t, p.Submit(4), "second burst worker")
	assert.False(t, p.Submit(5), "at max workers")
	assert.Equal(t, 3, p.Stats().Workers)

	g.open()
	assert.Eventually(t, func() bool {
		st := p.Stats()
		return st.Processed == 4 && st.Workers == 1
	}, 2*time.Second, 5*time.Millisecond, "idle burst workers exit after keep-alive")

	require.NoError(t, p.Close(time.Second))
}

func TestWorkerPool_RecoversPanics(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var ok atomic.Int32
	p := txbus.NewWorkerPool(txbus.PoolConfig{Name: "panicky", Workers: 1, MaxWorkers: 1, QueueSize: 8}, func(n int) {
		if n == 0 {
			panic("boom")
		}
		ok.Add(1)
	}, zerolog.Nop(), nil)

	p.Submit(0)
	p.Submit(1)
	require.NoError(t, p.Close(time.Second))

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, uint64(1), p.Stats().Panics)
}

func TestWorkerPool_RejectsAfterClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := txbus.NewWorkerPool(txbus.PoolConfig{Name: "closed", Workers: 1, QueueSize: 1}, func(int) {}, zerolog.Nop(), nil)
	require.NoError(t, p.Close(time.Second))
	require.NoError(t, p.Close(time.Second), "close is idempotent")

	assert.False(t, p.Submit(1))
	assert.Equal(t, uint64(1), p.Stats().Rejected)
}

func TestWorkerPool_CloseTimeout(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	g := newGate()
	p := txbus.NewWorkerPool(txbus.PoolConfig{Name: "stuck", Workers: 1, MaxWorkers: 1, QueueSize: 4}, g.handle, zerolog.Nop(), nil)
	p.Submit(1)
	<-g.started
	p.Submit(2)

	err := p.Close(20 * time.Millisecond)
	assert.ErrorIs(t, err, txbus.ErrPoolShutdownTimeout)
	assert.Equal(t, uint64(1), p.Stats().Dropped, "queued item discarded")

	g.open()
}

func TestPoolConfig_Validate(t *testing.T) {
	assert.NoError(t, txbus.DefaultPoolConfig("ok").Validate())
	assert.Error(t, txbus.PoolConfig{Name: "a", Workers: 0, MaxWorkers: 1, QueueSize: 1}.Validate())
	assert.Error(t, txbus.PoolConfig{Name: "b", Workers: 2, MaxWorkers: 1, QueueSize: 1}.Validate())
	assert.Error(t, txbus.PoolConfig{Name: "c", Workers: 1, MaxWorkers: 1}.Validate())
}

// With every worker blocked, the default sizing accepts the queue capacity
// plus one item per worker and drops the rest.
func TestWorkerPool_DefaultSizingUnderFlood(t *testing.T) {
	if testing.Short() {
		t.Skip("floods a 500k queue")
	}

	g := newGate()
	p := txbus.NewWorkerPool(txbus.DefaultPoolConfig("flood"), g.handle, zerolog.Nop(), nil)

	const total = txbus.DefaultPoolQueueSize + 1000
	accepted := 0
	for i := 0; i < total; i++ {
		if p.Submit(i) {
			accepted++
		}
	}

	assert.GreaterOrEqual(t, accepted, txbus.DefaultPoolQueueSize)
	assert.LessOrEqual(t, accepted, txbus.DefaultPoolQueueSize+txbus.DefaultPoolMaxWorkers)
	st := p.Stats()
	assert.Equal(t, uint64(total-accepted), st.Dropped)
	assert.Equal(t, txbus.DefaultPoolMaxWorkers, st.Workers)

	g.open()
	require.NoError(t, p.Close(time.Minute))
	assert.Equal(t, uint64(accepted), p.Stats().Processed)
}
