package txbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	DefaultPoolWorkers    = 10
	DefaultPoolMaxWorkers = 20
	DefaultPoolQueueSize  = 500_000
	DefaultPoolKeepAlive  = time.Second
)

// PoolConfig sizes a named WorkerPool.
type PoolConfig struct {
	Name string
	// Workers is the number of always-on workers.
	Workers int
	// MaxWorkers bounds the total worker count. Workers above Workers are
	// only started when the queue is full.
	MaxWorkers int
	// QueueSize is the bounded queue capacity.
	QueueSize int
	// KeepAlive is how long an idle burst worker lingers before exiting.
	KeepAlive time.Duration
	// OfferTimeout is how long Submit may wait for queue space once the
	// pool is saturated. Zero never waits.
	OfferTimeout time.Duration
}

// DefaultPoolConfig returns the sizing used by every publisher category.
func DefaultPoolConfig(name string) PoolConfig {
	return PoolConfig{
		Name:       name,
		Workers:    DefaultPoolWorkers,
		MaxWorkers: DefaultPoolMaxWorkers,
		QueueSize:  DefaultPoolQueueSize,
		KeepAlive:  DefaultPoolKeepAlive,
	}
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.Workers < 1 {
		c.Workers = DefaultPoolWorkers
	}
	if c.MaxWorkers < c.Workers {
		c.MaxWorkers = c.Workers
	}
	if c.QueueSize < 1 {
		c.QueueSize = DefaultPoolQueueSize
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = DefaultPoolKeepAlive
	}
	if c.OfferTimeout < 0 {
		c.OfferTimeout = 0
	}
	return c
}

// Validate rejects sizings that cannot be honored.
func (c PoolConfig) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("pool %q: workers must be >= 1, got %d", c.Name, c.Workers)
	}
	if c.MaxWorkers < c.Workers {
		return fmt.Errorf("pool %q: max_workers (%d) must be >= workers (%d)", c.Name, c.MaxWorkers, c.Workers)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("pool %q: queue_size must be >= 1, got %d", c.Name, c.QueueSize)
	}
	return nil
}

type queued[T any] struct {
	item T
	at   time.Time
}

// WorkerPool runs handle for submitted items on a bounded set of workers.
// Submit never blocks longer than OfferTimeout: when the queue is full and
// the pool is already at MaxWorkers the item is dropped and a warning is
// logged.
type WorkerPool[T any] struct {
	cfg    PoolConfig
	handle func(T)
	logger zerolog.Logger
	clock  clockwork.Clock

	queue  chan *queued[T]
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu orders Submit against Close so nothing is enqueued after Close.
	mu     sync.RWMutex
	closed bool
	abort  atomic.Bool

	live      atomic.Int32
	submitted atomic.Uint64
	processed atomic.Uint64
	dropped   atomic.Uint64
	rejected  atomic.Uint64
	panics    atomic.Uint64
	waitNs    atomic.Int64
}

// NewWorkerPool starts the core workers of a pool.
func NewWorkerPool[T any](cfg PoolConfig, handle func(T), logger zerolog.Logger, clock clockwork.Clock) *WorkerPool[T] {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool[T]{
		cfg:    cfg,
		handle: handle,
		logger: logger.With().Str("pool", cfg.Name).Logger(),
		clock:  clock,
		queue:  make(chan *queued[T], cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		p.live.Add(1)
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Name returns the pool name.
func (p *WorkerPool[T]) Name() string { return p.cfg.Name }

// Submit offers item to the pool and reports whether it was accepted.
func (p *WorkerPool[T]) Submit(item T) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.rejected.Add(1)
		p.logger.Warn().Msg("txbus: pool closed, item rejected")
		return false
	}
	p.submitted.Add(1)

	q := &queued[T]{item: item, at: p.clock.Now()}
	select {
	case p.queue <- q:
		return true
	default:
	}

	// Queue full: hand the item straight to a new burst worker if allowed.
	if p.grow(q) {
		return true
	}

	// wall time even under a fake clock
	if p.cfg.OfferTimeout > 0 {
		timer := time.NewTimer(p.cfg.OfferTimeout)
		select {
		case p.queue <- q:
			timer.Stop()
			return true
		case <-timer.C:
		}
	}

	p.dropped.Add(1)
	p.logger.Warn().
		Int("queue_size", p.cfg.QueueSize).
		Int("max_workers", p.cfg.MaxWorkers).
		Uint64("dropped_total", p.dropped.Load()).
		Msg("txbus: queue full, item dropped")
	return false
}

func (p *WorkerPool[T]) grow(first *queued[T]) bool {
	for {
		n := p.live.Load()
		if int(n) >= p.cfg.MaxWorkers {
			return false
		}
		if p.live.CompareAndSwap(n, n+1) {
			break
		}
	}
	p.wg.Add(1)
	go p.burstWorker(first)
	return true
}

func (p *WorkerPool[T]) worker() {
	defer p.wg.Done()
	defer p.live.Add(-1)
	for {
		select {
		case <-p.ctx.Done():
			p.drain()
			return
		case q := <-p.queue:
			p.run(q)
		}
	}
}

func (p *WorkerPool[T]) burstWorker(first *queued[T]) {
	defer p.wg.Done()
	defer p.live.Add(-1)

	p.run(first)
	for {
		select {
		case <-p.ctx.Done():
			p.drain()
			return
		case q := <-p.queue:
			p.run(q)
		case <-p.clock.After(p.cfg.KeepAlive):
			return
		}
	}
}

// drain processes whatever is still queued until empty or aborted.
func (p *WorkerPool[T]) drain() {
	for !p.abort.Load() {
		select {
		case q := <-p.queue:
			p.run(q)
		default:
			return
		}
	}
}

func (p *WorkerPool[T]) run(q *queued[T]) {
	p.observeWait(p.clock.Since(q.at))
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error().Interface("panic", r).Msg("txbus: pool task panic (recovered)")
		}
	}()
	p.processed.Add(1)
	p.handle(q.item)
}

// observeWait keeps an exponential moving average of queue latency.
func (p *WorkerPool[T]) observeWait(d time.Duration) {
	const alpha = 0.2
	ns := d.Nanoseconds()
	current := p.waitNs.Load()
	if current == 0 {
		p.waitNs.Store(ns)
		return
	}
	p.waitNs.Store(int64(float64(ns)*alpha + float64(current)*(1-alpha)))
}

// Close stops accepting items and waits up to timeout for queued items to
// be processed. Items still queued at the deadline are discarded and
// counted as dropped.
func (p *WorkerPool[T]) Close(timeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		p.abort.Store(true)
		if n := len(p.queue); n > 0 {
			p.dropped.Add(uint64(n))
			p.logger.Warn().Int("discarded", n).Msg("txbus: pool shutdown timeout, queued items discarded")
		}
		return fmt.Errorf("%w: %s", ErrPoolShutdownTimeout, p.cfg.Name)
	}
}

// Stats returns current pool statistics.
func (p *WorkerPool[T]) Stats() PoolStats {
	return PoolStats{
		Name:           p.cfg.Name,
		Submitted:      p.submitted.Load(),
		Processed:      p.processed.Load(),
		Dropped:        p.dropped.Load(),
		Rejected:       p.rejected.Load(),
		Panics:         p.panics.Load(),
		Queued:         len(p.queue),
		QueueSize:      cap(p.queue),
		Workers:        int(p.live.Load()),
		CoreWorkers:    p.cfg.Workers,
		MaxWorkers:     p.cfg.MaxWorkers,
		AvgQueueWaitMs: float64(p.waitNs.Load()) / 1e6,
	}
}
