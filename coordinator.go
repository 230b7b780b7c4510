package txbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
)

var _ HealthChecker = (*Coordinator)(nil)

// Coordinator is the Facade over the transactional and best-effort
// publication paths, the executor and checker, and the consumer side.
type Coordinator struct {
	transport Transport
	tx        TransactionalTransport
	codec     Codec
	clock     clockwork.Clock
	logger    zerolog.Logger

	executor *Executor
	checker  *Checker

	txTopic string
	txPool  *WorkerPool[txTask]

	categories map[string]*category
	routes     map[EventType]*category

	middlewares    []Middleware
	ackTimeout     time.Duration
	publishTimeout time.Duration
	relayTimeout   time.Duration
	drainTimeout   time.Duration

	observerPool *WorkerPool[notification]
	observersMu  sync.RWMutex
	observers    []Observer

	metrics   *coordinatorMetrics
	closed    atomic.Bool
	closeOnce sync.Once
}

// coordinatorMetrics uses lock-free atomics.
type coordinatorMetrics struct {
	published     atomic.Uint64
	publishErrors atomic.Uint64
	transactions  atomic.Uint64
	committed     atomic.Uint64
	rolledBack    atomic.Uint64
	stageFailures atomic.Uint64
	relayFailures atomic.Uint64
	consumed      atomic.Uint64
	ackCount      atomic.Uint64
	nackCount     atomic.Uint64
	errorCount    atomic.Uint64
	processingNs  atomic.Int64
}

// Codec returns the configured codec.
func (c *Coordinator) Codec() Codec { return c.codec }

// Executor exposes the local transaction executor.
func (c *Coordinator) Executor() *Executor { return c.executor }

// Handle registers the mutation run for an event type.
func (c *Coordinator) Handle(t EventType, m Mutation) { c.executor.Handle(t, m) }

// Execute runs the local transaction for env without involving the broker.
func (c *Coordinator) Execute(ctx context.Context, env Envelope) Result {
	return c.executor.Execute(ctx, env)
}

// Check answers whether eventID committed.
func (c *Coordinator) Check(ctx context.Context, eventID string) Verdict {
	return c.checker.Check(ctx, eventID)
}

// checkMessage is registered with the transactional transport.
func (c *Coordinator) checkMessage(ctx context.Context, msg *Message) Verdict {
	v := c.checker.CheckMessage(ctx, msg)
	if v.Final() {
		to := StateRolledBack
		if v == VerdictCommit {
			to = StateCommitted
		}
		c.emit(Transition{EventID: msg.Key, From: StateCheckPending, To: to, At: c.clock.Now(), Category: txCategoryName})
	}
	return v
}

// Subscribe registers a handler under a consumer group for a topic.
func (c *Coordinator) Subscribe(ctx context.Context, topic, group string, handler Handler) (Subscription, error) {
	if c.closed.Load() {
		return nil, ErrCoordinatorClosed
	}
	if topic == "" || group == "" || handler == nil {
		return nil, ErrInvalidSubscription
	}

	base := RecoveryMiddleware()(handler)
	wh := Chain(base, c.middlewares...)
	hctx := InjectAll(ctx, c.codec, c.logger, c.clock)

	return c.transport.Subscribe(ctx, topic, group, func(d Delivery) {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Warn().Interface("panic", r).Msg("txbus: handler panic (recovered)")
				c.metrics.errorCount.Add(1)
				_ = d.Nack(context.WithoutCancel(hctx), ErrHandlerPanic)
			}
		}()

		c.metrics.consumed.Add(1)
		msg := d.Message()

		start := c.clock.Now()
		err := wh(hctx, msg)
		c.recordProcessingTime(c.clock.Since(start).Nanoseconds())

		if err == nil {
			c.metrics.ackCount.Add(1)
			c.ackWithTimeout(hctx, d, true, nil)
			return
		}
		c.metrics.nackCount.Add(1)
		c.logger.Debug().Err(err).Str("topic", topic).Str("group", group).Str("message_id", msg.ID).Msg("txbus: handler failed")
		c.ackWithTimeout(hctx, d, false, err)
	})
}

func (c *Coordinator) ackWithTimeout(ctx context.Context, d Delivery, ack bool, reason error) {
	actx := context.WithoutCancel(ctx)
	cancel := func() {}
	if c.ackTimeout > 0 {
		actx, cancel = context.WithTimeout(actx, c.ackTimeout)
	}
	defer cancel()

	if ack {
		if err := d.Ack(actx); err != nil {
			c.metrics.errorCount.Add(1)
			c.logger.Warn().Err(err).Msg("txbus: ack failed")
		}
		return
	}
	if err := d.Nack(actx, reason); err != nil {
		c.metrics.errorCount.Add(1)
		c.logger.Warn().Err(err).Msg("txbus: nack failed")
	}
}

// GetMetrics returns current coordinator metrics.
func (c *Coordinator) GetMetrics() Metrics {
	m := Metrics{
		Published:           c.metrics.published.Load(),
		PublishErrors:       c.metrics.publishErrors.Load(),
		Transactions:        c.metrics.transactions.Load(),
		Committed:           c.metrics.committed.Load(),
		RolledBack:          c.metrics.rolledBack.Load(),
		StageFailures:       c.metrics.stageFailures.Load(),
		RelayFailures:       c.metrics.relayFailures.Load(),
		Checks:              c.checker.Checks(),
		Consumed:            c.metrics.consumed.Load(),
		Acked:               c.metrics.ackCount.Load(),
		Nacked:              c.metrics.nackCount.Load(),
		Errors:              c.metrics.errorCount.Load(),
		AvgProcessingTimeMs: float64(c.metrics.processingNs.Load()) / 1e6,
		Executor:            c.executor.Stats(),
	}
	for _, p := range c.pools() {
		s := p.Stats()
		m.Dropped += s.Dropped
		m.Pools = append(m.Pools, s)
	}
	if c.observerPool != nil {
		m.TransitionsDropped = c.observerPool.Stats().Dropped
	}
	return m
}

// Health checks coordinator health for Kubernetes probes.
func (c *Coordinator) Health(ctx context.Context) HealthStatus {
	now := c.clock.Now()
	if c.closed.Load() {
		return HealthStatus{Status: "unhealthy", Timestamp: now, Message: "coordinator is closed"}
	}

	metrics := c.GetMetrics()
	status := "healthy"
	msg := ""

	// Degraded if error rate > 5%
	attempts := metrics.Published + metrics.Transactions
	failures := metrics.PublishErrors + metrics.StageFailures + metrics.RelayFailures + metrics.Errors
	if attempts > 0 && failures > 0 && float64(failures)/float64(attempts) > 0.05 {
		status = "degraded"
		msg = "publish error rate above 5%"
	}
	if bs, ok := c.transport.(BreakerStater); ok && bs.BreakerState() == gobreaker.StateOpen {
		status = "degraded"
		msg = "transport circuit breaker open"
	}

	return HealthStatus{Status: status, Metrics: metrics, Timestamp: now, Message: msg}
}

type poolCloser interface {
	Close(timeout time.Duration) error
	Stats() PoolStats
}

func (c *Coordinator) pools() []poolCloser {
	out := make([]poolCloser, 0, len(c.categories)+1)
	if c.txPool != nil {
		out = append(out, c.txPool)
	}
	for _, cat := range c.categories {
		out = append(out, cat.pool)
	}
	return out
}

// Close drains the publisher pools, then the observer pool, then closes the
// transport. It is idempotent.
func (c *Coordinator) Close(ctx context.Context) error {
	var closeErr error

	c.closeOnce.Do(func() {
		c.closed.Store(true)

		var g errgroup.Group
		for _, p := range c.pools() {
			p := p
			g.Go(func() error { return p.Close(c.drainTimeout) })
		}
		if err := g.Wait(); err != nil {
			c.logger.Warn().Err(err).Msg("txbus: publisher pool shutdown timeout")
			closeErr = err
		}

		if c.observerPool != nil {
			if err := c.observerPool.Close(c.drainTimeout); err != nil {
				c.logger.Warn().Err(err).Msg("txbus: observer pool shutdown timeout")
				closeErr = errors.Join(closeErr, err)
			}
		}

		if err := c.transport.Close(ctx); err != nil {
			c.logger.Error().Err(err).Msg("txbus: transport close failed")
			closeErr = errors.Join(closeErr, err)
		}
	})

	return closeErr
}

// AddObserver registers an observer (thread-safe).
func (c *Coordinator) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	c.observersMu.Lock()
	c.observers = append(c.observers, obs)
	c.observersMu.Unlock()
}

// RemoveObserver removes an observer.
func (c *Coordinator) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	c.observersMu.Lock()
	defer c.observersMu.Unlock()

	for i, o := range c.observers {
		if o == obs {
			c.observers = append(c.observers[:i], c.observers[i+1:]...)
			break
		}
	}
}

func (c *Coordinator) transition(env Envelope, category string, from, to State, err error) {
	if !from.CanTransition(to) {
		c.logger.Error().Str("event_id", env.EventID).Str("from", string(from)).Str("to", string(to)).Msg("txbus: invalid lifecycle transition")
		return
	}
	c.emit(Transition{
		EventID:  env.EventID,
		Type:     env.Type,
		Category: category,
		From:     from,
		To:       to,
		At:       c.clock.Now(),
		Err:      err,
	})
}

// emit dispatches a transition asynchronously; it never blocks.
func (c *Coordinator) emit(t Transition) {
	if c.observerPool == nil {
		return
	}

	c.observersMu.RLock()
	if len(c.observers) == 0 {
		c.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(c.observers))
	copy(observers, c.observers)
	c.observersMu.RUnlock()

	c.observerPool.Submit(notification{t: t, observers: observers})
}

// recordProcessingTime records processing time using exponential moving average.
func (c *Coordinator) recordProcessingTime(ns int64) {
	const alpha = 0.2
	current := c.metrics.processingNs.Load()
	if current == 0 {
		c.metrics.processingNs.Store(ns)
		return
	}
	c.metrics.processingNs.Store(int64(float64(ns)*alpha + float64(current)*(1-alpha)))
}
