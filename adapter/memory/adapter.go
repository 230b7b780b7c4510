package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/trickstertwo/txbus"
)

const TransportName = "memory"

func init() {
	if err := txbus.RegisterTransport(TransportName, func(cfg map[string]any) (txbus.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("txbus/memory: failed to register transport: %w", err))
	}
}

var errClosed = errors.New("memory transport is closed")

// Config controls memory transport behavior.
type Config struct {
	// BufferSize is the per-group queue size (default: 1024).
	BufferSize int
	// Concurrency is the default number of worker goroutines per subscription (default: 1).
	Concurrency int
	// RedeliveryDelay is the delay before re-enqueuing a message on Nack (default: 0 = immediate).
	RedeliveryDelay time.Duration
	// AssignIDs instructs the transport to assign IDs for messages with empty ID (default: true).
	AssignIDs bool

	// CheckImmunity is how long a staged message waits for its verdict
	// before the first check (default: 60s).
	CheckImmunity time.Duration
	// CheckInterval spaces repeated checks that answered unknown (default: 30s).
	CheckInterval time.Duration
	// MaxChecks is how many checks a staged message gets before it is
	// rolled back (default: 15).
	MaxChecks int
	// CheckLoop runs CheckPending every CheckInterval in the background.
	CheckLoop bool
}

func Defaults() Config {
	return Config{
		BufferSize:    1024,
		Concurrency:   1,
		AssignIDs:     true,
		CheckImmunity: 60 * time.Second,
		CheckInterval: 30 * time.Second,
		MaxChecks:     15,
	}
}

func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}

	getBool := func(k string, d bool) bool {
		if v, ok := cfg[k].(bool); ok {
			return v
		}
		return d
	}

	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return d
	}

	def := Defaults()
	return Config{
		BufferSize:      max(1, getInt("buffer_size", def.BufferSize)),
		Concurrency:     max(1, getInt("concurrency", def.Concurrency)),
		RedeliveryDelay: getDur("redelivery_delay", 0),
		AssignIDs:       getBool("assign_ids", def.AssignIDs),
		CheckImmunity:   getDur("check_immunity", def.CheckImmunity),
		CheckInterval:   getDur("check_interval", def.CheckInterval),
		MaxChecks:       max(1, getInt("max_checks", def.MaxChecks)),
		CheckLoop:       getBool("check_loop", false),
	}
}

// Option configures a Transport.
type Option func(*Transport)

// WithClock drives check scheduling from c.
func WithClock(c clockwork.Clock) Option {
	return func(t *Transport) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithLogger sets the transport logger.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// Transport implements txbus.TransactionalTransport using in-memory
// channels and a half-message table (dev/testing).
type Transport struct {
	cfg    Config
	clock  clockwork.Clock
	logger zerolog.Logger

	mu     sync.RWMutex
	topics map[string]*topic

	halfMu  sync.Mutex
	half    map[string]*halfMessage
	checkMu sync.RWMutex
	checker txbus.CheckFunc

	closed    atomic.Bool
	stopCheck context.CancelFunc
	checkDone chan struct{}

	metrics *transportMetrics
}

type transportMetrics struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	redelivered   atomic.Uint64
	publishErrors atomic.Uint64
	staged        atomic.Uint64
	committed     atomic.Uint64
	rolledBack    atomic.Uint64
	checks        atomic.Uint64
	checkExpired  atomic.Uint64
}

type halfMessage struct {
	handle    string
	topic     string
	msg       *txbus.Message
	stagedAt  time.Time
	nextCheck time.Time
	checks    int
	// checking is set while a check is in flight; a verdict relayed
	// meanwhile is parked in ended and wins over the check result.
	checking bool
	ended    txbus.Verdict
}

var _ txbus.TransactionalTransport = (*Transport)(nil)

// NewTransport creates a new in-memory transport.
func NewTransport(cfg Config, opts ...Option) *Transport {
	def := Defaults()
	if cfg.BufferSize < 1 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.CheckImmunity <= 0 {
		cfg.CheckImmunity = def.CheckImmunity
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.MaxChecks < 1 {
		cfg.MaxChecks = def.MaxChecks
	}

	t := &Transport{
		cfg:     cfg,
		clock:   clockwork.NewRealClock(),
		logger:  zerolog.Nop(),
		topics:  make(map[string]*topic),
		half:    make(map[string]*halfMessage),
		metrics: &transportMetrics{},
	}
	for _, o := range opts {
		if o != nil {
			o(t)
		}
	}

	if cfg.CheckLoop {
		ctx, cancel := context.WithCancel(context.Background())
		t.stopCheck = cancel
		t.checkDone = make(chan struct{})
		go t.checkLoop(ctx)
	}
	return t
}

// Publish fans out messages to all consumer groups for the topic.
func (t *Transport) Publish(ctx context.Context, topic string, msgs ...*txbus.Message) error {
	if t.closed.Load() {
		t.metrics.publishErrors.Add(uint64(len(msgs)))
		return errClosed
	}
	if len(msgs) == 0 {
		return nil
	}

	t.mu.RLock()
	top, ok := t.topics[topic]
	t.mu.RUnlock()

	for _, m := range msgs {
		if m == nil {
			continue
		}
		if t.cfg.AssignIDs && m.ID == "" {
			m.ID = nextID()
		}
		t.metrics.published.Add(1)
		if !ok {
			// No topic registered => no subscribers => drop (in-memory dev semantics)
			continue
		}

		top.mu.RLock()
		for _, g := range top.groups {
			task := &deliveryTask{topic: topic, group: g, msg: m, tr: t, createdAt: t.clock.Now()}
			select {
			case g.queue <- task:
			case <-ctx.Done():
				top.mu.RUnlock()
				t.metrics.publishErrors.Add(1)
				return ctx.Err()
			}
		}
		top.mu.RUnlock()
	}
	return nil
}

// Stage stores msg as a half message invisible to subscribers.
func (t *Transport) Stage(ctx context.Context, topic string, msg *txbus.Message) (string, error) {
	if t.closed.Load() {
		return "", errClosed
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if msg == nil {
		return "", errors.New("memory transport: nil message")
	}
	if t.cfg.AssignIDs && msg.ID == "" {
		msg.ID = nextID()
	}

	now := t.clock.Now()
	h := &halfMessage{
		handle:    uuid.NewString(),
		topic:     topic,
		msg:       msg,
		stagedAt:  now,
		nextCheck: now.Add(t.cfg.CheckImmunity),
	}
	t.halfMu.Lock()
	t.half[h.handle] = h
	t.halfMu.Unlock()

	t.metrics.staged.Add(1)
	return h.handle, nil
}

// End applies the verdict for a staged handle.
func (t *Transport) End(ctx context.Context, handle string, v txbus.Verdict) error {
	if t.closed.Load() {
		return errClosed
	}
	if !v.Final() {
		return nil
	}

	t.halfMu.Lock()
	h, ok := t.half[handle]
	if !ok {
		t.halfMu.Unlock()
		return fmt.Errorf("%w: %s", txbus.ErrUnknownHandle, handle)
	}
	if h.checking {
		h.ended = v
		t.halfMu.Unlock()
		return nil
	}
	delete(t.half, handle)
	t.halfMu.Unlock()

	return t.resolve(ctx, h, v)
}

func (t *Transport) resolve(ctx context.Context, h *halfMessage, v txbus.Verdict) error {
	if v == txbus.VerdictCommit {
		t.metrics.committed.Add(1)
		return t.Publish(ctx, h.topic, h.msg)
	}
	t.metrics.rolledBack.Add(1)
	return nil
}

// SetChecker registers the callback used to resolve lost verdicts.
func (t *Transport) SetChecker(fn txbus.CheckFunc) {
	t.checkMu.Lock()
	t.checker = fn
	t.checkMu.Unlock()
}

// CheckPending asks the checker about every staged message that is past
// its immunity window and applies the answers. It returns how many staged
// messages were resolved.
func (t *Transport) CheckPending(ctx context.Context) int {
	t.checkMu.RLock()
	check := t.checker
	t.checkMu.RUnlock()
	if check == nil {
		return 0
	}

	now := t.clock.Now()
	var due []*halfMessage
	t.halfMu.Lock()
	for _, h := range t.half {
		if !h.checking && !now.Before(h.nextCheck) {
			h.checking = true
			due = append(due, h)
		}
	}
	t.halfMu.Unlock()

	resolved := 0
	for _, h := range due {
		t.metrics.checks.Add(1)
		v := check(ctx, h.msg)

		t.halfMu.Lock()
		h.checking = false
		h.checks++
		if h.ended.Final() {
			v = h.ended
		}
		if !v.Final() && h.checks >= t.cfg.MaxChecks {
			t.metrics.checkExpired.Add(1)
			t.logger.Warn().Str("handle", h.handle).Str("key", h.msg.Key).Int("checks", h.checks).Msg("txbus/memory: check limit reached, rolling back")
			v = txbus.VerdictRollback
		}
		if v.Final() {
			delete(t.half, h.handle)
		} else {
			h.nextCheck = t.clock.Now().Add(t.cfg.CheckInterval)
		}
		t.halfMu.Unlock()

		if v.Final() {
			resolved++
			if err := t.resolve(ctx, h, v); err != nil {
				t.logger.Warn().Err(err).Str("handle", h.handle).Msg("txbus/memory: resolve after check failed")
			}
		}
	}
	return resolved
}

// Pending returns the number of staged messages awaiting a verdict.
func (t *Transport) Pending() int {
	t.halfMu.Lock()
	defer t.halfMu.Unlock()
	return len(t.half)
}

// CheckWindow is the longest a staged message can stay unresolved.
func (t *Transport) CheckWindow() time.Duration {
	return t.cfg.CheckImmunity + time.Duration(t.cfg.MaxChecks-1)*t.cfg.CheckInterval
}

func (t *Transport) checkLoop(ctx context.Context) {
	defer close(t.checkDone)
	ticker := t.clock.NewTicker(t.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			t.CheckPending(ctx)
		}
	}
}

// Subscribe registers a handler for a topic/group with configurable concurrency.
func (t *Transport) Subscribe(ctx context.Context, topic, group string, handler func(txbus.Delivery)) (txbus.Subscription, error) {
	if t.closed.Load() {
		return nil, errClosed
	}

	top := t.ensureTopic(topic)
	g := top.ensureGroup(group, t.cfg.BufferSize)

	innerCtx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}

	for i := 0; i < t.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.worker(innerCtx, g, handler)
		}()
	}

	return &subscription{
		close: func() error {
			cancel()
			wg.Wait()
			// Keep group and queue alive for other subscribers
			return nil
		},
	}, nil
}

func (t *Transport) worker(ctx context.Context, g *group, handler func(txbus.Delivery)) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-g.queue:
			if task == nil {
				continue
			}
			t.metrics.consumed.Add(1)
			handler(&memDelivery{task: task, tr: task.tr})
		}
	}
}

// Close gracefully shuts down the transport.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	if t.stopCheck != nil {
		t.stopCheck()
		<-t.checkDone
	}

	t.mu.Lock()
	t.topics = make(map[string]*topic)
	t.mu.Unlock()
	return nil
}

// Stats returns transport telemetry.
type Stats struct {
	Published     uint64
	Consumed      uint64
	Acked         uint64
	Nacked        uint64
	Redelivered   uint64
	PublishErrors uint64
	Staged        uint64
	Committed     uint64
	RolledBack    uint64
	Checks        uint64
	CheckExpired  uint64
	Pending       int
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Published:     t.metrics.published.Load(),
		Consumed:      t.metrics.consumed.Load(),
		Acked:         t.metrics.acked.Load(),
		Nacked:        t.metrics.nacked.Load(),
		Redelivered:   t.metrics.redelivered.Load(),
		PublishErrors: t.metrics.publishErrors.Load(),
		Staged:        t.metrics.staged.Load(),
		Committed:     t.metrics.committed.Load(),
		RolledBack:    t.metrics.rolledBack.Load(),
		Checks:        t.metrics.checks.Load(),
		CheckExpired:  t.metrics.checkExpired.Load(),
		Pending:       t.Pending(),
	}
}

type subscription struct {
	close func() error
}

func (s *subscription) Close() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}

type topic struct {
	mu     sync.RWMutex
	groups map[string]*group
}

type group struct {
	name  string
	queue chan *deliveryTask
}

type deliveryTask struct {
	tr        *Transport
	topic     string
	group     *group
	msg       *txbus.Message
	createdAt time.Time
}

type memDelivery struct {
	task    *deliveryTask
	ackOnce sync.Once
	tr      *Transport
}

func (d *memDelivery) Message() *txbus.Message {
	return d.task.msg
}

// Ack marks the message as processed.
func (d *memDelivery) Ack(_ context.Context) error {
	d.ackOnce.Do(func() {
		d.tr.metrics.acked.Add(1)
	})
	return nil
}

// Nack negative-acknowledges the message for redelivery.
func (d *memDelivery) Nack(ctx context.Context, _ error) error {
	d.ackOnce.Do(func() {
		d.tr.metrics.nacked.Add(1)
		d.tr.metrics.redelivered.Add(1)

		delay := d.tr.cfg.RedeliveryDelay
		if delay <= 0 {
			select {
			case d.task.group.queue <- d.task:
			case <-ctx.Done():
			}
			return
		}

		// Detached from ctx: the ack context ends before the delay does.
		go func() {
			<-d.tr.clock.After(delay)
			if d.tr.closed.Load() {
				return
			}
			select {
			case d.task.group.queue <- d.task:
			default:
				d.tr.logger.Warn().Str("message_id", d.task.msg.ID).Msg("txbus/memory: redelivery dropped, group queue full")
			}
		}()
	})
	return nil
}

func (t *Transport) ensureTopic(name string) *topic {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tp, ok := t.topics[name]; ok {
		return tp
	}
	tp := &topic{groups: make(map[string]*group)}
	t.topics[name] = tp
	return tp
}

func (tp *topic) ensureGroup(name string, bufferSize int) *group {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if g, ok := tp.groups[name]; ok {
		return g
	}
	g := &group{name: name, queue: make(chan *deliveryTask, bufferSize)}
	tp.groups[name] = g
	return g
}

// Simple monotonic ID generator (not distributed; dev/testing only).
var idSeq atomic.Uint64

func nextID() string {
	return fmt.Sprintf("mem-%d", idSeq.Add(1))
}
