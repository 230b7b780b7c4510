package txbus

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Builder constructs Coordinator instances (Builder pattern).
type Builder struct {
	transportName string
	transportCfg  map[string]any
	transportInst Transport

	codecName string
	codecInst Codec

	ledger Ledger
	locker Locker

	middlewares []Middleware
	observers   []Observer
	logger      *zerolog.Logger
	clock       clockwork.Clock

	ackTimeout     time.Duration
	publishTimeout time.Duration
	relayTimeout   time.Duration
	drainTimeout   time.Duration
	ledgerTTL      time.Duration
	executeTimeout time.Duration

	txTopic    string
	txPool     PoolConfig
	categories []Category
	mutations  map[EventType]Mutation
	breaker    *BreakerConfig

	observerWorkers int
	observerQueue   int
}

// NewBuilder returns a new builder with sensible defaults.
func NewBuilder() *Builder {
	return &Builder{
		codecName:       "json",
		ackTimeout:      5 * time.Second,
		publishTimeout:  5 * time.Second,
		relayTimeout:    5 * time.Second,
		drainTimeout:    5 * time.Second,
		ledgerTTL:       DefaultLedgerTTL,
		executeTimeout:  DefaultExecuteTimeout,
		txTopic:         "transaction",
		txPool:          DefaultPoolConfig(txCategoryName),
		mutations:       make(map[EventType]Mutation),
		observerWorkers: 4,
		observerQueue:   4096,
	}
}

func (b *Builder) WithTransport(name string, cfg map[string]any) *Builder {
	b.transportName = name
	b.transportCfg = cfg
	return b
}

// WithTransportInstance accepts a ready Transport instance.
func (b *Builder) WithTransportInstance(t Transport) *Builder {
	b.transportInst = t
	return b
}

func (b *Builder) WithCodec(name string) *Builder {
	b.codecName = name
	return b
}

// WithCodecInstance accepts a ready Codec instance.
func (b *Builder) WithCodecInstance(c Codec) *Builder {
	b.codecInst = c
	return b
}

// WithLedger sets the status ledger shared by the executor and checker.
func (b *Builder) WithLedger(l Ledger) *Builder {
	b.ledger = l
	return b
}

// WithLocker serializes executions of the same event id.
func (b *Builder) WithLocker(l Locker) *Builder {
	b.locker = l
	return b
}

func (b *Builder) WithMiddleware(mw ...Middleware) *Builder {
	b.middlewares = append(b.middlewares, mw...)
	return b
}

func (b *Builder) WithObserver(obs ...Observer) *Builder {
	for _, o := range obs {
		if o != nil {
			b.observers = append(b.observers, o)
		}
	}
	return b
}

func (b *Builder) WithLogger(l zerolog.Logger) *Builder {
	b.logger = &l
	return b
}

func (b *Builder) WithClock(c clockwork.Clock) *Builder {
	b.clock = c
	return b
}

func (b *Builder) WithAckTimeout(d time.Duration) *Builder {
	if d > 0 {
		b.ackTimeout = d
	}
	return b
}

// WithPublishTimeout bounds a single best-effort publish call.
func (b *Builder) WithPublishTimeout(d time.Duration) *Builder {
	if d > 0 {
		b.publishTimeout = d
	}
	return b
}

// WithRelayTimeout bounds the verdict relay after execution.
func (b *Builder) WithRelayTimeout(d time.Duration) *Builder {
	if d > 0 {
		b.relayTimeout = d
	}
	return b
}

// WithDrainTimeout bounds how long Close waits for each pool.
func (b *Builder) WithDrainTimeout(d time.Duration) *Builder {
	if d > 0 {
		b.drainTimeout = d
	}
	return b
}

func (b *Builder) WithLedgerTTL(d time.Duration) *Builder {
	if d > 0 {
		b.ledgerTTL = d
	}
	return b
}

// WithExecuteTimeout bounds a single mutation; zero disables the deadline.
func (b *Builder) WithExecuteTimeout(d time.Duration) *Builder {
	if d >= 0 {
		b.executeTimeout = d
	}
	return b
}

// WithTransactionTopic sets the topic transactional events are staged on.
func (b *Builder) WithTransactionTopic(topic string) *Builder {
	if topic != "" {
		b.txTopic = topic
	}
	return b
}

// WithTransactionPool sizes the pool behind PublishTransactional.
func (b *Builder) WithTransactionPool(cfg PoolConfig) *Builder {
	cfg.Name = txCategoryName
	b.txPool = cfg
	return b
}

// WithCategory adds a best-effort category. The first call replaces the
// default category set.
func (b *Builder) WithCategory(cats ...Category) *Builder {
	if b.categories == nil {
		b.categories = make([]Category, 0, len(cats))
	}
	b.categories = append(b.categories, cats...)
	return b
}

// WithMutation registers the local mutation for an event type.
func (b *Builder) WithMutation(t EventType, m Mutation) *Builder {
	b.mutations[t] = m
	return b
}

// WithCircuitBreaker guards broker calls with a circuit breaker.
func (b *Builder) WithCircuitBreaker(cfg BreakerConfig) *Builder {
	b.breaker = &cfg
	return b
}

// WithObserverPool sizes the asynchronous transition dispatcher.
func (b *Builder) WithObserverPool(workers, queueSize int) *Builder {
	if workers > 0 {
		b.observerWorkers = workers
	}
	if queueSize > 0 {
		b.observerQueue = queueSize
	}
	return b
}

// Clock returns the configured clock, or nil.
func (b *Builder) Clock() clockwork.Clock { return b.clock }

// Logger returns the configured logger, or a disabled one.
func (b *Builder) Logger() zerolog.Logger {
	if b.logger == nil {
		return zerolog.Nop()
	}
	return *b.logger
}

// HasLedger reports whether a ledger was configured.
func (b *Builder) HasLedger() bool { return b.ledger != nil }

// Build assembles the Coordinator. A transport created from the registry
// is closed again when the build fails; an instance passed to
// WithTransportInstance stays with its owner.
func (b *Builder) Build() (*Coordinator, error) {
	switch {
	case b.transportInst != nil:
		return b.build(b.transportInst)
	case b.transportName != "":
		tr, err := NewTransport(b.transportName, b.transportCfg)
		if err != nil {
			return nil, err
		}
		c, err := b.build(tr)
		if err != nil {
			_ = tr.Close(context.Background())
			return nil, err
		}
		return c, nil
	default:
		return nil, ErrNoTransportConfigured
	}
}

func (b *Builder) build(tr Transport) (*Coordinator, error) {
	if b.ledger == nil {
		return nil, ErrNoLedgerConfigured
	}

	var cd Codec
	var err error
	if b.codecInst != nil {
		cd = b.codecInst
	} else {
		cd, err = NewCodec(b.codecName)
		if err != nil {
			return nil, err
		}
	}

	clk := b.clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	var lg zerolog.Logger
	if b.logger != nil {
		lg = *b.logger
	} else {
		lg = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	if cw, ok := tr.(CheckWindower); ok && b.ledgerTTL <= cw.CheckWindow() {
		lg.Warn().
			Dur("ledger_ttl", b.ledgerTTL).
			Dur("check_window", cw.CheckWindow()).
			Msg("txbus: ledger ttl does not outlive the broker check window, late checks will roll back committed events")
	}
	if b.breaker != nil {
		tr = NewBreakerTransport(tr, *b.breaker, lg)
	}

	cats := b.categories
	if cats == nil {
		cats = DefaultCategories()
	}
	if err := b.txPool.Validate(); err != nil {
		return nil, err
	}

	c := &Coordinator{
		transport:      tr,
		codec:          cd,
		clock:          clk,
		logger:         lg,
		txTopic:        b.txTopic,
		categories:     make(map[string]*category, len(cats)),
		routes:         make(map[EventType]*category),
		middlewares:    b.middlewares,
		ackTimeout:     b.ackTimeout,
		publishTimeout: b.publishTimeout,
		relayTimeout:   b.relayTimeout,
		drainTimeout:   b.drainTimeout,
		metrics:        &coordinatorMetrics{},
	}

	for _, cat := range cats {
		if err := cat.validate(); err != nil {
			return nil, err
		}
		if cat.Pool.Name == "" {
			cat.Pool.Name = cat.Name
		}
		if err := cat.Pool.withDefaults().Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.categories[cat.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateCategory, cat.Name)
		}
		rc := &category{Category: cat}
		for _, t := range cat.Types {
			if prev, dup := c.routes[t]; dup {
				return nil, fmt.Errorf("%w: %s in %q and %q", ErrDuplicateRoute, t, prev.Name, cat.Name)
			}
			c.routes[t] = rc
		}
		c.categories[cat.Name] = rc
	}

	c.executor = NewExecutor(ExecutorConfig{
		Ledger:    b.ledger,
		Locker:    b.locker,
		Codec:     cd,
		Logger:    lg,
		LedgerTTL: b.ledgerTTL,
		Timeout:   b.executeTimeout,
	})
	for t, m := range b.mutations {
		c.executor.Handle(t, m)
	}
	c.checker = NewChecker(b.ledger, cd, lg)

	if tx, ok := tr.(TransactionalTransport); ok {
		c.tx = tx
		tx.SetChecker(c.checkMessage)
	} else {
		lg.Info().Msg("txbus: transport has no transactional support, transactional publishes will roll back")
	}

	// Pools start last so no worker observes a half-built coordinator.
	c.observerPool = NewWorkerPool(PoolConfig{
		Name:       "observers",
		Workers:    b.observerWorkers,
		MaxWorkers: b.observerWorkers,
		QueueSize:  b.observerQueue,
	}, func(n notification) { dispatch(n.observers, n.t) }, lg, clk)

	c.txPool = NewWorkerPool(b.txPool, c.runTransactionTask, lg, clk)
	for _, rc := range c.categories {
		rc.pool = NewWorkerPool(rc.Pool, c.runAsyncTask, lg, clk)
	}

	hasLoggingObserver := false
	for _, o := range b.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		c.AddObserver(LoggingObserver{Logger: &c.logger})
	}
	for _, o := range b.observers {
		c.AddObserver(o)
	}

	return c, nil
}

// New constructs a Coordinator via Builder and returns a close func for convenience.
func New(init func(b *Builder)) (*Coordinator, func() error, error) {
	b := NewBuilder()
	if init != nil {
		init(b)
	}
	c, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return c.Close(context.Background()) }
	return c, closeFn, nil
}
