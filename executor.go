package txbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Mutation applies the local state change an envelope describes. It must
// honor ctx and must be safe to call again for an event whose earlier
// attempt failed.
type Mutation func(ctx context.Context, env Envelope) error

// ExecutorConfig wires an Executor.
type ExecutorConfig struct {
	Ledger Ledger
	// Locker is optional. When set, concurrent executions of one event id
	// are serialized and the loser rolls back.
	Locker    Locker
	Codec     Codec
	Logger    zerolog.Logger
	LedgerTTL time.Duration
	// Timeout bounds a mutation. Zero disables the deadline.
	Timeout time.Duration
}

// Executor runs the local half of a transaction. It is idempotent by
// event id: once an event is in the ledger, later executions commit
// without running the mutation again.
type Executor struct {
	ledger  Ledger
	locker  Locker
	codec   Codec
	logger  zerolog.Logger
	ttl     time.Duration
	timeout time.Duration

	mu        sync.RWMutex
	mutations map[EventType]Mutation

	executed   atomic.Uint64
	committed  atomic.Uint64
	rolledBack atomic.Uint64
	duplicates atomic.Uint64
	anomalies  atomic.Uint64
}

// NewExecutor returns an Executor with no mutations registered.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Codec == nil {
		cfg.Codec = JSONCodec{}
	}
	if cfg.LedgerTTL <= 0 {
		cfg.LedgerTTL = DefaultLedgerTTL
	}
	return &Executor{
		ledger:    cfg.Ledger,
		locker:    cfg.Locker,
		codec:     cfg.Codec,
		logger:    cfg.Logger,
		ttl:       cfg.LedgerTTL,
		timeout:   cfg.Timeout,
		mutations: make(map[EventType]Mutation),
	}
}

// Handle registers the mutation for an event type, replacing any earlier one.
func (x *Executor) Handle(t EventType, m Mutation) {
	x.mu.Lock()
	if m == nil {
		delete(x.mutations, t)
	} else {
		x.mutations[t] = m
	}
	x.mu.Unlock()
}

func (x *Executor) mutation(t EventType) (Mutation, bool) {
	x.mu.RLock()
	m, ok := x.mutations[t]
	x.mu.RUnlock()
	return m, ok
}

// Execute applies env and returns the verdict to relay. It never panics
// and never returns VerdictUnknown.
func (x *Executor) Execute(ctx context.Context, env Envelope) Result {
	x.executed.Add(1)

	if err := env.Validate(); err != nil {
		return x.rollback(env, err)
	}
	m, ok := x.mutation(env.Type)
	if !ok {
		return x.rollback(env, fmt.Errorf("%w: %s", ErrNoMutation, env.Type))
	}

	if x.locker != nil {
		unlock, err := x.locker.Lock(ctx, env.EventID, x.lockTTL())
		if err != nil {
			return x.rollback(env, fmt.Errorf("%w: %v", ErrInFlight, err))
		}
		defer func() {
			uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerWriteTimeout)
			defer cancel()
			if err := unlock(uctx); err != nil {
				x.logger.Warn().Err(err).Str("event_id", env.EventID).Msg("txbus: unlock failed")
			}
		}()
	}

	done, err := x.ledger.IsCommitted(ctx, env.EventID)
	if err != nil {
		return x.rollback(env, fmt.Errorf("txbus: ledger lookup: %w", err))
	}
	if done {
		x.duplicates.Add(1)
		x.committed.Add(1)
		x.logger.Debug().Str("event_id", env.EventID).Stringer("event_type", env.Type).Msg("txbus: event already committed")
		return Committed()
	}

	if err := x.apply(ctx, m, env); err != nil {
		return x.rollback(env, err)
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerWriteTimeout)
	defer cancel()
	if _, err := x.ledger.MarkCommitted(wctx, env.EventID, x.ttl); err != nil {
		x.anomalies.Add(1)
		x.logger.Error().Err(err).
			Str("event_id", env.EventID).
			Stringer("event_type", env.Type).
			Msg("txbus: mutation applied but ledger write failed")
		return x.rollback(env, fmt.Errorf("%w: %v", ErrNotRecorded, err))
	}

	x.committed.Add(1)
	return Committed()
}

// ExecuteMessage decodes the envelope carried by msg and executes it.
func (x *Executor) ExecuteMessage(ctx context.Context, msg *Message) Result {
	if msg == nil {
		x.executed.Add(1)
		return x.rollback(Envelope{}, fmt.Errorf("%w: nil message", ErrInvalidEnvelope))
	}
	env, err := DecodeEnvelope(x.codec, msg.Payload)
	if err != nil {
		x.executed.Add(1)
		return x.rollback(Envelope{EventID: msg.Key}, err)
	}
	return x.Execute(ctx, env)
}

// apply runs the mutation on the caller's goroutine so a timed-out
// mutation cannot keep writing after the rollback is relayed.
func (x *Executor) apply(ctx context.Context, m Mutation, env Envelope) (err error) {
	if x.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrMutationPanic, r)
		}
	}()
	return m(ctx, env)
}

func (x *Executor) lockTTL() time.Duration {
	if x.timeout > 0 {
		return x.timeout + ledgerWriteTimeout
	}
	return DefaultExecuteTimeout + ledgerWriteTimeout
}

func (x *Executor) rollback(env Envelope, err error) Result {
	x.rolledBack.Add(1)
	x.logger.Warn().Err(err).
		Str("event_id", env.EventID).
		Stringer("event_type", env.Type).
		Msg("txbus: local transaction rolled back")
	return RolledBack(err)
}

// Stats returns execution counters.
func (x *Executor) Stats() ExecutorStats {
	return ExecutorStats{
		Executed:   x.executed.Load(),
		Committed:  x.committed.Load(),
		RolledBack: x.rolledBack.Load(),
		Duplicates: x.duplicates.Load(),
		Anomalies:  x.anomalies.Load(),
	}
}
