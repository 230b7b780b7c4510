package memory

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/trickstertwo/txbus"
)

// Use builds a Coordinator over an in-memory transport, ledger and locker.
// It returns the transport too so callers can drive CheckPending.
//
// Example:
//
//	coord, tr := memory.Use(memory.Defaults(), func(b *txbus.Builder) {
//	    b.WithLogger(logger).
//	        WithMutation(txbus.EventMergeAccounts, store.MergeMutation())
//	})
//
// Use panics when the coordinator cannot be built; Open returns the error.
func Use(cfg Config, init func(b *txbus.Builder)) (*txbus.Coordinator, *Transport) {
	coord, tr, err := Open(cfg, init)
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}
	return coord, tr
}

// Open is Use without the panic. The transport is closed when the
// coordinator cannot be built.
func Open(cfg Config, init func(b *txbus.Builder)) (*txbus.Coordinator, *Transport, error) {
	b := txbus.NewBuilder()
	if init != nil {
		init(b)
	}

	clock, logger := b.Clock(), b.Logger()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	tr := NewTransport(cfg, WithClock(clock), WithLogger(logger))

	b.WithTransportInstance(tr).WithClock(clock)
	if !b.HasLedger() {
		b.WithLedger(NewLedger(clock)).WithLocker(NewLocker(clock))
	}

	coord, err := b.Build()
	if err != nil {
		_ = tr.Close(context.Background())
		return nil, nil, err
	}
	return coord, tr, nil
}

// toMap converts Config to the generic map expected by the transport factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"buffer_size":      c.BufferSize,
		"concurrency":      c.Concurrency,
		"redelivery_delay": c.RedeliveryDelay,
		"assign_ids":       c.AssignIDs,
		"check_immunity":   c.CheckImmunity,
		"check_interval":   c.CheckInterval,
		"max_checks":       c.MaxChecks,
		"check_loop":       c.CheckLoop,
	}
}

// Map returns cfg in the form accepted by txbus.NewTransport.
func (c Config) Map() map[string]any { return c.toMap() }
