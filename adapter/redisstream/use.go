package redisstream

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/trickstertwo/txbus"
	"github.com/trickstertwo/txbus/adapter/redisledger"
)

// TransportName registers the adapter with txbus.NewTransport.
const TransportName = "redis-streams"

func init() {
	if err := txbus.RegisterTransport(TransportName, func(cfg map[string]any) (txbus.Transport, error) {
		t, err := NewTransport(ConfigFromMap(cfg))
		if err != nil {
			return nil, err
		}
		return t, nil
	}); err != nil {
		panic(fmt.Errorf("txbus: failed to register transport %q: %w", TransportName, err))
	}
}

// Use builds a Coordinator over Redis Streams. When init leaves the ledger
// unset, the ledger and the execution lock share the transport's client.
//
// Use returns an error instead of panicking because it dials Redis.
func Use(cfg Config, init func(b *txbus.Builder)) (*txbus.Coordinator, *Transport, error) {
	b := txbus.NewBuilder()
	if init != nil {
		init(b)
	}

	clock := b.Clock()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	tr, err := NewTransport(cfg, WithClock(clock), WithLogger(b.Logger()))
	if err != nil {
		return nil, nil, fmt.Errorf("redisstream.Use: %w", err)
	}

	b.WithTransportInstance(tr).WithClock(clock)
	if !b.HasLedger() {
		b.WithLedger(redisledger.New(tr.Client())).
			WithLocker(redisledger.NewLocker(tr.Client()))
	}

	coord, err := b.Build()
	if err != nil {
		_ = tr.Close(context.Background())
		return nil, nil, fmt.Errorf("redisstream.Use: %w", err)
	}
	return coord, tr, nil
}
