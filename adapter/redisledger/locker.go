package redisledger

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/txbus"
)

// Locker implements txbus.Locker with a redsync mutex per key.
type Locker struct {
	rs     *redsync.Redsync
	prefix string
	tries  int
}

var _ txbus.Locker = (*Locker)(nil)

// NewLocker returns a Locker over client. A Lock call gives up after one
// attempt so concurrent executions of the same event fail fast.
func NewLocker(client redis.UniversalClient) *Locker {
	return &Locker{
		rs:     redsync.New(goredis.NewPool(client)),
		prefix: "txbus:lock:",
		tries:  1,
	}
}

// Lock acquires key for ttl.
func (l *Locker) Lock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	m := l.rs.NewMutex(l.prefix+key,
		redsync.WithExpiry(ttl),
		redsync.WithTries(l.tries),
	)
	if err := m.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("redisledger: lock %s: %w", key, err)
	}
	return func(ctx context.Context) error {
		ok, err := m.UnlockContext(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("redisledger: lock %s expired before unlock", key)
		}
		return nil
	}, nil
}
