// Package redisledger stores the status ledger and the per-event execution
// lock in Redis. Ledger entries are plain string keys written with SET NX
// and a TTL, so an entry is either present and committed or gone.
package redisledger

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/txbus"
)

const (
	// DefaultPrefix namespaces ledger keys.
	DefaultPrefix  = "localTrans_"
	committedValue = "yes"
)

// Ledger implements txbus.Ledger on Redis.
type Ledger struct {
	client redis.UniversalClient
	prefix string
}

var _ txbus.Ledger = (*Ledger)(nil)

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(p string) LedgerOption {
	return func(l *Ledger) { l.prefix = p }
}

// New returns a Ledger over client.
func New(client redis.UniversalClient, opts ...LedgerOption) *Ledger {
	l := &Ledger{client: client, prefix: DefaultPrefix}
	for _, o := range opts {
		if o != nil {
			o(l)
		}
	}
	return l
}

func (l *Ledger) key(eventID string) string { return l.prefix + eventID }

// MarkCommitted writes the entry only if absent.
func (l *Ledger) MarkCommitted(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	if eventID == "" {
		return false, txbus.ErrInvalidEnvelope
	}
	if ttl <= 0 {
		ttl = txbus.DefaultLedgerTTL
	}
	return l.client.SetNX(ctx, l.key(eventID), committedValue, ttl).Result()
}

// IsCommitted reports whether an unexpired entry exists.
func (l *Ledger) IsCommitted(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	v, err := l.client.Get(ctx, l.key(eventID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == committedValue, nil
}

// TTL returns the remaining lifetime of an entry, or a negative duration
// when it does not exist.
func (l *Ledger) TTL(ctx context.Context, eventID string) (time.Duration, error) {
	return l.client.TTL(ctx, l.key(eventID)).Result()
}
