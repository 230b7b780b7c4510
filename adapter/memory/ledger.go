package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/trickstertwo/txbus"
)

var _ txbus.Ledger = (*Ledger)(nil)

// Ledger is an in-process status ledger with per-entry expiry. Expired
// entries are invisible immediately and removed lazily or by Sweep.
type Ledger struct {
	mu      sync.RWMutex
	entries map[string]ledgerEntry
	clock   clockwork.Clock
}

type ledgerEntry struct {
	committedAt time.Time
	expiresAt   time.Time
}

// NewLedger returns an empty ledger; a nil clock uses wall time.
func NewLedger(clock clockwork.Clock) *Ledger {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Ledger{entries: make(map[string]ledgerEntry), clock: clock}
}

func (l *Ledger) MarkCommitted(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if eventID == "" {
		return false, errors.New("memory ledger: event id cannot be empty")
	}
	if ttl <= 0 {
		ttl = txbus.DefaultLedgerTTL
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if e, ok := l.entries[eventID]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	l.entries[eventID] = ledgerEntry{committedAt: now, expiresAt: now.Add(ttl)}
	return true, nil
}

func (l *Ledger) IsCommitted(ctx context.Context, eventID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	l.mu.RLock()
	e, ok := l.entries[eventID]
	l.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if !l.clock.Now().Before(e.expiresAt) {
		l.mu.Lock()
		// Re-check: the entry may have been rewritten meanwhile.
		if cur, ok := l.entries[eventID]; ok && !l.clock.Now().Before(cur.expiresAt) {
			delete(l.entries, eventID)
		}
		l.mu.Unlock()
		return false, nil
	}
	return true, nil
}

// Sweep removes expired entries and returns how many were removed.
func (l *Ledger) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	removed := 0
	for id, e := range l.entries {
		if !now.Before(e.expiresAt) {
			delete(l.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired ones included.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

var _ txbus.Locker = (*Locker)(nil)

// ErrLocked is returned when a key is already held.
var ErrLocked = errors.New("memory locker: key is locked")

// Locker is a keyed try-lock for a single process. Locks expire after
// their TTL so a stuck holder cannot block an event forever.
type Locker struct {
	mu    sync.Mutex
	held  map[string]lockEntry
	seq   uint64
	clock clockwork.Clock
}

type lockEntry struct {
	token     uint64
	expiresAt time.Time
}

func NewLocker(clock clockwork.Clock) *Locker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Locker{held: make(map[string]lockEntry), clock: clock}
}

func (l *Locker) Lock(_ context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if e, ok := l.held[key]; ok && now.Before(e.expiresAt) {
		return nil, ErrLocked
	}
	l.seq++
	token := l.seq
	l.held[key] = lockEntry{token: token, expiresAt: now.Add(ttl)}

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if e, ok := l.held[key]; ok && e.token == token {
			delete(l.held, key)
		}
		return nil
	}, nil
}
