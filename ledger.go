package txbus

import "time"

// DefaultLedgerTTL is how long a committed event stays answerable by the
// Checker. It must outlive the broker's check window; past it a lost
// verdict resolves to rollback.
const DefaultLedgerTTL = 10 * time.Minute

// DefaultExecuteTimeout bounds a single local mutation.
const DefaultExecuteTimeout = 30 * time.Second

// ledgerWriteTimeout bounds the ledger write that follows a mutation. It
// runs detached from the caller's context.
const ledgerWriteTimeout = 5 * time.Second
