package txbus

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Checker answers broker checks for staged messages whose verdict was lost.
// It only reads the ledger, so it is safe to call repeatedly and
// concurrently with an execution of the same event.
type Checker struct {
	ledger Ledger
	codec  Codec
	logger zerolog.Logger

	checks atomic.Uint64
}

func NewChecker(ledger Ledger, codec Codec, logger zerolog.Logger) *Checker {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &Checker{ledger: ledger, codec: codec, logger: logger}
}

// Check returns Commit while the ledger holds eventID, Rollback once it is
// absent or expired, and Unknown when the ledger cannot be read.
func (c *Checker) Check(ctx context.Context, eventID string) Verdict {
	c.checks.Add(1)
	if eventID == "" {
		return VerdictRollback
	}
	ok, err := c.ledger.IsCommitted(ctx, eventID)
	if err != nil {
		c.logger.Warn().Err(err).Str("event_id", eventID).Msg("txbus: check deferred, ledger unavailable")
		return VerdictUnknown
	}
	if ok {
		return VerdictCommit
	}
	return VerdictRollback
}

// CheckMessage resolves the event id from msg and checks it. It has the
// CheckFunc signature.
func (c *Checker) CheckMessage(ctx context.Context, msg *Message) Verdict {
	if msg == nil {
		return VerdictRollback
	}
	id := msg.Key
	if id == "" {
		if env, err := DecodeEnvelope(c.codec, msg.Payload); err == nil {
			id = env.EventID
		}
	}
	return c.Check(ctx, id)
}

// Checks returns how many checks were answered.
func (c *Checker) Checks() uint64 { return c.checks.Load() }
