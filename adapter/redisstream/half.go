package redisstream

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/txbus"
)

func (t *Transport) halfKey(handle string) string { return t.cfg.KeyPrefix + "half:" + handle }
func (t *Transport) pendingKey() string           { return t.cfg.KeyPrefix + "half:pending" }

// Stage stores msg as a half message. It is invisible to consumers until
// End commits it or a check resolves it.
func (t *Transport) Stage(ctx context.Context, topic string, msg *txbus.Message) (string, error) {
	if t.closed.Load() {
		return "", txbus.ErrCoordinatorClosed
	}
	handle := uuid.NewString()
	now := t.clock.Now()

	vals := encodeFields(msg, 3)
	vals[fieldTopic] = topic
	vals[fieldStagedAt] = now.UnixNano()
	vals[fieldChecks] = 0

	key := t.halfKey(handle)
	pipe := t.client.TxPipeline()
	pipe.HSet(ctx, key, vals)
	// orphaned hashes outlive the check window by one interval at most
	pipe.Expire(ctx, key, t.CheckWindow()+t.cfg.CheckInterval)
	pipe.ZAdd(ctx, t.pendingKey(), redis.Z{
		Score:  float64(now.Add(t.cfg.CheckImmunity).UnixMilli()),
		Member: handle,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		t.metrics.stageErrors.Add(1)
		return "", err
	}
	t.metrics.staged.Add(1)
	return handle, nil
}

// End relays the verdict for a staged handle. Unknown leaves the half
// message to the check loop.
func (t *Transport) End(ctx context.Context, handle string, v txbus.Verdict) error {
	if !v.Final() {
		return nil
	}
	fields, err := t.client.HGetAll(ctx, t.halfKey(handle)).Result()
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return txbus.ErrUnknownHandle
	}
	return t.resolve(ctx, handle, fields, v)
}

// resolve applies a final verdict atomically: the stream entry, the hash
// and the pending index change together or not at all.
func (t *Transport) resolve(ctx context.Context, handle string, fields map[string]string, v txbus.Verdict) error {
	pipe := t.client.TxPipeline()
	if v == txbus.VerdictCommit {
		pipe.XAdd(ctx, t.xaddArgs(fields[fieldTopic], streamValues(fields)))
	}
	pipe.Del(ctx, t.halfKey(handle))
	pipe.ZRem(ctx, t.pendingKey(), handle)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if v == txbus.VerdictCommit {
		t.metrics.committed.Add(1)
		t.metrics.published.Add(1)
	} else {
		t.metrics.rolledBack.Add(1)
	}
	return nil
}

// SetChecker registers the callback used to resolve lost verdicts.
func (t *Transport) SetChecker(fn txbus.CheckFunc) {
	t.checkMu.Lock()
	t.checker = fn
	t.checkMu.Unlock()
}

// CheckPending asks the checker about due half messages and applies the
// answers. Several producers may run it against the same Redis; each due
// entry is leased to a single caller. It returns how many were resolved.
func (t *Transport) CheckPending(ctx context.Context) (int, error) {
	t.checkMu.RLock()
	check := t.checker
	t.checkMu.RUnlock()
	if check == nil {
		return 0, nil
	}

	now := t.clock.Now().UnixMilli()
	due, err := t.client.ZRangeByScore(ctx, t.pendingKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: int64(max(1, t.cfg.CheckBatch)),
	}).Result()
	if err != nil {
		return 0, err
	}

	next := now + t.cfg.CheckInterval.Milliseconds()
	resolved := 0
	for _, handle := range due {
		won, err := t.claim.Run(ctx, t.client, []string{t.pendingKey()}, handle, now, next).Int()
		if err != nil {
			return resolved, err
		}
		if won == 0 {
			continue
		}

		fields, err := t.client.HGetAll(ctx, t.halfKey(handle)).Result()
		if err != nil {
			return resolved, err
		}
		if len(fields) == 0 {
			// hash expired or resolved elsewhere
			t.client.ZRem(ctx, t.pendingKey(), handle)
			continue
		}

		t.metrics.checks.Add(1)
		msg := decodeMessage(fields[fieldID], streamValues(fields))
		v := check(ctx, msg)

		checks, err := t.count.Run(ctx, t.client, []string{t.halfKey(handle)}, fieldChecks).Int64()
		if err != nil {
			return resolved, err
		}
		if checks < 0 {
			// resolved by End while the checker was asked
			continue
		}
		if !v.Final() && checks >= int64(t.cfg.MaxChecks) {
			t.metrics.checkExpired.Add(1)
			t.logger.Warn().Str("handle", handle).Str("key", msg.Key).Int64("checks", checks).Msg("txbus/redisstream: check limit reached, rolling back")
			v = txbus.VerdictRollback
		}
		if !v.Final() {
			continue
		}
		if err := t.resolve(ctx, handle, fields, v); err != nil {
			t.logger.Warn().Err(err).Str("handle", handle).Msg("txbus/redisstream: resolve after check failed")
			continue
		}
		resolved++
	}
	return resolved, nil
}

// Pending returns the number of half messages awaiting a verdict.
func (t *Transport) Pending(ctx context.Context) (int64, error) {
	n, err := t.client.ZCard(ctx, t.pendingKey()).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// CheckWindow is the longest a staged message can stay unresolved.
func (t *Transport) CheckWindow() time.Duration { return t.cfg.CheckWindow() }

func (t *Transport) checkLoop(ctx context.Context) {
	defer close(t.checkDone)
	ticker := t.clock.NewTicker(t.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := t.CheckPending(ctx); err != nil && ctx.Err() == nil {
				t.logger.Warn().Err(err).Msg("txbus/redisstream: check pass failed")
			}
		}
	}
}

// streamValues drops half message bookkeeping fields.
func streamValues(fields map[string]string) map[string]any {
	vals := make(map[string]any, len(fields))
	for k, v := range fields {
		if strings.HasPrefix(k, "_") {
			continue
		}
		vals[k] = v
	}
	return vals
}
