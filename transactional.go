package txbus

import (
	"context"
	"fmt"
)

const txCategoryName = "transaction"

type txTask struct {
	ctx context.Context
	env Envelope
}

// PublishTransactional runs stage, execute and relay for env on the
// transaction pool. It returns immediately and never fails the caller;
// outcomes are visible through observers, metrics and logs.
func (c *Coordinator) PublishTransactional(ctx context.Context, env Envelope) {
	if c.closed.Load() {
		c.logger.Warn().Str("event_id", env.EventID).Msg("txbus: coordinator closed, transactional event discarded")
		return
	}
	c.transition(env, txCategoryName, StateCreated, StateQueued, nil)
	if !c.txPool.Submit(txTask{ctx: context.WithoutCancel(ctx), env: env}) {
		c.transition(env, txCategoryName, StateQueued, StateDropped, nil)
	}
}

// PublishTransactionalSync runs stage, execute and relay on the caller's
// goroutine and returns the local verdict. A commit means the mutation is
// durable; delivery then follows from the broker, directly or via a check.
func (c *Coordinator) PublishTransactionalSync(ctx context.Context, env Envelope) Result {
	if c.closed.Load() {
		return RolledBack(ErrCoordinatorClosed)
	}
	return c.runTransaction(ctx, env, StateCreated)
}

func (c *Coordinator) runTransactionTask(task txTask) {
	c.runTransaction(task.ctx, task.env, StateQueued)
}

func (c *Coordinator) runTransaction(ctx context.Context, env Envelope, from State) Result {
	c.metrics.transactions.Add(1)
	log := c.logger.With().Str("event_id", env.EventID).Stringer("event_type", env.Type).Logger()

	if c.tx == nil {
		c.metrics.stageFailures.Add(1)
		c.metrics.rolledBack.Add(1)
		log.Error().Err(ErrTransactionsUnsupported).Msg("txbus: transactional publish abandoned")
		c.transition(env, txCategoryName, from, StateLost, ErrTransactionsUnsupported)
		return RolledBack(ErrTransactionsUnsupported)
	}

	msg, err := c.toMessage(env)
	if err != nil {
		c.metrics.rolledBack.Add(1)
		log.Warn().Err(err).Msg("txbus: transactional publish rejected")
		c.transition(env, txCategoryName, from, StateLost, err)
		return RolledBack(err)
	}

	handle, err := c.tx.Stage(ctx, c.txTopic, msg)
	if err != nil {
		c.metrics.stageFailures.Add(1)
		c.metrics.rolledBack.Add(1)
		err = fmt.Errorf("%w: %v", ErrStageFailed, err)
		log.Warn().Err(err).Msg("txbus: stage failed, operation abandoned")
		c.transition(env, txCategoryName, from, StateLost, err)
		return RolledBack(err)
	}
	c.transition(env, txCategoryName, from, StateSent, nil)

	res := c.executor.Execute(ctx, env)
	if res.IsCommit() {
		c.metrics.committed.Add(1)
	} else {
		c.metrics.rolledBack.Add(1)
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.relayTimeout)
	defer cancel()
	if err := c.tx.End(rctx, handle, res.Verdict); err != nil {
		c.metrics.relayFailures.Add(1)
		log.Warn().Err(err).Stringer("verdict", res.Verdict).Str("handle", handle).Msg("txbus: verdict relay failed, awaiting broker check")
		c.transition(env, txCategoryName, StateSent, StateLost, err)
		c.transition(env, txCategoryName, StateLost, StateCheckPending, nil)
		return res
	}

	to := StateRolledBack
	if res.IsCommit() {
		to = StateCommitted
	}
	c.transition(env, txCategoryName, StateSent, to, res.Err)
	return res
}

// toMessage encodes env into a broker message keyed by its event id.
func (c *Coordinator) toMessage(env Envelope) (*Message, error) {
	data, err := EncodeEnvelope(c.codec, env)
	if err != nil {
		return nil, err
	}
	return &Message{
		Tag:         env.Type.String(),
		Key:         env.EventID,
		ShardingKey: env.ShardingKey(),
		Name:        env.Type.String(),
		Payload:     data,
		Metadata:    map[string]string{"codec": c.codec.Name()},
		ProducedAt:  c.clock.Now(),
	}, nil
}
