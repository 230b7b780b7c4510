package txbus

import (
	"context"
	"fmt"
)

// Category is a named best-effort publication lane with its own pool and
// queue. Events of the listed Types are routed to it by PublishAsync.
type Category struct {
	Name  string
	Topic string
	// Tag overrides the per-event tag when set.
	Tag   string
	Types []EventType
	Pool  PoolConfig
}

// DefaultCategories mirrors one producer per domain area.
func DefaultCategories() []Category {
	return []Category{
		{Name: "user", Topic: "user", Types: []EventType{EventUserCreated}, Pool: DefaultPoolConfig("user")},
		{Name: "island", Topic: "island", Types: []EventType{EventIslandCreated}, Pool: DefaultPoolConfig("island")},
		{Name: "notification", Topic: "notification", Types: []EventType{EventNewComment, EventNewReaction}, Pool: DefaultPoolConfig("notification")},
		{Name: "feed", Topic: "feed", Types: []EventType{EventFeedCreated, EventFeedDeleted}, Pool: DefaultPoolConfig("feed")},
	}
}

type category struct {
	Category
	pool *WorkerPool[asyncTask]
}

type asyncTask struct {
	ctx context.Context
	env Envelope
	msg *Message
	cat *category
}

// PublishAsync routes env to the category registered for its type. It
// never blocks beyond the category's offer timeout and never fails the
// caller; a full queue drops the event with a warning.
func (c *Coordinator) PublishAsync(ctx context.Context, env Envelope) {
	cat, ok := c.routes[env.Type]
	if !ok {
		c.logger.Warn().Str("event_id", env.EventID).Stringer("event_type", env.Type).Msg("txbus: no category for event type, event discarded")
		return
	}
	c.publishAsync(ctx, cat, env)
}

// PublishAsyncTo publishes env on the named category regardless of routing.
func (c *Coordinator) PublishAsyncTo(ctx context.Context, name string, env Envelope) {
	cat, ok := c.categories[name]
	if !ok {
		c.logger.Warn().Str("event_id", env.EventID).Str("category", name).Msg("txbus: unknown category, event discarded")
		return
	}
	c.publishAsync(ctx, cat, env)
}

func (c *Coordinator) publishAsync(ctx context.Context, cat *category, env Envelope) {
	if c.closed.Load() {
		c.logger.Warn().Str("event_id", env.EventID).Str("category", cat.Name).Msg("txbus: coordinator closed, event discarded")
		return
	}
	msg, err := c.toMessage(env)
	if err != nil {
		c.metrics.publishErrors.Add(1)
		c.logger.Warn().Err(err).Str("event_id", env.EventID).Str("category", cat.Name).Msg("txbus: invalid event discarded")
		c.transition(env, cat.Name, StateCreated, StateLost, err)
		return
	}
	if cat.Tag != "" {
		msg.Tag = cat.Tag
	}

	c.transition(env, cat.Name, StateCreated, StateQueued, nil)
	if !cat.pool.Submit(asyncTask{ctx: context.WithoutCancel(ctx), env: env, msg: msg, cat: cat}) {
		c.transition(env, cat.Name, StateQueued, StateDropped, nil)
	}
}

func (c *Coordinator) runAsyncTask(task asyncTask) {
	c.transition(task.env, task.cat.Name, StateQueued, StateSent, nil)

	ctx, cancel := context.WithTimeout(task.ctx, c.publishTimeout)
	defer cancel()

	start := c.clock.Now()
	err := c.transport.Publish(ctx, task.cat.Topic, task.msg)
	c.recordProcessingTime(c.clock.Since(start).Nanoseconds())

	if err != nil {
		c.metrics.publishErrors.Add(1)
		c.logger.Warn().Err(err).
			Str("event_id", task.env.EventID).
			Str("category", task.cat.Name).
			Str("topic", task.cat.Topic).
			Msg("txbus: async publish failed")
		c.transition(task.env, task.cat.Name, StateSent, StateLost, err)
		return
	}
	c.metrics.published.Add(1)
	c.transition(task.env, task.cat.Name, StateSent, StateAcked, nil)
}

// Categories lists configured category names.
func (c *Coordinator) Categories() []string {
	names := make([]string, 0, len(c.categories))
	for n := range c.categories {
		names = append(names, n)
	}
	return names
}

func (c Category) validate() error {
	if c.Name == "" {
		return fmt.Errorf("txbus: category name required")
	}
	if c.Name == txCategoryName {
		return fmt.Errorf("%w: %q is reserved", ErrDuplicateCategory, c.Name)
	}
	if c.Topic == "" {
		return fmt.Errorf("txbus: category %q: topic required", c.Name)
	}
	return nil
}
