package txbus

import "context"

// stamp moves the envelope timestamp onto the coordinator clock.
func (c *Coordinator) stamp(env Envelope) Envelope {
	env.Timestamp = c.clock.Now()
	return env
}

// MergeAccounts publishes a transactional merge of sourceAccountID into
// targetAccountID and returns the event id. The merge itself runs as the
// registered EventMergeAccounts mutation.
func (c *Coordinator) MergeAccounts(ctx context.Context, sourceAccountID, targetAccountID string) string {
	env := c.stamp(NewMergeAccounts(sourceAccountID, targetAccountID))
	c.PublishTransactional(ctx, env)
	return env.EventID
}

// UserCreated announces a new user on the user category.
func (c *Coordinator) UserCreated(ctx context.Context, userID string) {
	c.PublishAsync(ctx, c.stamp(NewUserCreated(userID)))
}

// IslandCreated announces a new island hosted by hostID.
func (c *Coordinator) IslandCreated(ctx context.Context, islandID, hostID string) {
	c.PublishAsync(ctx, c.stamp(NewIslandCreated(islandID, hostID)))
}

// NewComment notifies the feed author and, when different, the user the
// comment replies to. Each receiver gets its own event id.
func (c *Coordinator) NewComment(ctx context.Context, comment CommentPayload, feedAuthorID, replyToID string) {
	comment.ReceiverID = feedAuthorID
	c.PublishAsync(ctx, c.stamp(NewComment(comment)))
	if replyToID != "" && replyToID != feedAuthorID {
		comment.ReceiverID = replyToID
		c.PublishAsync(ctx, c.stamp(NewComment(comment)))
	}
}

// NewReaction notifies the feed author of a reaction.
func (c *Coordinator) NewReaction(ctx context.Context, reaction ReactionPayload, feedAuthorID string) {
	reaction.ReceiverID = feedAuthorID
	c.PublishAsync(ctx, c.stamp(NewReaction(reaction)))
}

// FeedCreated announces a feed; feed events are ordered per feed id.
func (c *Coordinator) FeedCreated(ctx context.Context, feed FeedCreatedPayload) {
	c.PublishAsync(ctx, c.stamp(NewFeedCreated(feed)))
}

func (c *Coordinator) FeedDeleted(ctx context.Context, feedID string) {
	c.PublishAsync(ctx, c.stamp(NewFeedDeleted(feedID)))
}
