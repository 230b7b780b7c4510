package txbus

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the domain events carried by an Envelope.
// Codes are part of the wire format: new types get new codes and existing
// codes are never reused.
type EventType int32

const (
	EventUnknown       EventType = 0
	EventMergeAccounts EventType = 1
	EventUserCreated   EventType = 2
	EventIslandCreated EventType = 3
	EventNewComment    EventType = 4
	EventNewReaction   EventType = 5
	EventFeedCreated   EventType = 6
	EventFeedDeleted   EventType = 7
)

var eventTypeNames = map[EventType]string{
	EventMergeAccounts: "merge_accounts",
	EventUserCreated:   "user_created",
	EventIslandCreated: "island_created",
	EventNewComment:    "new_comment",
	EventNewReaction:   "new_reaction",
	EventFeedCreated:   "feed_created",
	EventFeedDeleted:   "feed_deleted",
}

func (t EventType) String() string {
	if n, ok := eventTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", int32(t))
}

// Valid reports whether t is a known, non-zero code.
func (t EventType) Valid() bool {
	_, ok := eventTypeNames[t]
	return ok
}

// ParseEventType resolves a name produced by String.
func ParseEventType(name string) (EventType, error) {
	for t, n := range eventTypeNames {
		if n == name {
			return t, nil
		}
	}
	return EventUnknown, fmt.Errorf("%w: %q", ErrUnknownEventType, name)
}

// MergeAccountsPayload moves everything owned by SourceAccountID (a channel
// account) onto TargetAccountID (the surviving account).
type MergeAccountsPayload struct {
	SourceAccountID string `json:"source_account_id"`
	TargetAccountID string `json:"target_account_id"`
}

type UserCreatedPayload struct {
	UserID string `json:"user_id"`
}

type IslandCreatedPayload struct {
	IslandID string `json:"island_id,omitempty"`
	HostID   string `json:"host_id"`
}

// CommentPayload notifies ReceiverID of a comment on FeedID.
type CommentPayload struct {
	CommentID  string `json:"comment_id"`
	FeedID     string `json:"feed_id"`
	AuthorID   string `json:"author_id"`
	ReceiverID string `json:"receiver_id"`
	Content    string `json:"content,omitempty"`
}

// ReactionPayload notifies ReceiverID of a reaction on FeedID.
type ReactionPayload struct {
	ReactionID string   `json:"reaction_id"`
	FeedID     string   `json:"feed_id"`
	AuthorID   string   `json:"author_id"`
	ReceiverID string   `json:"receiver_id"`
	Types      []string `json:"types,omitempty"`
}

type FeedCreatedPayload struct {
	FeedID    string   `json:"feed_id"`
	AuthorID  string   `json:"author_id"`
	IslandIDs []string `json:"island_ids,omitempty"`
}

type FeedDeletedPayload struct {
	FeedID string `json:"feed_id"`
}

// Envelope is the immutable unit of publication. Exactly one payload field
// is set and it must match Type. EventID doubles as the broker message key,
// the ledger key and the checker lookup key.
type Envelope struct {
	EventID   string    `json:"event_id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	MergeAccounts *MergeAccountsPayload `json:"merge_accounts,omitempty"`
	UserCreated   *UserCreatedPayload   `json:"user_created,omitempty"`
	IslandCreated *IslandCreatedPayload `json:"island_created,omitempty"`
	Comment       *CommentPayload       `json:"comment,omitempty"`
	Reaction      *ReactionPayload      `json:"reaction,omitempty"`
	FeedCreated   *FeedCreatedPayload   `json:"feed_created,omitempty"`
	FeedDeleted   *FeedDeletedPayload   `json:"feed_deleted,omitempty"`
}

func newEnvelope(t EventType) Envelope {
	return Envelope{
		EventID:   uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UTC(),
	}
}

func NewMergeAccounts(sourceAccountID, targetAccountID string) Envelope {
	e := newEnvelope(EventMergeAccounts)
	e.MergeAccounts = &MergeAccountsPayload{SourceAccountID: sourceAccountID, TargetAccountID: targetAccountID}
	return e
}

func NewUserCreated(userID string) Envelope {
	e := newEnvelope(EventUserCreated)
	e.UserCreated = &UserCreatedPayload{UserID: userID}
	return e
}

func NewIslandCreated(islandID, hostID string) Envelope {
	e := newEnvelope(EventIslandCreated)
	e.IslandCreated = &IslandCreatedPayload{IslandID: islandID, HostID: hostID}
	return e
}

func NewComment(p CommentPayload) Envelope {
	e := newEnvelope(EventNewComment)
	e.Comment = &p
	return e
}

func NewReaction(p ReactionPayload) Envelope {
	e := newEnvelope(EventNewReaction)
	e.Reaction = &p
	return e
}

func NewFeedCreated(p FeedCreatedPayload) Envelope {
	e := newEnvelope(EventFeedCreated)
	e.FeedCreated = &p
	return e
}

func NewFeedDeleted(feedID string) Envelope {
	e := newEnvelope(EventFeedDeleted)
	e.FeedDeleted = &FeedDeletedPayload{FeedID: feedID}
	return e
}

func (e Envelope) payloadCount() int {
	n := 0
	for _, set := range []bool{
		e.MergeAccounts != nil,
		e.UserCreated != nil,
		e.IslandCreated != nil,
		e.Comment != nil,
		e.Reaction != nil,
		e.FeedCreated != nil,
		e.FeedDeleted != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// Validate rejects envelopes that cannot be executed or published.
func (e Envelope) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("%w: empty event id", ErrInvalidEnvelope)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownEventType, int32(e.Type))
	}
	if n := e.payloadCount(); n != 1 {
		return fmt.Errorf("%w: %s carries %d payloads", ErrInvalidEnvelope, e.Type, n)
	}

	missing := func(field string) error {
		return fmt.Errorf("%w: %s requires %s", ErrInvalidEnvelope, e.Type, field)
	}

	switch e.Type {
	case EventMergeAccounts:
		p := e.MergeAccounts
		if p == nil {
			return missing("merge_accounts payload")
		}
		if p.SourceAccountID == "" || p.TargetAccountID == "" {
			return missing("source and target account ids")
		}
		if p.SourceAccountID == p.TargetAccountID {
			return fmt.Errorf("%w: %s", ErrSelfMerge, p.SourceAccountID)
		}
	case EventUserCreated:
		if e.UserCreated == nil || e.UserCreated.UserID == "" {
			return missing("user_id")
		}
	case EventIslandCreated:
		if e.IslandCreated == nil || e.IslandCreated.HostID == "" {
			return missing("host_id")
		}
	case EventNewComment:
		p := e.Comment
		if p == nil || p.CommentID == "" || p.FeedID == "" {
			return missing("comment_id and feed_id")
		}
		if p.ReceiverID == "" {
			return missing("receiver_id")
		}
	case EventNewReaction:
		p := e.Reaction
		if p == nil || p.ReactionID == "" || p.FeedID == "" {
			return missing("reaction_id and feed_id")
		}
		if p.ReceiverID == "" {
			return missing("receiver_id")
		}
	case EventFeedCreated:
		if e.FeedCreated == nil || e.FeedCreated.FeedID == "" {
			return missing("feed_id")
		}
	case EventFeedDeleted:
		if e.FeedDeleted == nil || e.FeedDeleted.FeedID == "" {
			return missing("feed_id")
		}
	}
	return nil
}

// ShardingKey returns the key that orders related events, or "" when the
// event type is unordered. Feed events are ordered per feed.
func (e Envelope) ShardingKey() string {
	switch {
	case e.FeedCreated != nil:
		return e.FeedCreated.FeedID
	case e.FeedDeleted != nil:
		return e.FeedDeleted.FeedID
	}
	return ""
}
