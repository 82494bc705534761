package chat

import "context"

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// MessageStore persists messages. Implementations live in this package so
// that committed results (and the events derived from them) cannot be forged.
type MessageStore interface {
	// Create validates in, checks that ReplyTo names a message of the same
	// pair and stores the message with an empty deleter set.
	Create(ctx context.Context, in CreateInput) (Created, error)

	// ListVisible returns the viewer's visible messages of the conversation
	// with Other in ascending id order, strictly after AfterID when set.
	ListVisible(ctx context.Context, in ListInput) (ListResult, error)

	// SoftDeleteForUser hides every message of the pair that is still visible
	// to viewer, for viewer only.
	SoftDeleteForUser(ctx context.Context, viewer, other int64) (Cleared, error)

	// HardDeleteAll removes every message of the pair for both participants.
	HardDeleteAll(ctx context.Context, a, b int64) (PermanentlyDeleted, error)

	// DeleteForUser removes every message userID sent or received.
	DeleteForUser(ctx context.Context, userID int64) (int64, error)

	Get(ctx context.Context, id int64) (Message, error)
}

// ListInput pages through one viewer's view of a conversation.
type ListInput struct {
	Viewer  int64
	Other   int64
	AfterID *int64
	Limit   int
}

func (in ListInput) validate() error {
	if in.Viewer <= 0 {
		return ValidationError{Field: "viewer", Reason: "must be positive"}
	}
	if in.Other <= 0 {
		return ValidationError{Field: "other", Reason: "must be positive"}
	}
	if in.Viewer == in.Other {
		return ValidationError{Field: "other", Reason: "cannot list a conversation with yourself"}
	}
	return nil
}

func (in ListInput) limit() int {
	switch {
	case in.Limit <= 0:
		return defaultPageLimit
	case in.Limit > maxPageLimit:
		return maxPageLimit
	default:
		return in.Limit
	}
}

type ListResult struct {
	Messages []Message
	HasMore  bool
}

// Created is the result of a committed Create.
type Created struct {
	msg Message
}

func (c Created) Message() Message { return c.msg.clone() }

// Event builds the message-sent event for this message. repliedTo may be nil.
func (c Created) Event(sender UserSummary, repliedTo *Message) MessageSent {
	ev := MessageSent{message: c.msg.clone(), sender: sender}
	if repliedTo != nil {
		r := repliedTo.clone()
		ev.repliedTo = &r
	}
	return ev
}

// Cleared is the result of a committed SoftDeleteForUser.
type Cleared struct {
	viewer int64
	other  int64
	count  int64
}

func (c Cleared) Count() int64 { return c.count }

func (c Cleared) Event() MessagesCleared {
	return MessagesCleared{forUser: c.viewer, other: c.other, count: c.count}
}

// PermanentlyDeleted is the result of a committed HardDeleteAll.
type PermanentlyDeleted struct {
	pair  Pair
	count int64
}

func (d PermanentlyDeleted) Count() int64 { return d.count }

func (d PermanentlyDeleted) Event() MessagesPermanentlyDeleted {
	return MessagesPermanentlyDeleted{pair: d.pair, count: d.count}
}

func validatePair(a, b int64) error {
	if a <= 0 || b <= 0 {
		return ValidationError{Field: "user_id", Reason: "must be positive"}
	}
	if a == b {
		return ValidationError{Field: "user_id", Reason: "a conversation needs two different users"}
	}
	return nil
}
