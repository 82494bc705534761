package chat

import (
	"time"

	"pairchat/cmd/identity"
)

// EventKind names an event variant.
type EventKind string

const (
	KindMessageSent        EventKind = "message-sent"
	KindTypingUpdate       EventKind = "typing-update"
	KindMessagesCleared    EventKind = "messages-cleared"
	KindPermanentlyDeleted EventKind = "permanently-deleted"
	KindPresenceChanged    EventKind = "presence-changed"
)

// Event is a closed set of variants: MessageSent, TypingUpdate,
// MessagesCleared, MessagesPermanentlyDeleted and PresenceChanged.
type Event interface {
	Kind() EventKind
	event()
}

// UserSummary is the public projection of a user carried by events.
type UserSummary struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

func SummaryOf(u identity.User) UserSummary {
	return UserSummary{ID: u.ID, Name: u.Name, Email: u.Email}
}

// MessageSent announces a stored message. Obtain it from Created.Event.
type MessageSent struct {
	message   Message
	sender    UserSummary
	repliedTo *Message
}

func (MessageSent) Kind() EventKind { return KindMessageSent }
func (MessageSent) event() {}

func (e MessageSent) Message() Message { return e.message.clone() }
func (e MessageSent) Sender() UserSummary { return e.sender }
func (e MessageSent) RepliedTo() *Message { return e.repliedTo }

// TypingUpdate is ephemeral and never persisted.
type TypingUpdate struct {
	from, to int64
	typing   bool
}

// NewTypingUpdate validates the participants of a typing signal.
func NewTypingUpdate(from, to int64, typing bool) (TypingUpdate, error) {
	if err := validatePair(from, to); err != nil {
		return TypingUpdate{}, err
	}
	return TypingUpdate{from: from, to: to, typing: typing}, nil
}

func (TypingUpdate) Kind() EventKind { return KindTypingUpdate }
func (TypingUpdate) event() {}

func (e TypingUpdate) From() int64 { return e.from }
func (e TypingUpdate) To() int64 { return e.to }
func (e TypingUpdate) IsTyping() bool { return e.typing }

// MessagesCleared tells one user their view of a conversation was emptied.
type MessagesCleared struct {
	forUser, other int64
	count          int64
}

func (MessagesCleared) Kind() EventKind { return KindMessagesCleared }
func (MessagesCleared) event() {}

func (e MessagesCleared) ForUser() int64 { return e.forUser }
func (e MessagesCleared) Other() int64 { return e.other }
func (e MessagesCleared) Count() int64 { return e.count }

// MessagesPermanentlyDeleted tells both participants the conversation is gone.
type MessagesPermanentlyDeleted struct {
	pair  Pair
	count int64
}

func (MessagesPermanentlyDeleted) Kind() EventKind { return KindPermanentlyDeleted }
func (MessagesPermanentlyDeleted) event() {}

func (e MessagesPermanentlyDeleted) Pair() Pair { return e.pair }
func (e MessagesPermanentlyDeleted) Count() int64 { return e.count }

// PresenceChanged reports a user going online or offline.
type PresenceChanged struct {
	user       UserSummary
	online     bool
	lastSeenAt *time.Time
	at         time.Time
}

func (PresenceChanged) Kind() EventKind { return KindPresenceChanged }
func (PresenceChanged) event() {}

func (e PresenceChanged) User() UserSummary { return e.user }
func (e PresenceChanged) Online() bool { return e.online }
func (e PresenceChanged) LastSeenAt() *time.Time { return e.lastSeenAt }
func (e PresenceChanged) At() time.Time { return e.at }
