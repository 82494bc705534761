package chat

import (
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

// MessageType classifies a message.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeDocument MessageType = "document"
)

func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeDocument:
		return true
	}
	return false
}

// MaxBodyChars bounds a message body, counted in runes.
const MaxBodyChars = 1000

// Attachment describes a stored file. Size is already human formatted ("1.5 MiB").
type Attachment struct {
	Path     string
	Name     string
	Size     string
	MimeType string
}

// Message is one row of a conversation. Sender and receiver never change
// after creation; DeletedFor only ever holds one or both of them.
type Message struct {
	ID         int64
	SenderID   int64
	ReceiverID int64
	Body       *string
	Type       MessageType
	Attachment *Attachment
	ReplyTo    *int64
	DeletedFor []int64
	CreatedAt  time.Time
}

// Pair returns the conversation the message belongs to.
func (m Message) Pair() Pair { return NewPair(m.SenderID, m.ReceiverID) }

// VisibleTo reports whether viewer has not hidden this message.
func (m Message) VisibleTo(viewer int64) bool {
	return !slices.Contains(m.DeletedFor, viewer)
}

func (m Message) clone() Message {
	m.DeletedFor = slices.Clone(m.DeletedFor)
	if m.Body != nil {
		b := *m.Body
		m.Body = &b
	}
	if m.Attachment != nil {
		a := *m.Attachment
		m.Attachment = &a
	}
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		m.ReplyTo = &r
	}
	return m
}

// CreateInput is a message about to be stored.
type CreateInput struct {
	SenderID   int64
	ReceiverID int64
	Type       MessageType
	Body       *string
	Attachment *Attachment
	ReplyTo    *int64
	Now        time.Time
}

// Validate checks everything that does not need the store. Reply ownership
// is checked by the store inside the write transaction.
func (in CreateInput) Validate() error {
	if in.SenderID <= 0 {
		return ValidationError{Field: "sender_id", Reason: "must be positive"}
	}
	if in.ReceiverID <= 0 {
		return ValidationError{Field: "receiver_id", Reason: "must be positive"}
	}
	if in.SenderID == in.ReceiverID {
		return ValidationError{Field: "receiver_id", Reason: "cannot message yourself"}
	}
	if !in.Type.Valid() {
		return ValidationError{Field: "type", Reason: "must be text, image or document"}
	}
	if in.Body != nil && utf8.RuneCountInString(*in.Body) > MaxBodyChars {
		return ValidationError{Field: "message", Reason: "may not be greater than 1000 characters"}
	}

	if in.Type == TypeText {
		if in.Body == nil || strings.TrimSpace(*in.Body) == "" {
			return ValidationError{Field: "message", Reason: "is required"}
		}
		if in.Attachment != nil {
			return ValidationError{Field: "file", Reason: "text messages cannot carry a file"}
		}
	} else if in.Attachment == nil || in.Attachment.Path == "" {
		return ValidationError{Field: "file", Reason: "is required for " + string(in.Type) + " messages"}
	}

	if in.ReplyTo != nil && *in.ReplyTo <= 0 {
		return ValidationError{Field: "reply_to", Reason: "must be positive"}
	}
	return nil
}

func (in CreateInput) message(id int64, now time.Time) Message {
	m := Message{
		ID:         id,
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		Body:       in.Body,
		Type:       in.Type,
		Attachment: in.Attachment,
		ReplyTo:    in.ReplyTo,
		DeletedFor: []int64{},
		CreatedAt:  now.UTC(),
	}
	return m.clone()
}
