package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Publication is one event addressed to one channel.
type Publication struct {
	Channel string
	Event   string
	Payload json.RawMessage

	// ExceptSocket, when set, is the session that must not receive it.
	ExceptSocket string
}

// Publisher delivers publications to channel subscribers.
type Publisher interface {
	Publish(ctx context.Context, p Publication) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, p Publication) error

func (f PublisherFunc) Publish(ctx context.Context, p Publication) error { return f(ctx, p) }

// Fanout maps events to channels and payloads and publishes them. It holds
// no per-event state and is safe for concurrent use.
type Fanout struct {
	log     *slog.Logger
	pub     Publisher
	metrics *Metrics
	fileURL URLFunc
}

type FanoutOption func(*Fanout)

func WithFileURL(fn URLFunc) FanoutOption { return func(f *Fanout) { f.fileURL = fn } }

func WithFanoutMetrics(m *Metrics) FanoutOption { return func(f *Fanout) { f.metrics = m } }

func NewFanout(log *slog.Logger, pub Publisher, opts ...FanoutOption) *Fanout {
	if log == nil {
		log = slog.Default()
	}
	f := &Fanout{log: log, pub: pub}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

type dispatchConfig struct {
	exceptSocket string
}

// DispatchOption adjusts a single Dispatch call.
type DispatchOption func(*dispatchConfig)

// ExcludeOriginator skips the socket that triggered the event.
func ExcludeOriginator(socketID string) DispatchOption {
	return func(c *dispatchConfig) { c.exceptSocket = socketID }
}

// Targets lists the channels an event is delivered to.
func Targets(ev Event) []string {
	switch e := ev.(type) {
	case MessageSent:
		return []string{PrivateChannel(e.message.SenderID), PrivateChannel(e.message.ReceiverID)}
	case TypingUpdate:
		return []string{PrivateChannel(e.to)}
	case MessagesCleared:
		return []string{PrivateChannel(e.forUser)}
	case MessagesPermanentlyDeleted:
		return []string{PrivateChannel(e.pair.Low), PrivateChannel(e.pair.High)}
	case PresenceChanged:
		return []string{PresenceChannel}
	}
	return nil
}

// EventName is the wire name clients listen for.
func EventName(ev Event) string {
	if ev.Kind() == KindPresenceChanged {
		return EventUserOnlineStatusUpdated
	}
	return EventMessageSent
}

type messageSentPayload struct {
	Message         MessageView `json:"message"`
	IsTypingUpdate  bool        `json:"isTypingUpdate"`
	IsClearMessages bool        `json:"isClearMessages"`
}

type typingPayload struct {
	IsTypingUpdate bool  `json:"isTypingUpdate"`
	UserID         int64 `json:"userId"`
	IsTyping       bool  `json:"isTyping"`
}

type clearedPayload struct {
	IsClearMessages   bool   `json:"isClearMessages"`
	ClearedForUserID  *int64 `json:"clearedForUserId"`
	IsPermanentDelete bool   `json:"isPermanentDelete,omitempty"`
}

type presenceUser struct {
	UserSummary
	IsOnline   bool       `json:"is_online"`
	LastSeenAt *time.Time `json:"last_seen_at"`
}

type presencePayload struct {
	UserID     int64        `json:"userId"`
	IsOnline   bool         `json:"isOnline"`
	LastSeenAt *time.Time   `json:"lastSeenAt"`
	Timestamp  time.Time    `json:"timestamp"`
	User       presenceUser `json:"user"`
}

// Payload renders the JSON body of ev.
func (f *Fanout) Payload(ev Event) (json.RawMessage, error) {
	var body any
	switch e := ev.(type) {
	case MessageSent:
		view := NewMessageView(e.message, f.fileURL)
		sender := e.sender
		view.Sender = &sender
		if e.repliedTo != nil {
			rv := NewMessageView(*e.repliedTo, f.fileURL)
			view.ReplyToMessage = &rv
		}
		body = messageSentPayload{Message: view}
	case TypingUpdate:
		body = typingPayload{IsTypingUpdate: true, UserID: e.from, IsTyping: e.typing}
	case MessagesCleared:
		uid := e.forUser
		body = clearedPayload{IsClearMessages: true, ClearedForUserID: &uid}
	case MessagesPermanentlyDeleted:
		body = clearedPayload{IsClearMessages: true, IsPermanentDelete: true}
	case PresenceChanged:
		body = presencePayload{
			UserID:     e.user.ID,
			IsOnline:   e.online,
			LastSeenAt: e.lastSeenAt,
			Timestamp:  e.at,
			User:       presenceUser{UserSummary: e.user, IsOnline: e.online, LastSeenAt: e.lastSeenAt},
		}
	default:
		return nil, fmt.Errorf("chat: unknown event %T", ev)
	}
	return json.Marshal(body)
}

// Dispatch publishes ev to every target channel. A failing channel does not
// stop delivery to the others; failures come back joined as TransportErrors.
func (f *Fanout) Dispatch(ctx context.Context, ev Event, opts ...DispatchOption) error {
	var cfg dispatchConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	kind := ev.Kind()
	payload, err := f.Payload(ev)
	if err != nil {
		f.log.Error("fanout.payload.fail", "kind", kind, "err", err)
		return TransportError{Err: err}
	}

	name := EventName(ev)
	var errs []error
	for _, ch := range Targets(ev) {
		err := f.pub.Publish(ctx, Publication{
			Channel:      ch,
			Event:        name,
			Payload:      payload,
			ExceptSocket: cfg.exceptSocket,
		})
		if err != nil {
			f.log.Warn("fanout.publish.fail", "kind", kind, "channel", ch, "err", err)
			f.metrics.publishFailed(kind)
			errs = append(errs, TransportError{Channel: ch, Err: err})
			continue
		}
		f.metrics.published(kind)
	}
	if len(errs) == 0 {
		f.log.Debug("fanout.dispatch", "kind", kind, "event", name)
	}
	return errors.Join(errs...)
}
