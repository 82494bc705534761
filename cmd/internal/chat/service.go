package chat

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"pairchat/cmd/identity"
)

// Service is the operation surface used by the HTTP API and the websocket
// gateway. Every mutation commits first and dispatches its event second.
//
// Methods that dispatch return the committed value together with any
// delivery failure; see IsDeliveryWarning.
type Service struct {
	log      *slog.Logger
	store    MessageStore
	users    identity.Store
	presence *Presence
	fanout   *Fanout
	files    AttachmentStorage
	now      func() time.Time
}

type ServiceOption func(*Service)

func WithAttachmentStorage(st AttachmentStorage) ServiceOption {
	return func(s *Service) { s.files = st }
}

func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(log *slog.Logger, store MessageStore, users identity.Store, presence *Presence, fanout *Fanout, opts ...ServiceOption) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		log:      log,
		store:    store,
		users:    users,
		presence: presence,
		fanout:   fanout,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendInput is a text message.
type SendInput struct {
	SenderID   int64
	ReceiverID int64
	Body       string
	ReplyTo    *int64
}

// SendMessage stores a text message and announces it to both participants.
func (s *Service) SendMessage(ctx context.Context, in SendInput, opts ...DispatchOption) (Message, error) {
	body := in.Body
	ci := CreateInput{
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		Type:       TypeText,
		Body:       &body,
		ReplyTo:    in.ReplyTo,
		Now:        s.now(),
	}
	if err := ci.Validate(); err != nil {
		return Message{}, err
	}

	sender, err := s.participants(ctx, "chat.SendMessage", in.SenderID, in.ReceiverID)
	if err != nil {
		return Message{}, err
	}
	return s.commit(ctx, "chat.SendMessage", sender, ci, opts)
}

// UploadInput is a file message.
type UploadInput struct {
	SenderID   int64
	ReceiverID int64
	FileName   string
	MimeType   string
	// Size is the client-declared length; 0 means unknown.
	Size    int64
	Content io.Reader
	ReplyTo *int64
}

// UploadAttachment stores the file, then records and announces an image or
// document message pointing at it. The file is removed again if the message
// cannot be stored.
func (s *Service) UploadAttachment(ctx context.Context, in UploadInput, opts ...DispatchOption) (Message, error) {
	const op = "chat.UploadAttachment"

	if in.Content == nil {
		return Message{}, ValidationError{Field: "file", Reason: "is required"}
	}
	if in.Size > MaxUploadBytes {
		return Message{}, ValidationError{Field: "file", Reason: "may not be greater than 20480 kilobytes"}
	}

	mimeType := strings.TrimSpace(in.MimeType)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	typ, body := classifyUpload(mimeType)

	ci := CreateInput{
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		Type:       typ,
		Body:       &body,
		Attachment: &Attachment{Path: "pending", MimeType: mimeType},
		ReplyTo:    in.ReplyTo,
		Now:        s.now(),
	}
	if err := ci.Validate(); err != nil {
		return Message{}, err
	}

	sender, err := s.participants(ctx, op, in.SenderID, in.ReceiverID)
	if err != nil {
		return Message{}, err
	}
	if s.files == nil {
		return Message{}, StorageError{Op: op, Err: errors.New("attachment storage not configured")}
	}

	rel, n, err := s.files.Save(ctx, string(typ)+"s", uploadExt(in.FileName, mimeType), in.Content)
	if errors.Is(err, errTooLarge) {
		return Message{}, ValidationError{Field: "file", Reason: "may not be greater than 20480 kilobytes"}
	}
	if err != nil {
		return Message{}, StorageError{Op: op, Err: err}
	}

	name := filepath.Base(strings.ReplaceAll(in.FileName, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = filepath.Base(rel)
	}
	ci.Attachment = &Attachment{Path: rel, Name: name, Size: humanSize(n), MimeType: mimeType}

	msg, err := s.commit(ctx, op, sender, ci, opts)
	if err != nil && !IsDeliveryWarning(err) {
		if rmErr := s.files.Remove(ctx, rel); rmErr != nil {
			s.log.Warn("chat.attachment.cleanup.fail", "path", rel, "err", rmErr)
		}
	}
	return msg, err
}

func (s *Service) commit(ctx context.Context, op string, sender identity.User, ci CreateInput, opts []DispatchOption) (Message, error) {
	created, err := s.store.Create(ctx, ci)
	if err != nil {
		return Message{}, storageErr(op, err)
	}
	msg := created.Message()

	var replied *Message
	if msg.ReplyTo != nil {
		r, err := s.store.Get(ctx, *msg.ReplyTo)
		if err != nil {
			s.log.Warn("chat.reply.resolve.fail", "message_id", msg.ID, "reply_to", *msg.ReplyTo, "err", err)
		} else {
			replied = &r
		}
	}

	s.log.Info("chat.message.sent",
		"message_id", msg.ID,
		"sender_id", msg.SenderID,
		"receiver_id", msg.ReceiverID,
		"type", msg.Type,
	)
	return msg, s.fanout.Dispatch(ctx, created.Event(SummaryOf(sender), replied), opts...)
}

// SetTyping tells `to` that `from` started or stopped typing. Nothing is stored.
func (s *Service) SetTyping(ctx context.Context, from, to int64, typing bool, opts ...DispatchOption) error {
	ev, err := NewTypingUpdate(from, to, typing)
	if err != nil {
		return err
	}
	if _, err := s.users.GetUser(ctx, to); err != nil {
		return userErr("chat.SetTyping", to, err)
	}
	return s.fanout.Dispatch(ctx, ev, opts...)
}

// ClearForUser hides the whole conversation with other from user only.
func (s *Service) ClearForUser(ctx context.Context, user, other int64, opts ...DispatchOption) (int64, error) {
	const op = "chat.ClearForUser"

	if err := validatePair(user, other); err != nil {
		return 0, err
	}
	if _, err := s.participants(ctx, op, user, other); err != nil {
		return 0, err
	}

	cleared, err := s.store.SoftDeleteForUser(ctx, user, other)
	if err != nil {
		return 0, storageErr(op, err)
	}
	s.log.Info("chat.conversation.cleared", "user_id", user, "other_id", other, "count", cleared.Count())
	return cleared.Count(), s.fanout.Dispatch(ctx, cleared.Event(), opts...)
}

// DeleteAllPermanently removes the conversation for both participants.
func (s *Service) DeleteAllPermanently(ctx context.Context, a, b int64, opts ...DispatchOption) (int64, error) {
	const op = "chat.DeleteAllPermanently"

	if err := validatePair(a, b); err != nil {
		return 0, err
	}
	if _, err := s.participants(ctx, op, a, b); err != nil {
		return 0, err
	}

	purged, err := s.store.HardDeleteAll(ctx, a, b)
	if err != nil {
		return 0, storageErr(op, err)
	}
	s.log.Info("chat.conversation.purged", "pair", NewPair(a, b).Key(), "count", purged.Count())
	return purged.Count(), s.fanout.Dispatch(ctx, purged.Event(), opts...)
}

// Page selects a window of a conversation.
type Page struct {
	AfterID *int64
	Limit   int
}

// ListConversation returns one page of viewer's view of the conversation.
func (s *Service) ListConversation(ctx context.Context, viewer, other int64, page Page) (ListResult, error) {
	const op = "chat.ListConversation"

	in := ListInput{Viewer: viewer, Other: other, AfterID: page.AfterID, Limit: page.Limit}
	if err := in.validate(); err != nil {
		return ListResult{}, err
	}
	if _, err := s.participants(ctx, op, viewer, other); err != nil {
		return ListResult{}, err
	}

	res, err := s.store.ListVisible(ctx, in)
	if err != nil {
		return ListResult{}, storageErr(op, err)
	}
	return res, nil
}

// Conversation iterates viewer's whole view of the conversation, fetching
// pageSize rows at a time. Each range starts over from the first message.
// Iteration stops after yielding the first error.
func (s *Service) Conversation(ctx context.Context, viewer, other int64, pageSize int) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		var after *int64
		for {
			res, err := s.ListConversation(ctx, viewer, other, Page{AfterID: after, Limit: pageSize})
			if err != nil {
				yield(Message{}, err)
				return
			}
			for _, m := range res.Messages {
				if !yield(m, nil) {
					return
				}
			}
			if !res.HasMore || len(res.Messages) == 0 {
				return
			}
			last := res.Messages[len(res.Messages)-1].ID
			after = &last
		}
	}
}

func (s *Service) SetOnline(ctx context.Context, uid int64) (PresenceChanged, error) {
	return s.presence.MarkOnline(ctx, uid)
}

func (s *Service) SetOffline(ctx context.Context, uid int64) (PresenceChanged, error) {
	return s.presence.MarkOffline(ctx, uid)
}

func (s *Service) IsOnlineNow(ctx context.Context, uid int64) (bool, error) {
	return s.presence.IsOnline(ctx, uid)
}

// DeleteUser removes a user together with their presence entry and every
// message they sent or received. No events are published.
//
// The user row goes first: once it is gone no new message can name the
// user, so the message purge that follows leaves nothing behind. Postgres
// cascades the purge on its own.
func (s *Service) DeleteUser(ctx context.Context, uid int64) error {
	const op = "chat.DeleteUser"

	if err := s.users.DeleteUser(ctx, uid); err != nil {
		return userErr(op, uid, err)
	}

	s.presence.CleanupOnUserDeleted(ctx, uid)

	n, err := s.store.DeleteForUser(ctx, uid)
	if err != nil {
		return storageErr(op, err)
	}

	s.log.Info("chat.user.deleted", "user_id", uid, "messages", n)
	return nil
}

// Contact is another user as listed on the dashboard.
type Contact struct {
	User   identity.User
	Online bool
}

// Contacts lists every user except viewer with their current online flag.
func (s *Service) Contacts(ctx context.Context, viewer int64) ([]Contact, error) {
	users, err := s.users.ListUsers(ctx, viewer)
	if err != nil {
		return nil, storageErr("chat.Contacts", err)
	}
	out := make([]Contact, 0, len(users))
	for _, u := range users {
		out = append(out, Contact{User: u, Online: s.presence.IsOnlineUser(ctx, u)})
	}
	return out, nil
}

// User loads one user, mapped onto the chat error taxonomy.
func (s *Service) User(ctx context.Context, uid int64) (identity.User, error) {
	u, err := s.users.GetUser(ctx, uid)
	if err != nil {
		return identity.User{}, userErr("chat.User", uid, err)
	}
	return u, nil
}

// participants loads both users and returns the first.
func (s *Service) participants(ctx context.Context, op string, first, second int64) (identity.User, error) {
	u, err := s.users.GetUser(ctx, first)
	if err != nil {
		return identity.User{}, userErr(op, first, err)
	}
	if _, err := s.users.GetUser(ctx, second); err != nil {
		return identity.User{}, userErr(op, second, err)
	}
	return u, nil
}
