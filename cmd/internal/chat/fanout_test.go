package chat

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func TestTargets(t *testing.T) {
	t.Parallel()

	typing, err := NewTypingUpdate(3, 4, true)
	if err != nil {
		t.Fatalf("NewTypingUpdate: %v", err)
	}
	sent := Created{msg: Message{ID: 1, SenderID: 5, ReceiverID: 2}}.Event(UserSummary{ID: 5}, nil)

	tests := []struct {
		name string
		ev   Event
		want []string
	}{
		{name: "message sent", ev: sent, want: []string{"chat.5", "chat.2"}},
		{name: "typing", ev: typing, want: []string{"chat.4"}},
		{name: "cleared", ev: Cleared{viewer: 2, other: 1}.Event(), want: []string{"chat.2"}},
		{name: "purged", ev: PermanentlyDeleted{pair: NewPair(9, 2)}.Event(), want: []string{"chat.2", "chat.9"}},
		{name: "presence", ev: PresenceChanged{user: UserSummary{ID: 1}, online: true}, want: []string{PresenceChannel}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Targets(tt.ev); !slices.Equal(got, tt.want) {
				t.Fatalf("Targets = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewTypingUpdate_RejectsSelf(t *testing.T) {
	t.Parallel()

	if _, err := NewTypingUpdate(3, 3, true); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestFanout_Payloads(t *testing.T) {
	t.Parallel()

	f := NewFanout(discardLogger(), &recorder{}, WithFileURL(func(p string) string { return "https://cdn/" + p }))
	at := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	t.Run("message sent", func(t *testing.T) {
		parent := Message{ID: 1, SenderID: 2, ReceiverID: 1, Type: TypeText, Body: strPtr("first")}
		ev := Created{msg: Message{
			ID: 2, SenderID: 1, ReceiverID: 2, Type: TypeImage, Body: strPtr("Sent an image"),
			Attachment: &Attachment{Path: "chat/images/x.png", Name: "x.png", Size: "2.0 KiB", MimeType: "image/png"},
			ReplyTo:    int64Ptr(1),
			CreatedAt:  at,
		}}.Event(UserSummary{ID: 1, Name: "Alice", Email: "alice@example.com"}, &parent)

		raw, err := f.Payload(ev)
		if err != nil {
			t.Fatalf("Payload: %v", err)
		}
		p := decodePayload(t, raw)
		if p["isTypingUpdate"] != false || p["isClearMessages"] != false {
			t.Fatalf("flags wrong: %v", p)
		}
		msg := p["message"].(map[string]any)
		if msg["file_url"] != "https://cdn/chat/images/x.png" || msg["type"] != "image" {
			t.Fatalf("message = %v", msg)
		}
		if sender := msg["sender"].(map[string]any); sender["name"] != "Alice" {
			t.Fatalf("sender = %v", sender)
		}
		if reply := msg["reply_to_message"].(map[string]any); reply["body"] != "first" {
			t.Fatalf("reply_to_message = %v", reply)
		}
		if EventName(ev) != EventMessageSent {
			t.Fatalf("event name = %q", EventName(ev))
		}
	})

	t.Run("typing", func(t *testing.T) {
		ev, _ := NewTypingUpdate(3, 4, false)
		raw, _ := f.Payload(ev)
		p := decodePayload(t, raw)
		if p["isTypingUpdate"] != true || p["userId"] != float64(3) || p["isTyping"] != false {
			t.Fatalf("typing payload = %v", p)
		}
	})

	t.Run("cleared", func(t *testing.T) {
		raw, _ := f.Payload(Cleared{viewer: 2, other: 1}.Event())
		p := decodePayload(t, raw)
		if p["isClearMessages"] != true || p["clearedForUserId"] != float64(2) {
			t.Fatalf("cleared payload = %v", p)
		}
		if _, ok := p["isPermanentDelete"]; ok {
			t.Fatalf("cleared payload carries isPermanentDelete: %v", p)
		}
	})

	t.Run("purged", func(t *testing.T) {
		raw, _ := f.Payload(PermanentlyDeleted{pair: NewPair(1, 2)}.Event())
		p := decodePayload(t, raw)
		if p["isClearMessages"] != true || p["clearedForUserId"] != nil || p["isPermanentDelete"] != true {
			t.Fatalf("purged payload = %v", p)
		}
	})

	t.Run("presence", func(t *testing.T) {
		ev := PresenceChanged{user: UserSummary{ID: 7, Name: "Gus", Email: "gus@example.com"}, online: true, lastSeenAt: &at, at: at}
		raw, _ := f.Payload(ev)
		p := decodePayload(t, raw)
		if p["userId"] != float64(7) || p["isOnline"] != true || p["timestamp"] != "2026-04-01T09:00:00Z" {
			t.Fatalf("presence payload = %v", p)
		}
		u := p["user"].(map[string]any)
		if u["is_online"] != true || u["email"] != "gus@example.com" || u["last_seen_at"] != "2026-04-01T09:00:00Z" {
			t.Fatalf("presence user = %v", u)
		}
		if EventName(ev) != EventUserOnlineStatusUpdated {
			t.Fatalf("event name = %q", EventName(ev))
		}
	})
}

func TestFanout_DispatchExcludesOriginator(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	f := NewFanout(discardLogger(), rec)
	ev := Created{msg: Message{ID: 1, SenderID: 1, ReceiverID: 2, Type: TypeText, Body: strPtr("hi")}}.Event(UserSummary{ID: 1}, nil)

	if err := f.Dispatch(context.Background(), ev, ExcludeOriginator("sock-1")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	pubs := rec.all()
	if len(pubs) != 2 {
		t.Fatalf("published %d, want 2", len(pubs))
	}
	for _, p := range pubs {
		if p.ExceptSocket != "sock-1" || p.Event != EventMessageSent {
			t.Fatalf("publication = %+v", p)
		}
	}
}

func TestFanout_PartialFailureIsDeliveryWarning(t *testing.T) {
	t.Parallel()

	boom := errors.New("broker down")
	rec := &recorder{fail: func(p Publication) error {
		if p.Channel == "chat.2" {
			return boom
		}
		return nil
	}}
	f := NewFanout(discardLogger(), rec, WithFanoutMetrics(NewMetrics(nil)))
	ev := Created{msg: Message{ID: 1, SenderID: 1, ReceiverID: 2, Type: TypeText, Body: strPtr("hi")}}.Event(UserSummary{ID: 1}, nil)

	err := f.Dispatch(context.Background(), ev)
	if !IsDeliveryWarning(err) {
		t.Fatalf("expected delivery warning, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("cause lost: %v", err)
	}
	var te TransportError
	if !errors.As(err, &te) || te.Channel != "chat.2" {
		t.Fatalf("TransportError = %+v", te)
	}
	if got := rec.channels(); !slices.Equal(got, []string{"chat.1"}) {
		t.Fatalf("delivered to %v, want [chat.1]", got)
	}
}
