package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"pairchat/cmd/internal/chat"
	v1 "pairchat/shared/contracts/realtime/v1"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func drain(c *Client) []v1.Envelope {
	var out []v1.Envelope
	for {
		select {
		case env := <-c.Send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func decodeEvent(t *testing.T, env v1.Envelope) v1.EventPayload {
	t.Helper()
	if env.Type != v1.TypeEvent || env.V != v1.Version || env.ID == "" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	var p v1.EventPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode event payload: %v", err)
	}
	return p
}

func TestHub_PublishSkipsExceptedSession(t *testing.T) {
	t.Parallel()

	h := NewHub(discardLogger())
	a := NewClient(1, "sess-a", 8)
	b := NewClient(1, "sess-b", 8)
	other := NewClient(2, "sess-c", 8)

	for _, c := range []*Client{a, b} {
		if err := h.Subscribe("chat.1", c); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	if err := h.Subscribe("chat.2", other); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	err := h.Publish(context.Background(), chat.Publication{
		Channel:      "chat.1",
		Event:        chat.EventMessageSent,
		Payload:      json.RawMessage(`{"x":1}`),
		ExceptSocket: "sess-a",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := drain(a); len(got) != 0 {
		t.Fatalf("excepted session received %d envelopes", len(got))
	}
	if got := drain(other); len(got) != 0 {
		t.Fatalf("other channel received %d envelopes", len(got))
	}
	got := drain(b)
	if len(got) != 1 {
		t.Fatalf("sess-b received %d envelopes, want 1", len(got))
	}
	p := decodeEvent(t, got[0])
	if p.Channel != "chat.1" || p.Event != chat.EventMessageSent || string(p.Data) != `{"x":1}` {
		t.Fatalf("payload = %+v", p)
	}
}

func TestHub_UnsubscribeAndCleanup(t *testing.T) {
	t.Parallel()

	h := NewHub(discardLogger())
	c := NewClient(1, "s1", 8)
	_ = h.Subscribe("chat.1", c)
	_ = h.Subscribe("chat.1", c)
	_ = h.Subscribe(chat.PresenceChannel, c)

	if n := h.Subscribers("chat.1"); n != 1 {
		t.Fatalf("duplicate subscribe counted: %d", n)
	}
	if !h.Unsubscribe("chat.1", "s1") {
		t.Fatalf("unsubscribe reported no subscription")
	}
	if h.Unsubscribe("chat.1", "s1") {
		t.Fatalf("second unsubscribe reported a subscription")
	}
	if n := h.UnsubscribeAll("s1"); n != 1 {
		t.Fatalf("UnsubscribeAll = %d, want 1", n)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.channels) != 0 || len(h.sessions) != 0 {
		t.Fatalf("hub kept state: channels=%d sessions=%d", len(h.channels), len(h.sessions))
	}
}

func TestHub_FullQueueDropsWithoutError(t *testing.T) {
	t.Parallel()

	h := NewHub(discardLogger(), WithHubMetrics(NewMetrics(nil)))
	slow := NewClient(1, "slow", 1)
	_ = h.Subscribe("chat.1", slow)

	for i := 0; i < 3; i++ {
		if err := h.Publish(context.Background(), chat.Publication{Channel: "chat.1", Event: "e"}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if got := drain(slow); len(got) != 1 {
		t.Fatalf("queued %d envelopes, want 1", len(got))
	}

	slow.Close()
	_ = h.Publish(context.Background(), chat.Publication{Channel: "chat.1", Event: "e"})
	if got := drain(slow); len(got) != 0 {
		t.Fatalf("closed client received %d envelopes", len(got))
	}
}

func TestHub_SubscriptionCap(t *testing.T) {
	t.Parallel()

	h := NewHub(discardLogger())
	c := NewClient(1, "s1", 8)
	for i := 0; i < maxChannelsPerSession; i++ {
		if err := h.Subscribe(fmt.Sprintf("chat.%d", i+1), c); err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}
	if err := h.Subscribe("chat.999", c); err == nil {
		t.Fatalf("expected cap error")
	}
	if err := h.Subscribe("chat.1", c); err != nil {
		t.Fatalf("re-subscribe at cap: %v", err)
	}
}

func TestHub_PublishCanceledContext(t *testing.T) {
	t.Parallel()

	h := NewHub(discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.Publish(ctx, chat.Publication{Channel: "chat.1"}); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestHub_FanoutTypingReachesRecipientOnly(t *testing.T) {
	t.Parallel()

	h := NewHub(discardLogger())
	sender := NewClient(1, "s1", 8)
	recipient := NewClient(2, "s2", 8)
	_ = h.Subscribe(chat.PrivateChannel(1), sender)
	_ = h.Subscribe(chat.PrivateChannel(2), recipient)

	f := chat.NewFanout(discardLogger(), h)
	ev, err := chat.NewTypingUpdate(1, 2, true)
	if err != nil {
		t.Fatalf("NewTypingUpdate: %v", err)
	}
	if err := f.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if got := drain(sender); len(got) != 0 {
		t.Fatalf("sender got %d envelopes", len(got))
	}
	got := drain(recipient)
	if len(got) != 1 {
		t.Fatalf("recipient got %d envelopes", len(got))
	}
	var data map[string]any
	if err := json.Unmarshal(decodeEvent(t, got[0]).Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data["isTypingUpdate"] != true || data["userId"] != float64(1) || data["isTyping"] != true {
		t.Fatalf("typing data = %v", data)
	}
}

func TestHub_ConcurrentSubscribePublish(t *testing.T) {
	t.Parallel()

	h := NewHub(discardLogger())
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := NewClient(1, fmt.Sprintf("s%d", i), 4)
			for j := 0; j < 50; j++ {
				_ = h.Subscribe("chat.1", c)
				h.Unsubscribe("chat.1", c.SessionID)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = h.Publish(context.Background(), chat.Publication{Channel: "chat.1", Event: "e"})
			}
		}()
	}
	wg.Wait()

	if n := h.Subscribers("chat.1"); n != 0 {
		t.Fatalf("subscribers left: %d", n)
	}
}
