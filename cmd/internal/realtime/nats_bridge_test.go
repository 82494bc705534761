package realtime

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nats-io/nats.go"

	"pairchat/cmd/internal/chat"
)

func newLocalBridge(t *testing.T, opts ...BridgeOption) (*NATSBridge, *Hub) {
	t.Helper()
	h := NewHub(discardLogger())
	b, err := newNATSBridge(discardLogger(), nil, h, opts...)
	if err != nil {
		t.Fatalf("newNATSBridge: %v", err)
	}
	return b, h
}

func relayed(t *testing.T, rm relayMessage) []byte {
	t.Helper()
	b, err := json.Marshal(rm)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestNATSBridge_RequiresConnection(t *testing.T) {
	t.Parallel()

	if _, err := NewNATSBridge(discardLogger(), nil, NewHub(discardLogger())); err == nil {
		t.Fatalf("expected error for nil connection")
	}
}

func TestNATSBridge_PublishDeliversLocally(t *testing.T) {
	t.Parallel()

	b, h := newLocalBridge(t)
	c := NewClient(1, "s1", 4)
	_ = h.Subscribe("chat.1", c)

	if err := b.Publish(context.Background(), chat.Publication{Channel: "chat.1", Event: "MessageSent", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := drain(c); len(got) != 1 {
		t.Fatalf("local delivery = %d envelopes", len(got))
	}
}

func TestNATSBridge_InboundFromOtherInstance(t *testing.T) {
	t.Parallel()

	b, h := newLocalBridge(t, WithSubjectPrefix(" .acme.events. "))
	origin := NewClient(2, "origin-tab", 4)
	other := NewClient(2, "other-tab", 4)
	_ = h.Subscribe("chat.2", origin)
	_ = h.Subscribe("chat.2", other)

	b.onMessage(&nats.Msg{
		Subject: "acme.events.chat.2",
		Data: relayed(t, relayMessage{
			Origin:       "another-instance",
			Channel:      "chat.2",
			Event:        chat.EventMessageSent,
			Payload:      json.RawMessage(`{"isTypingUpdate":true}`),
			ExceptSocket: "origin-tab",
		}),
	})

	if got := drain(origin); len(got) != 0 {
		t.Fatalf("excepted socket received relay")
	}
	got := drain(other)
	if len(got) != 1 {
		t.Fatalf("relay delivered %d envelopes, want 1", len(got))
	}
	if p := decodeEvent(t, got[0]); p.Channel != "chat.2" || string(p.Data) != `{"isTypingUpdate":true}` {
		t.Fatalf("relayed payload = %+v", p)
	}
}

func TestNATSBridge_InboundIgnored(t *testing.T) {
	t.Parallel()

	b, h := newLocalBridge(t)
	c := NewClient(1, "s1", 4)
	_ = h.Subscribe("chat.1", c)

	cases := map[string]*nats.Msg{
		"own origin": {Subject: "pairchat.events.chat.1", Data: relayed(t, relayMessage{Origin: b.Origin(), Channel: "chat.1"})},
		"bad json":   {Subject: "pairchat.events.chat.1", Data: []byte("{")},
		"mismatch":   {Subject: "pairchat.events.chat.9", Data: relayed(t, relayMessage{Origin: "x", Channel: "chat.1"})},
	}
	for name, msg := range cases {
		b.onMessage(msg)
		if got := drain(c); len(got) != 0 {
			t.Fatalf("%s: delivered %d envelopes", name, len(got))
		}
	}
}
