package chat

import (
	"errors"
	"testing"
)

func TestGate_Authorize(t *testing.T) {
	t.Parallel()

	me := Principal{UserID: 5}
	tests := []struct {
		name    string
		strict  bool
		p       Principal
		channel string
		allowed bool
	}{
		{name: "anonymous", p: Principal{}, channel: "chat.5"},
		{name: "own channel", p: me, channel: "chat.5", allowed: true},
		{name: "other channel permissive", p: me, channel: "chat.6", allowed: true},
		{name: "other channel strict", strict: true, p: me, channel: "chat.6"},
		{name: "own channel strict", strict: true, p: me, channel: "chat.5", allowed: true},
		{name: "presence", p: me, channel: PresenceChannel, allowed: true},
		{name: "presence strict", strict: true, p: me, channel: PresenceChannel, allowed: true},
		{name: "presence anonymous", p: Principal{}, channel: PresenceChannel},
		{name: "bad id", p: me, channel: "chat.abc"},
		{name: "zero id", p: me, channel: "chat.0"},
		{name: "signed id", p: me, channel: "chat.+5"},
		{name: "unknown", p: me, channel: "admin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewGate(tt.strict).Authorize(tt.p, tt.channel)
			if tt.allowed {
				if err != nil {
					t.Fatalf("denied: %v", err)
				}
				return
			}
			var ae AuthorizationError
			if !errors.As(err, &ae) || !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("expected AuthorizationError, got %v", err)
			}
		})
	}
}

func TestParsePrivateChannel(t *testing.T) {
	t.Parallel()

	if id, ok := ParsePrivateChannel(PrivateChannel(42)); !ok || id != 42 {
		t.Fatalf("round trip = %d, %v", id, ok)
	}
	if _, ok := ParsePrivateChannel("chat."); ok {
		t.Fatalf("empty id accepted")
	}
}
