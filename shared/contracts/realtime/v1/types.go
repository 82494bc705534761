// Package v1 defines the pairchat realtime protocol v1 wire contract.
//
// It is shared between the server and clients so the wire format has one
// authoritative definition. Channel names follow the server's conventions:
// "chat.<userID>" for private channels and "online-users" for presence.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated on the websocket upgrade.
const Subprotocol = "pairchat.v1"

const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeSubscribe asks to receive events published on a channel.
	TypeSubscribe    = "subscribe"
	TypeSubscribeAck = "subscribe_ack"

	TypeUnsubscribe    = "unsubscribe"
	TypeUnsubscribeAck = "unsubscribe_ack"

	// TypePresenceHeartbeat refreshes the sender's online state.
	TypePresenceHeartbeat = "presence_heartbeat"

	// TypeEvent carries a broadcast event (server -> client).
	TypeEvent = "event"

	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitzero"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs structural validation of an inbound envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}

	switch e.Type {
	case TypeHello, TypeHelloAck,
		TypeSubscribe, TypeSubscribeAck,
		TypeUnsubscribe, TypeUnsubscribeAck,
		TypePresenceHeartbeat, TypeEvent, TypeError:
		return nil
	case "":
		return errors.New("missing field: type")
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

type HelloPayload struct{}

type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    int64  `json:"user_id"`
}

// SubscribePayload is used by subscribe, unsubscribe and both acks.
type SubscribePayload struct {
	Channel string `json:"channel"`
}

// EventPayload is one published event as seen by a subscriber.
type EventPayload struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
