package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pairchat/cmd/internal/chat"
	v1 "pairchat/shared/contracts/realtime/v1"
)

// Hub owns the channels of this instance and tracks which channels each
// session is subscribed to. It implements chat.Publisher for local delivery.
type Hub struct {
	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu       sync.RWMutex
	channels map[string]*Channel
	sessions map[string]map[string]struct{}
}

type HubOption func(*Hub)

func WithHubMetrics(m *Metrics) HubOption { return func(h *Hub) { h.metrics = m } }

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger, opts ...HubOption) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		channels: make(map[string]*Channel),
		sessions: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe adds client to channel. Subscribing twice is a no-op.
func (h *Hub) Subscribe(channel string, client *Client) error {
	if client == nil || client.SessionID == "" {
		return fmt.Errorf("realtime: subscribe without session")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.sessions[client.SessionID]
	if _, ok := subs[channel]; ok {
		return nil
	}
	if len(subs) >= maxChannelsPerSession {
		return fmt.Errorf("realtime: session already holds %d subscriptions", maxChannelsPerSession)
	}
	if subs == nil {
		subs = make(map[string]struct{})
		h.sessions[client.SessionID] = subs
	}

	ch, ok := h.channels[channel]
	if !ok {
		ch = NewChannel(h.log, channel)
		h.channels[channel] = ch
	}
	ch.Join(client)
	subs[channel] = struct{}{}
	h.metrics.subscribed(1)
	return nil
}

// Unsubscribe removes one subscription and reports whether it existed.
func (h *Hub) Unsubscribe(channel, sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unsubscribeLocked(channel, sessionID)
}

// UnsubscribeAll drops every subscription of a closing session.
func (h *Hub) UnsubscribeAll(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for channel := range h.sessions[sessionID] {
		if h.unsubscribeLocked(channel, sessionID) {
			n++
		}
	}
	delete(h.sessions, sessionID)
	return n
}

func (h *Hub) unsubscribeLocked(channel, sessionID string) bool {
	subs := h.sessions[sessionID]
	if _, ok := subs[channel]; !ok {
		return false
	}
	delete(subs, channel)
	if len(subs) == 0 {
		delete(h.sessions, sessionID)
	}

	if ch, ok := h.channels[channel]; ok {
		ch.Leave(sessionID)
		if ch.Len() == 0 {
			delete(h.channels, channel)
		}
	}
	h.metrics.subscribed(-1)
	return true
}

// Subscribers counts the sessions subscribed to channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	ch := h.channels[channel]
	h.mu.RUnlock()
	if ch == nil {
		return 0
	}
	return ch.Len()
}

// Publish delivers p to local subscribers. Slow subscribers miss the event
// rather than stall the publisher, so only envelope construction can fail.
func (h *Hub) Publish(ctx context.Context, p chat.Publication) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	env, err := eventEnvelope(p, h.now())
	if err != nil {
		return err
	}

	h.mu.RLock()
	ch := h.channels[p.Channel]
	h.mu.RUnlock()
	if ch == nil {
		return nil
	}

	ok, dropped := ch.Broadcast(env, p.ExceptSocket)
	h.metrics.delivered(ok, dropped)
	if dropped > 0 {
		h.log.Warn("hub.deliver.dropped", "channel", p.Channel, "event", p.Event, "dropped", dropped)
	}
	return nil
}

func eventEnvelope(p chat.Publication, now time.Time) (v1.Envelope, error) {
	payload, err := json.Marshal(v1.EventPayload{Channel: p.Channel, Event: p.Event, Data: p.Payload})
	if err != nil {
		return v1.Envelope{}, fmt.Errorf("realtime: encode event: %w", err)
	}
	id, err := NewEnvelopeID(now)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.Envelope{V: v1.Version, Type: v1.TypeEvent, ID: id, TS: now, Payload: payload}, nil
}
