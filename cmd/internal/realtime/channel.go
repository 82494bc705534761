package realtime

import (
	"log/slog"
	"sync"

	v1 "pairchat/shared/contracts/realtime/v1"
)

// Channel is the in-memory subscriber set of one named channel.
//
// Join/Leave are safe under concurrent Broadcast. Broadcast never blocks:
// a subscriber whose queue is full misses the envelope.
type Channel struct {
	log  *slog.Logger
	Name string

	mu      sync.RWMutex
	members map[string]*Client
}

func NewChannel(log *slog.Logger, name string) *Channel {
	return &Channel{
		log:     log,
		Name:    name,
		members: make(map[string]*Client),
	}
}

// Join adds a client. Joining twice is a no-op.
func (c *Channel) Join(client *Client) {
	if c == nil || client == nil || client.SessionID == "" {
		return
	}

	c.mu.Lock()
	_, dup := c.members[client.SessionID]
	c.members[client.SessionID] = client
	c.mu.Unlock()

	if !dup {
		c.log.Debug("channel.member.join", "channel", c.Name, "session_id", client.SessionID, "user_id", client.UserID)
	}
}

// Leave removes a session and reports whether it was a member. The client
// itself stays open; it may be subscribed elsewhere.
func (c *Channel) Leave(sessionID string) bool {
	if c == nil || sessionID == "" {
		return false
	}

	c.mu.Lock()
	_, ok := c.members[sessionID]
	delete(c.members, sessionID)
	c.mu.Unlock()

	if ok {
		c.log.Debug("channel.member.leave", "channel", c.Name, "session_id", sessionID)
	}
	return ok
}

func (c *Channel) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members)
}

// Broadcast offers env to every member except the session named by except.
// It returns how many members received it and how many were dropped.
func (c *Channel) Broadcast(env v1.Envelope, except string) (delivered, dropped int) {
	if c == nil {
		return 0, 0
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for id, m := range c.members {
		if m == nil || (except != "" && id == except) {
			continue
		}
		if m.offer(env) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}
