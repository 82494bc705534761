package chat

import "pairchat/cmd/identity"

// Principal is an authenticated caller. The zero value is anonymous.
type Principal struct {
	UserID int64
	Role   identity.Role
}

func (p Principal) Authenticated() bool { return p.UserID > 0 }

// Gate decides channel subscriptions. By default any authenticated user may
// subscribe to any private channel; strict mode restricts private channels
// to their owner.
type Gate struct {
	strict bool
}

func NewGate(strict bool) *Gate { return &Gate{strict: strict} }

func (g *Gate) Strict() bool { return g.strict }

// Authorize returns nil when p may subscribe to channel.
func (g *Gate) Authorize(p Principal, channel string) error {
	if !p.Authenticated() {
		return AuthorizationError{Channel: channel, Reason: "not authenticated"}
	}
	if channel == PresenceChannel {
		return nil
	}

	owner, ok := ParsePrivateChannel(channel)
	if !ok {
		return AuthorizationError{Channel: channel, Reason: "unknown channel"}
	}
	if g.strict && owner != p.UserID {
		return AuthorizationError{Channel: channel, Reason: "not the channel owner"}
	}
	return nil
}
