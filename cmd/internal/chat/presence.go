package chat

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"pairchat/cmd/identity"
)

// DefaultPresenceTTL is how long a mark-online stays fresh without a heartbeat.
const DefaultPresenceTTL = 3 * time.Minute

// Cache is the ephemeral key-value store backing presence.
type Cache interface {
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	Has(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

// UserDirectory is the part of identity.Store presence needs.
type UserDirectory interface {
	GetUser(ctx context.Context, id int64) (identity.User, error)
	TouchLastSeen(ctx context.Context, id int64, at time.Time) (identity.User, error)
}

// Presence tracks who is online. A user is online while their cache entry
// lives, or, when the cache has nothing, while last_seen_at is within the TTL.
type Presence struct {
	log     *slog.Logger
	cache   Cache
	users   UserDirectory
	fanout  *Fanout
	metrics *Metrics
	ttl     time.Duration
	now     func() time.Time
}

type PresenceOption func(*Presence)

func WithPresenceTTL(d time.Duration) PresenceOption {
	return func(p *Presence) {
		if d > 0 {
			p.ttl = d
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) PresenceOption {
	return func(p *Presence) {
		if now != nil {
			p.now = now
		}
	}
}

func WithPresenceMetrics(m *Metrics) PresenceOption { return func(p *Presence) { p.metrics = m } }

func NewPresence(log *slog.Logger, cache Cache, users UserDirectory, fanout *Fanout, opts ...PresenceOption) *Presence {
	if log == nil {
		log = slog.Default()
	}
	p := &Presence{
		log:    log,
		cache:  cache,
		users:  users,
		fanout: fanout,
		ttl:    DefaultPresenceTTL,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func presenceKey(uid int64) string { return "presence:online:" + strconv.FormatInt(uid, 10) }

// MarkOnline refreshes the cache entry, advances last_seen_at and announces
// the user as online. It is idempotent apart from refreshing timestamps.
// A non-nil error with a valid event is a delivery warning.
func (p *Presence) MarkOnline(ctx context.Context, uid int64) (PresenceChanged, error) {
	now := p.now()

	u, err := p.users.TouchLastSeen(ctx, uid, now)
	if err != nil {
		return PresenceChanged{}, userErr("presence.MarkOnline", uid, err)
	}

	// The cache is only written once the durable mark has landed.
	if err := p.cache.Put(ctx, presenceKey(uid), now.Format(time.RFC3339Nano), p.ttl); err != nil {
		p.log.Warn("presence.cache.put.fail", "user_id", uid, "err", err)
	}

	ev := PresenceChanged{user: SummaryOf(u), online: true, lastSeenAt: u.LastSeenAt, at: now}
	p.metrics.presenceMarked(true)
	p.log.Debug("presence.marked", "user_id", uid, "online", true)
	return ev, p.fanout.Dispatch(ctx, ev)
}

// MarkOffline drops the cache entry and announces the user as offline.
// last_seen_at is left untouched.
func (p *Presence) MarkOffline(ctx context.Context, uid int64) (PresenceChanged, error) {
	now := p.now()

	u, err := p.users.GetUser(ctx, uid)
	if err != nil {
		return PresenceChanged{}, userErr("presence.MarkOffline", uid, err)
	}
	if err := p.cache.Forget(ctx, presenceKey(uid)); err != nil {
		p.log.Warn("presence.cache.forget.fail", "user_id", uid, "err", err)
	}

	ev := PresenceChanged{user: SummaryOf(u), online: false, lastSeenAt: u.LastSeenAt, at: now}
	p.metrics.presenceMarked(false)
	p.log.Debug("presence.marked", "user_id", uid, "online", false)
	return ev, p.fanout.Dispatch(ctx, ev)
}

// IsOnline consults the cache first and falls back to last_seen_at recency.
func (p *Presence) IsOnline(ctx context.Context, uid int64) (bool, error) {
	hit, err := p.cache.Has(ctx, presenceKey(uid))
	if err != nil {
		p.log.Warn("presence.cache.has.fail", "user_id", uid, "err", err)
	} else if hit {
		return true, nil
	}

	u, err := p.users.GetUser(ctx, uid)
	if err != nil {
		return false, userErr("presence.IsOnline", uid, err)
	}
	return p.recentlySeen(u), nil
}

// IsOnlineUser is IsOnline for a row the caller already loaded.
func (p *Presence) IsOnlineUser(ctx context.Context, u identity.User) bool {
	hit, err := p.cache.Has(ctx, presenceKey(u.ID))
	if err != nil {
		p.log.Warn("presence.cache.has.fail", "user_id", u.ID, "err", err)
	} else if hit {
		return true
	}
	return p.recentlySeen(u)
}

func (p *Presence) recentlySeen(u identity.User) bool {
	return u.LastSeenAt != nil && p.now().Sub(*u.LastSeenAt) < p.ttl
}

// CleanupOnUserDeleted forgets the cache entry without announcing anything.
func (p *Presence) CleanupOnUserDeleted(ctx context.Context, uid int64) {
	if err := p.cache.Forget(ctx, presenceKey(uid)); err != nil {
		p.log.Warn("presence.cache.forget.fail", "user_id", uid, "err", err)
	}
}

// userErr maps identity lookups onto the chat taxonomy.
func userErr(op string, uid int64, err error) error {
	if identity.IsNotFound(err) {
		return NotFoundError{Resource: "user", ID: uid}
	}
	return storageErr(op, err)
}
