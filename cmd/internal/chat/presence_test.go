package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"pairchat/cmd/identity"
)

// brokenCache fails every call.
type brokenCache struct{}

var errCacheDown = errors.New("cache down")

func (brokenCache) Put(context.Context, string, string, time.Duration) error { return errCacheDown }
func (brokenCache) Has(context.Context, string) (bool, error) { return false, errCacheDown }
func (brokenCache) Forget(context.Context, string) error { return errCacheDown }

func TestPresence_OnlineUntilTTLElapses(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	uid := f.alice.ID

	ev, err := f.svc.SetOnline(f.ctx, uid)
	if err != nil {
		t.Fatalf("SetOnline: %v", err)
	}
	if !ev.Online() || ev.User().ID != uid || ev.LastSeenAt() == nil || !ev.LastSeenAt().Equal(f.clock.Now()) {
		t.Fatalf("event = %+v", ev)
	}

	if on, _ := f.svc.IsOnlineNow(f.ctx, uid); !on {
		t.Fatalf("not online right after SetOnline")
	}

	f.clock.Advance(DefaultPresenceTTL - time.Second)
	if on, _ := f.svc.IsOnlineNow(f.ctx, uid); !on {
		t.Fatalf("offline before TTL elapsed")
	}

	f.clock.Advance(time.Second)
	if on, _ := f.svc.IsOnlineNow(f.ctx, uid); on {
		t.Fatalf("still online after TTL and recency window")
	}

	pubs := f.pub.all()
	if len(pubs) != 1 || pubs[0].Channel != PresenceChannel || pubs[0].Event != EventUserOnlineStatusUpdated {
		t.Fatalf("publications = %+v", pubs)
	}
}

func TestPresence_OfflineKeepsLastSeen(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	uid := f.bob.ID
	if _, err := f.svc.SetOnline(f.ctx, uid); err != nil {
		t.Fatalf("SetOnline: %v", err)
	}
	seen := f.clock.Now()

	f.clock.Advance(time.Minute)
	ev, err := f.svc.SetOffline(f.ctx, uid)
	if err != nil {
		t.Fatalf("SetOffline: %v", err)
	}
	if ev.Online() || ev.LastSeenAt() == nil || !ev.LastSeenAt().Equal(seen) {
		t.Fatalf("offline event = %+v", ev)
	}
	if has, _ := f.cache.Has(f.ctx, presenceKey(uid)); has {
		t.Fatalf("cache entry survived SetOffline")
	}

	// last_seen_at is only a minute old, so the durable fallback still reports online.
	if on, _ := f.svc.IsOnlineNow(f.ctx, uid); !on {
		t.Fatalf("durable fallback ignored")
	}
}

func TestPresence_CacheFailureDegradesToLastSeen(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p := NewPresence(discardLogger(), brokenCache{}, f.users, f.fanout, WithClock(f.clock.Now))

	if _, err := p.MarkOnline(f.ctx, f.alice.ID); err != nil {
		t.Fatalf("MarkOnline with broken cache: %v", err)
	}
	if on, err := p.IsOnline(f.ctx, f.alice.ID); err != nil || !on {
		t.Fatalf("IsOnline = %v, %v", on, err)
	}
	f.clock.Advance(DefaultPresenceTTL)
	if on, _ := p.IsOnline(f.ctx, f.alice.ID); on {
		t.Fatalf("online after recency window")
	}
}

func TestPresence_UnknownUser(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if _, err := f.svc.SetOnline(f.ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetOnline unknown: %v", err)
	}
	if _, err := f.svc.IsOnlineNow(f.ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("IsOnlineNow unknown: %v", err)
	}
	if len(f.pub.all()) != 0 {
		t.Fatalf("event published for unknown user")
	}
}

// touchFails is a UserDirectory whose durable presence write is down.
type touchFails struct{ UserDirectory }

var errDBDown = errors.New("db down")

func (touchFails) TouchLastSeen(context.Context, int64, time.Time) (identity.User, error) {
	return identity.User{}, errDBDown
}

func TestPresence_DurableFailureLeavesNoCacheEntry(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p := NewPresence(discardLogger(), f.cache, touchFails{f.users}, f.fanout, WithClock(f.clock.Now))

	_, err := p.MarkOnline(f.ctx, f.carol.ID)
	if !errors.Is(err, ErrStorage) || !errors.Is(err, errDBDown) {
		t.Fatalf("MarkOnline err = %v, want storage failure", err)
	}
	if has, _ := f.cache.Has(f.ctx, presenceKey(f.carol.ID)); has {
		t.Fatalf("cache entry written despite failed durable mark")
	}
	if on, err := p.IsOnline(f.ctx, f.carol.ID); err != nil || on {
		t.Fatalf("IsOnline = %v, %v; want false, nil", on, err)
	}
	if len(f.pub.all()) != 0 {
		t.Fatalf("event published after failed mark: %+v", f.pub.all())
	}
}

func TestPresence_UnknownUserLeavesNoCacheEntry(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if _, err := f.svc.SetOnline(f.ctx, 4242); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetOnline unknown: %v", err)
	}
	if has, _ := f.cache.Has(f.ctx, presenceKey(4242)); has {
		t.Fatalf("cache entry written for unknown user")
	}
}

func TestPresence_CleanupIsSilent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if _, err := f.svc.SetOnline(f.ctx, f.carol.ID); err != nil {
		t.Fatalf("SetOnline: %v", err)
	}
	f.pub.reset()

	f.presence.CleanupOnUserDeleted(f.ctx, f.carol.ID)
	if has, _ := f.cache.Has(f.ctx, presenceKey(f.carol.ID)); has {
		t.Fatalf("cache entry survived cleanup")
	}
	if len(f.pub.all()) != 0 {
		t.Fatalf("cleanup published %+v", f.pub.all())
	}
}
