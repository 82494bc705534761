package chat

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"pairchat/cmd/identity"
	"pairchat/cmd/internal/cache"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder is an in-memory Publisher.
type recorder struct {
	mu   sync.Mutex
	pubs []Publication
	fail func(Publication) error
}

func (r *recorder) Publish(_ context.Context, p Publication) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		if err := r.fail(p); err != nil {
			return err
		}
	}
	r.pubs = append(r.pubs, p)
	return nil
}

func (r *recorder) all() []Publication {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Publication(nil), r.pubs...)
}

func (r *recorder) channels() []string {
	var out []string
	for _, p := range r.all() {
		out = append(out, p.Channel)
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.pubs = nil
	r.mu.Unlock()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

type fixture struct {
	ctx      context.Context
	clock    *fakeClock
	pub      *recorder
	cache    *cache.TTL
	users    *identity.MemoryStore
	store    *MemoryStore
	fanout   *Fanout
	presence *Presence
	svc      *Service

	alice, bob, carol identity.User
}

func newFixture(t *testing.T, opts ...ServiceOption) *fixture {
	t.Helper()

	f := &fixture{
		ctx:   context.Background(),
		clock: newFakeClock(),
		pub:   &recorder{},
		users: identity.NewMemoryStore(),
		store: NewMemoryStore(),
	}
	f.cache = cache.NewTTL(cache.WithClock(f.clock.Now))
	f.fanout = NewFanout(discardLogger(), f.pub, WithFileURL(func(p string) string { return "/storage/" + p }))
	f.presence = NewPresence(discardLogger(), f.cache, f.users, f.fanout, WithClock(f.clock.Now))
	f.svc = NewService(discardLogger(), f.store, f.users, f.presence, f.fanout,
		append([]ServiceOption{WithServiceClock(f.clock.Now)}, opts...)...)

	f.alice = f.mustUser(t, "Alice", "alice@example.com")
	f.bob = f.mustUser(t, "Bob", "bob@example.com")
	f.carol = f.mustUser(t, "Carol", "carol@example.com")
	return f
}

func (f *fixture) mustUser(t *testing.T, name, email string) identity.User {
	t.Helper()
	u, err := f.users.CreateUser(f.ctx, identity.NewUser{
		Name:         name,
		Email:        email,
		Role:         identity.RoleUser,
		PasswordHash: "$argon2id$unused",
		Now:          f.clock.Now(),
	})
	if err != nil {
		t.Fatalf("create %s: %v", email, err)
	}
	return u
}

func (f *fixture) mustSend(t *testing.T, from, to int64, body string) Message {
	t.Helper()
	m, err := f.svc.SendMessage(f.ctx, SendInput{SenderID: from, ReceiverID: to, Body: body})
	if err != nil {
		t.Fatalf("send %d->%d: %v", from, to, err)
	}
	return m
}

func (f *fixture) visibleIDs(t *testing.T, viewer, other int64) []int64 {
	t.Helper()
	res, err := f.store.ListVisible(f.ctx, ListInput{Viewer: viewer, Other: other, Limit: maxPageLimit})
	if err != nil {
		t.Fatalf("list %d/%d: %v", viewer, other, err)
	}
	ids := make([]int64, 0, len(res.Messages))
	for _, m := range res.Messages {
		ids = append(ids, m.ID)
	}
	return ids
}

func decodePayload(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode payload %s: %v", raw, err)
	}
	return out
}

func strPtr(s string) *string { return &s }

func int64Ptr(v int64) *int64 { return &v }
