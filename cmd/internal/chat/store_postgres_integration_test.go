package chat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pairchat/cmd/identity/ids"
)

// Integration tests are opt-in and require PAIRCHAT_DATABASE_URL.

type pgFixture struct {
	pool   *pgxpool.Pool
	schema string
	store  *PostgresStore
}

func TestPostgresStore_ConversationLifecycle(t *testing.T) {
	fx := mustNewChatStore(t)
	a, b, c := fx.mustUser(t, "a"), fx.mustUser(t, "b"), fx.mustUser(t, "c")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	first := fx.mustCreate(t, ctx, a, b, "hi", nil)
	reply := fx.mustCreate(t, ctx, b, a, "hello", &first.ID)
	other := fx.mustCreate(t, ctx, a, c, "elsewhere", nil)

	if reply.ReplyTo == nil || *reply.ReplyTo != first.ID {
		t.Fatalf("reply_to = %v", reply.ReplyTo)
	}
	if _, err := fx.store.Create(ctx, textInput(c, a, "bad reply", &first.ID)); !errors.Is(err, ErrValidation) {
		t.Fatalf("cross-pair reply: %v", err)
	}
	if _, err := fx.store.Create(ctx, textInput(a, a+c+b, "nobody", nil)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown receiver: %v", err)
	}

	res, err := fx.store.ListVisible(ctx, ListInput{Viewer: b, Other: a})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := messageIDs(res.Messages); !slices.Equal(got, []int64{first.ID, reply.ID}) {
		t.Fatalf("bob sees %v", got)
	}

	cleared, err := fx.store.SoftDeleteForUser(ctx, b, a)
	if err != nil || cleared.Count() != 2 {
		t.Fatalf("soft delete = %d, %v", cleared.Count(), err)
	}
	again, err := fx.store.SoftDeleteForUser(ctx, b, a)
	if err != nil || again.Count() != 0 {
		t.Fatalf("second soft delete = %d, %v", again.Count(), err)
	}
	res, _ = fx.store.ListVisible(ctx, ListInput{Viewer: b, Other: a})
	if len(res.Messages) != 0 {
		t.Fatalf("bob still sees %v", messageIDs(res.Messages))
	}
	res, _ = fx.store.ListVisible(ctx, ListInput{Viewer: a, Other: b})
	if len(res.Messages) != 2 {
		t.Fatalf("alice lost messages: %v", messageIDs(res.Messages))
	}
	got, err := fx.store.Get(ctx, first.ID)
	if err != nil || !slices.Equal(got.DeletedFor, []int64{b}) {
		t.Fatalf("deleted_for = %v, %v", got.DeletedFor, err)
	}

	purged, err := fx.store.HardDeleteAll(ctx, a, b)
	if err != nil || purged.Count() != 2 {
		t.Fatalf("hard delete = %d, %v", purged.Count(), err)
	}
	if _, err := fx.store.Get(ctx, first.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("row survived purge: %v", err)
	}
	if _, err := fx.store.Get(ctx, other.ID); err != nil {
		t.Fatalf("other conversation affected: %v", err)
	}
}

func TestPostgresStore_PaginationAndDeleteForUser(t *testing.T) {
	fx := mustNewChatStore(t)
	a, b, c := fx.mustUser(t, "a"), fx.mustUser(t, "b"), fx.mustUser(t, "c")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var want []int64
	for i := 0; i < 5; i++ {
		from, to := a, b
		if i%2 == 1 {
			from, to = b, a
		}
		want = append(want, fx.mustCreate(t, ctx, from, to, fmt.Sprint("m", i), nil).ID)
	}
	kept := fx.mustCreate(t, ctx, b, c, "kept", nil)

	var seen []int64
	var after *int64
	for {
		res, err := fx.store.ListVisible(ctx, ListInput{Viewer: a, Other: b, AfterID: after, Limit: 2})
		if err != nil {
			t.Fatalf("page: %v", err)
		}
		seen = append(seen, messageIDs(res.Messages)...)
		if !res.HasMore {
			break
		}
		last := res.Messages[len(res.Messages)-1].ID
		after = &last
	}
	if !slices.Equal(seen, want) {
		t.Fatalf("paged = %v, want %v", seen, want)
	}

	n, err := fx.store.DeleteForUser(ctx, a)
	if err != nil || n != 5 {
		t.Fatalf("DeleteForUser = %d, %v", n, err)
	}
	if _, err := fx.store.Get(ctx, kept.ID); err != nil {
		t.Fatalf("unrelated message removed: %v", err)
	}
}

func TestPostgresStore_ConcurrentClearsSerialize(t *testing.T) {
	fx := mustNewChatStore(t)
	a, b := fx.mustUser(t, "a"), fx.mustUser(t, "b")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for i := 0; i < 20; i++ {
		fx.mustCreate(t, ctx, a, b, "x", nil)
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int64
		errs  []error
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := fx.store.SoftDeleteForUser(ctx, a, b)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			total += res.Count()
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("concurrent clears: %v", errs)
	}
	if total != 20 {
		t.Fatalf("rows hidden %d times, want 20", total)
	}
}

func textInput(from, to int64, body string, replyTo *int64) CreateInput {
	return CreateInput{SenderID: from, ReceiverID: to, Type: TypeText, Body: &body, ReplyTo: replyTo}
}

func messageIDs(ms []Message) []int64 {
	out := make([]int64, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.ID)
	}
	return out
}

func (fx *pgFixture) mustCreate(t *testing.T, ctx context.Context, from, to int64, body string, replyTo *int64) Message {
	t.Helper()
	created, err := fx.store.Create(ctx, textInput(from, to, body, replyTo))
	if err != nil {
		t.Fatalf("create %d->%d: %v", from, to, err)
	}
	return created.Message()
}

func (fx *pgFixture) mustUser(t *testing.T, name string) int64 {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var id int64
	q := `INSERT INTO ` + pgx.Identifier{fx.schema, "users"}.Sanitize() +
		` (name, email, password_hash) VALUES ($1, $2, 'x') RETURNING id`
	if err := fx.pool.QueryRow(ctx, q, name, name+"@example.com").Scan(&id); err != nil {
		t.Fatalf("insert user %s: %v", name, err)
	}
	return id
}

func mustNewChatStore(t *testing.T) *pgFixture {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("PAIRCHAT_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: PAIRCHAT_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		if skipUnreachable(err) {
			t.Skipf("integration test skipped: Postgres unreachable: %v", err)
		}
		t.Fatalf("ping: %v", err)
	}
	t.Cleanup(pool.Close)

	schema := "pairchat_it_" + strings.ToLower(ids.MustULID(time.Now()))
	ident := pgx.Identifier{schema}.Sanitize()
	users := pgx.Identifier{schema, "users"}.Sanitize()
	messages := pgx.Identifier{schema, "messages"}.Sanitize()

	ddl := []string{
		`CREATE SCHEMA ` + ident,
		`CREATE TABLE ` + users + ` (
  id BIGSERIAL PRIMARY KEY,
  name TEXT NOT NULL,
  email TEXT NOT NULL UNIQUE,
  role TEXT NOT NULL DEFAULT 'user',
  password_hash TEXT NOT NULL,
  last_seen_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE TABLE ` + messages + ` (
  id BIGSERIAL PRIMARY KEY,
  sender_id BIGINT NOT NULL REFERENCES ` + users + `(id) ON DELETE CASCADE,
  receiver_id BIGINT NOT NULL REFERENCES ` + users + `(id) ON DELETE CASCADE,
  body TEXT NULL,
  type TEXT NOT NULL DEFAULT 'text',
  file_path TEXT NULL,
  file_name TEXT NULL,
  file_size TEXT NULL,
  mime_type TEXT NULL,
  reply_to BIGINT NULL REFERENCES ` + messages + `(id) ON DELETE SET NULL,
  deleted_for BIGINT[] NOT NULL DEFAULT '{}',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+ident+` CASCADE`)
	})
	for _, stmt := range ddl {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return &pgFixture{pool: pool, schema: schema, store: st}
}

func skipUnreachable(err error) bool {
	if os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "dial tcp") ||
		strings.Contains(msg, "timeout")
}
