package app

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"pairchat/cmd/identity"
	"pairchat/cmd/internal/chat"
)

// NewDBPool builds a pgxpool and validates connectivity.
// It does not apply infra/db/schema.sql.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := PingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// PingDB checks if we can acquire a connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

// stores bundles the user and message persistence the app runs on.
type stores struct {
	users    identity.Store
	messages chat.MessageStore
	pool     *pgxpool.Pool // nil in memory mode
}

func (s stores) close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// openStores picks Postgres when PAIRCHAT_DATABASE_URL is set and in-memory
// stores otherwise. The app owns the pool; the stores never close it.
func openStores(ctx context.Context, cfg Config, log Logger) (stores, error) {
	if cfg.DatabaseURL == "" {
		log.Warn("db.disabled.inmemory_store")
		return stores{users: identity.NewMemoryStore(), messages: chat.NewMemoryStore()}, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return stores{}, err
	}

	users, err := identity.NewPostgresStore(pool)
	if err != nil {
		pool.Close()
		return stores{}, err
	}
	messages, err := chat.NewPostgresStore(pool)
	if err != nil {
		pool.Close()
		return stores{}, err
	}

	log.Info("db.enabled.postgres_store", "max_conns", pool.Config().MaxConns)
	return stores{users: users, messages: messages, pool: pool}, nil
}
