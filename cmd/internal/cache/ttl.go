// Package cache is a process-local key/value store with per-entry expiry.
// It backs presence in single-instance deployments.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type entry struct {
	value     string
	expiresAt time.Time
}

// TTL is safe for concurrent use. Expired entries are invisible immediately
// and reclaimed by Sweep (or Run).
type TTL struct {
	mu    sync.RWMutex
	items map[string]entry
	now   func() time.Time
}

type Option func(*TTL)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(c *TTL) {
		if now != nil {
			c.now = now
		}
	}
}

func NewTTL(opts ...Option) *TTL {
	c := &TTL{
		items: make(map[string]entry),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Put stores value under key until ttl elapses. ttl <= 0 deletes the key.
func (c *TTL) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		delete(c.items, key)
		return nil
	}
	c.items[key] = entry{value: value, expiresAt: c.now().Add(ttl)}
	return nil
}

// Get returns the live value for key.
func (c *TTL) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()

	if !ok || !c.now().Before(e.expiresAt) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (c *TTL) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := c.Get(ctx, key)
	return ok, err
}

func (c *TTL) Forget(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// Len counts stored entries, including expired ones not yet swept.
func (c *TTL) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Sweep drops expired entries and returns how many were removed.
func (c *TTL) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k, e := range c.items {
		if !now.Before(e.expiresAt) {
			delete(c.items, k)
			n++
		}
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (c *TTL) Run(ctx context.Context, log *slog.Logger, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := c.Sweep(); n > 0 && log != nil {
				log.Debug("cache.sweep", "removed", n, "remaining", c.Len())
			}
		}
	}
}
