package chatapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterSweepEvery = time.Minute

// limiterPool hands out one token bucket per key ("<uid>:<action>").
// Buckets idle long enough to have refilled completely are dropped, since a
// fresh bucket behaves the same.
type limiterPool struct {
	mu        sync.Mutex
	m         map[string]*pooledLimiter
	rps       rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type pooledLimiter struct {
	lim      *rate.Limiter
	lastUsed time.Time
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if burst <= 0 {
		burst = 1
	}
	idle := limiterSweepEvery
	if rps > 0 {
		if full := time.Duration(float64(burst) / rps * float64(time.Second)); full > idle {
			idle = full
		}
	}
	return &limiterPool{
		m:     make(map[string]*pooledLimiter),
		rps:   rate.Limit(rps),
		burst: burst,
		idle:  idle,
		now:   time.Now,
	}
}

func (p *limiterPool) get(key string, now time.Time) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if now.Sub(p.lastSweep) >= limiterSweepEvery {
		p.sweep(now)
	}
	if e, ok := p.m[key]; ok {
		e.lastUsed = now
		return e.lim
	}
	l := rate.NewLimiter(p.rps, p.burst)
	p.m[key] = &pooledLimiter{lim: l, lastUsed: now}
	return l
}

// sweep requires p.mu held.
func (p *limiterPool) sweep(now time.Time) {
	for k, e := range p.m {
		if now.Sub(e.lastUsed) >= p.idle {
			delete(p.m, k)
		}
	}
	p.lastSweep = now
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// allow reports whether the caller may proceed and, if not, how long to wait.
func (p *limiterPool) allow(uid int64, action string) (bool, time.Duration) {
	now := p.now()
	r := p.get(strconv.FormatInt(uid, 10)+":"+action, now).ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64(retryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
}
