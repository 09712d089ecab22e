// Package ratelimit keeps per-client request and session budgets in memory.
// Client keys come from the principal package; the limiter is single-process
// only.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

type Config struct {
	RPS   float64
	Burst int

	MaxSessionsPerClient int

	// Operational bounds for the in-memory map.
	MaxEntries int
	EntryTTL   time.Duration
}

// Enabled reports whether any limit is configured.
func (c Config) Enabled() bool {
	return (c.RPS > 0 && c.Burst > 0) || c.MaxSessionsPerClient > 0
}

type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*clientLimiter
}

type clientLimiter struct {
	mu sync.Mutex

	tb         tokenBucket
	sessionSem chan struct{}
	lastSeen   time.Time
}

type tokenBucket struct {
	tokens float64
	last   time.Time
	primed bool
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*clientLimiter),
	}
}

type Permit struct {
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

// AcquireRequest spends one request token for client.
func (l *Limiter) AcquireRequest(client string, now time.Time) Decision {
	if l == nil || l.cfg.RPS <= 0 || l.cfg.Burst <= 0 {
		return Decision{Allowed: true}
	}
	cl := l.getOrCreate(client, now)
	ok, retryAfter := cl.allowToken(now, l.cfg.RPS, l.cfg.Burst)
	return Decision{Allowed: ok, RetryAfter: retryAfter}
}

// AcquireSession reserves one concurrent websocket session for client. The
// returned permit must be released when the session ends.
func (l *Limiter) AcquireSession(client string, now time.Time) Decision {
	if l == nil || l.cfg.MaxSessionsPerClient <= 0 {
		return Decision{Allowed: true, Permit: &Permit{}}
	}
	cl := l.getOrCreate(client, now)
	select {
	case cl.sessionSem <- struct{}{}:
		return Decision{
			Allowed: true,
			Permit:  &Permit{release: func() { <-cl.sessionSem }},
		}
	default:
		return Decision{Allowed: false, RetryAfter: 1}
	}
}

func (l *Limiter) getOrCreate(client string, now time.Time) *clientLimiter {
	if client == "" {
		client = "anonymous"
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if cl, ok := l.m[client]; ok {
		cl.lastSeen = now
		return cl
	}
	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
	}
	cl := &clientLimiter{
		sessionSem: make(chan struct{}, max(1, l.cfg.MaxSessionsPerClient)),
		lastSeen:   now,
	}
	l.m[client] = cl
	return cl
}

// gcLocked evicts idle clients that hold no session permits. When the map is
// still full, one idle entry is dropped; bounded memory wins over fairness.
func (l *Limiter) gcLocked(now time.Time) {
	for k, v := range l.m {
		if now.Sub(v.lastSeen) > l.cfg.EntryTTL && len(v.sessionSem) == 0 {
			delete(l.m, k)
		}
	}
	if len(l.m) < l.cfg.MaxEntries {
		return
	}
	for k, v := range l.m {
		if len(v.sessionSem) == 0 {
			delete(l.m, k)
			return
		}
	}
}

func (cl *clientLimiter) allowToken(now time.Time, rps float64, burst int) (bool, int) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	capacity := float64(burst)
	if !cl.tb.primed {
		cl.tb = tokenBucket{tokens: capacity, last: now, primed: true}
	}

	elapsed := now.Sub(cl.tb.last).Seconds()
	if elapsed > 0 {
		cl.tb.tokens = math.Min(capacity, cl.tb.tokens+(elapsed*rps))
		cl.tb.last = now
	}

	if cl.tb.tokens >= 1.0 {
		cl.tb.tokens -= 1.0
		return true, 0
	}

	needed := 1.0 - cl.tb.tokens
	retryAfter := int(math.Ceil(needed / rps))
	return false, max(retryAfter, 1)
}

// Len reports how many clients are tracked.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
