package ratelimit

import (
	"testing"
	"time"
)

func TestAcquireSession_EnforcesConcurrency(t *testing.T) {
	l := New(Config{MaxSessionsPerClient: 1})
	now := time.Now()

	first := l.AcquireSession("c1", now)
	if !first.Allowed || first.Permit == nil {
		t.Fatalf("first allowed=%v permit=%v", first.Allowed, first.Permit)
	}

	second := l.AcquireSession("c1", now)
	if second.Allowed {
		t.Fatalf("second should be denied")
	}
	if other := l.AcquireSession("c2", now); !other.Allowed {
		t.Fatalf("other client should be allowed")
	}

	first.Permit.Release()
	first.Permit.Release()
	third := l.AcquireSession("c1", now)
	if !third.Allowed {
		t.Fatalf("third should be allowed after release")
	}
}

func TestAcquireRequest_TokenBucket(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 2})
	now := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		if dec := l.AcquireRequest("c1", now); !dec.Allowed {
			t.Fatalf("request %d denied within burst", i)
		}
	}
	dec := l.AcquireRequest("c1", now)
	if dec.Allowed {
		t.Fatalf("expected deny after burst")
	}
	if dec.RetryAfter != 1 {
		t.Fatalf("retry_after=%d, want 1", dec.RetryAfter)
	}

	if dec := l.AcquireRequest("c1", now.Add(time.Second)); !dec.Allowed {
		t.Fatalf("expected allow after refill")
	}
}

func TestLimiter_DisabledAllowsEverything(t *testing.T) {
	var nilLimiter *Limiter
	if !nilLimiter.AcquireRequest("c", time.Now()).Allowed {
		t.Fatalf("nil limiter must allow requests")
	}
	dec := New(Config{}).AcquireSession("c", time.Now())
	if !dec.Allowed || dec.Permit == nil {
		t.Fatalf("disabled session limit must allow with a no-op permit")
	}
	dec.Permit.Release()
	if (Config{}).Enabled() {
		t.Fatalf("empty config should report disabled")
	}
}

func TestLimiter_EvictsIdleEntries(t *testing.T) {
	l := New(Config{RPS: 10, Burst: 10, MaxEntries: 2, EntryTTL: time.Minute})
	now := time.Now()
	l.AcquireRequest("a", now)
	l.AcquireRequest("b", now)
	l.AcquireRequest("c", now.Add(2*time.Minute))
	if n := l.Len(); n > 2 {
		t.Fatalf("len=%d, want <= 2", n)
	}
}
