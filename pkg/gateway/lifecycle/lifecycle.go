// Package lifecycle tracks process start and drain state for readiness
// probes and upgrade admission.
package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle is shared by handlers. The zero value is usable and reports a
// zero start time.
type Lifecycle struct {
	startedAt     time.Time
	draining      atomic.Bool
	drainingSince atomic.Int64
}

func New(now time.Time) *Lifecycle {
	return &Lifecycle{startedAt: now}
}

// SetDraining flips drain mode. The first transition to draining is
// timestamped; leaving drain mode clears it.
func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	if draining {
		if l.draining.CompareAndSwap(false, true) {
			l.drainingSince.Store(time.Now().UnixNano())
		}
		return
	}
	l.draining.Store(false)
	l.drainingSince.Store(0)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// DrainingSince returns when draining began, or the zero time.
func (l *Lifecycle) DrainingSince() time.Time {
	if l == nil {
		return time.Time{}
	}
	ns := l.drainingSince.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (l *Lifecycle) Uptime(now time.Time) time.Duration {
	if l == nil || l.startedAt.IsZero() {
		return 0
	}
	return now.Sub(l.startedAt)
}
