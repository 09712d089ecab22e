package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vango-go/vai-signal/pkg/core/signal"
)

type fakeConn struct {
	id      string
	open    atomic.Bool
	sendErr error

	mu       sync.Mutex
	sent     []signal.Signal
	canceled atomic.Int64
}

func newFakeConn(id string) *fakeConn {
	c := &fakeConn{id: id}
	c.open.Store(true)
	return c
}

func (c *fakeConn) ID() string   { return c.id }
func (c *fakeConn) IsOpen() bool { return c.open.Load() }
func (c *fakeConn) Cancel()      { c.canceled.Add(1) }

func (c *fakeConn) Send(sig signal.Signal) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sig)
	return nil
}

func (c *fakeConn) signals() []signal.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]signal.Signal(nil), c.sent...)
}

func TestRegistry_AddRemove_CountAndWait(t *testing.T) {
	r := NewRegistry()
	if r.Count() != 0 {
		t.Fatalf("initial count=%d, want 0", r.Count())
	}

	rm1 := r.Add(newFakeConn("s1"))
	rm2 := r.Add(newFakeConn("s2"))
	if r.Count() != 2 {
		t.Fatalf("count=%d, want 2", r.Count())
	}

	rm1()
	rm1()
	if r.Count() != 1 {
		t.Fatalf("count=%d, want 1", r.Count())
	}
	if _, ok := r.Get("s1"); ok {
		t.Fatalf("s1 still registered")
	}

	r.Remove("s2")
	rm2()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if !r.Wait(ctx) {
		t.Fatalf("expected Wait to return true")
	}
}

func TestRegistry_WaitTimesOutWhileRegistered(t *testing.T) {
	r := NewRegistry()
	r.Add(newFakeConn("s1"))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if r.Wait(ctx) {
		t.Fatalf("expected Wait to time out")
	}
}

func TestRegistry_ReplaceKeepsNewestRegistration(t *testing.T) {
	r := NewRegistry()
	oldConn := newFakeConn("s1")
	newConn := newFakeConn("s1")

	rmOld := r.Add(oldConn)
	r.Add(newConn)
	rmOld()

	got, ok := r.Get("s1")
	if !ok || got != Conn(newConn) {
		t.Fatalf("expected newest registration to survive stale remove")
	}
}

func TestRegistry_PushRoutesToSession(t *testing.T) {
	r := NewRegistry()
	a, b := newFakeConn("a"), newFakeConn("b")
	r.Add(a)
	r.Add(b)

	sig := signal.Signal{Type: signal.KindRiskDetected, Title: "Latency Concern"}
	delivered, err := r.Push("a", sig)
	if err != nil || !delivered {
		t.Fatalf("Push() delivered=%v err=%v", delivered, err)
	}
	if len(a.signals()) != 1 || len(b.signals()) != 0 {
		t.Fatalf("signal not routed to a only: a=%d b=%d", len(a.signals()), len(b.signals()))
	}
}

func TestRegistry_PushUnknownOrClosedIsNoop(t *testing.T) {
	r := NewRegistry()
	closed := newFakeConn("closed")
	closed.open.Store(false)
	r.Add(closed)

	for _, id := range []string{"missing", "closed"} {
		delivered, err := r.Push(id, signal.Signal{Type: signal.KindIdle})
		if delivered || err != nil {
			t.Fatalf("Push(%q) delivered=%v err=%v, want false,nil", id, delivered, err)
		}
	}
	if len(closed.signals()) != 0 {
		t.Fatalf("closed session received a signal")
	}
	if r.IsOpen("closed") || r.IsOpen("missing") {
		t.Fatalf("IsOpen must be false for closed/missing sessions")
	}
}

func TestRegistry_PushReportsSendError(t *testing.T) {
	r := NewRegistry()
	c := newFakeConn("s")
	c.sendErr = errors.New("queue full")
	r.Add(c)
	if delivered, err := r.Push("s", signal.Signal{}); delivered || err == nil {
		t.Fatalf("Push() delivered=%v err=%v", delivered, err)
	}
}

func TestRegistry_BroadcastAndCancelAll(t *testing.T) {
	r := NewRegistry()
	a, b, c := newFakeConn("a"), newFakeConn("b"), newFakeConn("c")
	c.open.Store(false)
	r.Add(a)
	r.Add(b)
	r.Add(c)

	if sent := r.Broadcast(signal.Draining(time.Now())); sent != 2 {
		t.Fatalf("sent=%d, want 2", sent)
	}
	if n := r.CancelAll(); n != 3 {
		t.Fatalf("canceled=%d, want 3", n)
	}
	if a.canceled.Load() != 1 || b.canceled.Load() != 1 || c.canceled.Load() != 1 {
		t.Fatalf("cancel calls=%d/%d/%d", a.canceled.Load(), b.canceled.Load(), c.canceled.Load())
	}
}

func TestRegistry_RangeIteratesSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Add(newFakeConn("a"))
	r.Add(newFakeConn("b"))

	seen := 0
	r.Range(func(Conn) bool {
		r.Add(newFakeConn("late"))
		seen++
		return true
	})
	if seen != 2 {
		t.Fatalf("seen=%d, want 2", seen)
	}
	if len(r.Snapshot()) != 3 {
		t.Fatalf("snapshot=%d, want 3", len(r.Snapshot()))
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := newFakeConn(fmt.Sprintf("s%d", i))
			remove := r.Add(c)
			_, _ = r.Push(c.ID(), signal.Signal{Type: signal.KindIdle})
			r.Broadcast(signal.Signal{Type: signal.KindIdle})
			_ = r.Count()
			remove()
		}(i)
	}
	wg.Wait()
	if r.Count() != 0 {
		t.Fatalf("count=%d after all removals", r.Count())
	}
}
