// Package sessions tracks the open signal connections of this process so
// asynchronous results can be routed back to the connection that produced
// the audio.
package sessions

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/vango-go/vai-signal/pkg/core/signal"
)

// Conn is the view of a session the registry needs.
type Conn interface {
	ID() string
	IsOpen() bool
	Send(sig signal.Signal) error
	Cancel()
}

// Registry maps session ids to connections. Reads are lock-free against an
// immutable snapshot; writers copy the map under mu and publish a new one.
type Registry struct {
	mu      sync.Mutex
	current atomic.Pointer[map[string]*entry]
	wg      sync.WaitGroup
}

type entry struct {
	conn Conn
	once sync.Once
}

func NewRegistry() *Registry {
	r := &Registry{}
	empty := make(map[string]*entry)
	r.current.Store(&empty)
	return r
}

func (r *Registry) load() map[string]*entry {
	if p := r.current.Load(); p != nil {
		return *p
	}
	return nil
}

// Add registers conn under conn.ID(). A connection already registered under
// the same id is replaced. The returned func removes this registration only.
func (r *Registry) Add(conn Conn) (remove func()) {
	if r == nil || conn == nil {
		return func() {}
	}
	id := conn.ID()
	e := &entry{conn: conn}

	r.mu.Lock()
	next := maps.Clone(r.load())
	if next == nil {
		next = make(map[string]*entry)
	}
	old := next[id]
	next[id] = e
	r.current.Store(&next)
	r.wg.Add(1)
	r.mu.Unlock()

	if old != nil {
		r.remove(id, old)
	}
	return func() { r.remove(id, e) }
}

// Remove deregisters whatever connection is registered under id.
func (r *Registry) Remove(id string) {
	if r == nil {
		return
	}
	if e := r.load()[id]; e != nil {
		r.remove(id, e)
	}
}

func (r *Registry) remove(id string, e *entry) {
	e.once.Do(func() {
		r.mu.Lock()
		cur := r.load()
		if cur[id] == e {
			next := maps.Clone(cur)
			delete(next, id)
			r.current.Store(&next)
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

func (r *Registry) Get(id string) (Conn, bool) {
	if r == nil {
		return nil, false
	}
	e, ok := r.load()[id]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// IsOpen reports whether id is registered and its connection is open.
func (r *Registry) IsOpen(id string) bool {
	conn, ok := r.Get(id)
	return ok && conn.IsOpen()
}

func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	return len(r.load())
}

// Range calls fn for each registered connection in the current snapshot
// until fn returns false. Concurrent Add/Remove do not affect the iteration.
func (r *Registry) Range(fn func(Conn) bool) {
	if r == nil {
		return
	}
	for _, e := range r.load() {
		if !fn(e.conn) {
			return
		}
	}
}

// Snapshot returns the registered connections at this instant.
func (r *Registry) Snapshot() []Conn {
	if r == nil {
		return nil
	}
	snap := r.load()
	out := make([]Conn, 0, len(snap))
	for _, e := range snap {
		out = append(out, e.conn)
	}
	return out
}

// Push delivers sig to the session registered under id. Unknown or closed
// sessions are a no-op reporting false.
func (r *Registry) Push(id string, sig signal.Signal) (bool, error) {
	conn, ok := r.Get(id)
	if !ok || !conn.IsOpen() {
		return false, nil
	}
	if err := conn.Send(sig); err != nil {
		return false, err
	}
	return true, nil
}

// Broadcast sends sig to every open session and returns how many accepted it.
func (r *Registry) Broadcast(sig signal.Signal) (sent int) {
	r.Range(func(conn Conn) bool {
		if conn.IsOpen() && conn.Send(sig) == nil {
			sent++
		}
		return true
	})
	return sent
}

func (r *Registry) CancelAll() (canceled int) {
	for _, conn := range r.Snapshot() {
		conn.Cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registration has been removed or ctx is done.
func (r *Registry) Wait(ctx context.Context) bool {
	if r == nil {
		return true
	}
	if ctx == nil {
		r.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
