package session

import "sync"

// Accumulator buffers raw audio bytes for one session until a threshold is
// reached. All methods are safe for concurrent use.
type Accumulator struct {
	mu  sync.Mutex
	buf []byte
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Append copies chunk onto the end of the buffer.
func (a *Accumulator) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	a.mu.Lock()
	a.buf = append(a.buf, chunk...)
	a.mu.Unlock()
}

// DrainIfOverThreshold returns the whole buffer and resets it to empty when
// it holds at least threshold bytes. The returned slice is not shared with
// the accumulator. Below the threshold it returns nil, false and leaves the
// buffer untouched.
func (a *Accumulator) DrainIfOverThreshold(threshold int) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.buf) == 0 || len(a.buf) < threshold {
		return nil, false
	}
	out := a.buf
	a.buf = nil
	return out, true
}

// AppendAndDrain appends chunk and then drains as one critical section.
func (a *Accumulator) AppendAndDrain(chunk []byte, threshold int) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buf = append(a.buf, chunk...)
	if len(a.buf) == 0 || len(a.buf) < threshold {
		return nil, false
	}
	out := a.buf
	a.buf = nil
	return out, true
}

func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

// Snapshot returns a copy of the buffered bytes.
func (a *Accumulator) Snapshot() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]byte, len(a.buf))
	copy(out, a.buf)
	return out
}
