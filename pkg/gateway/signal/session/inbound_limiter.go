package session

import "time"

// Drop reasons reported by inboundAudioLimiter.Allow.
const (
	dropFrameRate     = "frame_rate"
	dropByteRate      = "byte_rate"
	dropFrameTooLarge = "frame_too_large"
)

// inboundAudioLimiter budgets inbound audio per session. The byte bucket
// always holds at least one analysis window, so a throttled client still
// completes windows, only later. A nil limiter allows everything.
type inboundAudioLimiter struct {
	now    func() time.Time
	frames *bucket
	bytes  *bucket
}

// bucket refills at rate tokens per second up to capacity. last advances by
// whole tokens only, so fractional credit carries to the next refill.
type bucket struct {
	rate     int64
	capacity int64
	tokens   int64
	last     time.Time
}

func newBucket(rate, capacity int64, now time.Time) *bucket {
	if rate <= 0 {
		return nil
	}
	return &bucket{rate: rate, capacity: capacity, tokens: capacity, last: now}
}

func (b *bucket) refill(now time.Time) {
	if b == nil {
		return
	}
	if b.tokens >= b.capacity {
		b.last = now
		return
	}
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	add := elapsed.Nanoseconds() * b.rate / int64(time.Second)
	if add <= 0 {
		return
	}
	b.tokens = min(b.tokens+add, b.capacity)
	if b.tokens == b.capacity {
		b.last = now
		return
	}
	b.last = b.last.Add(time.Duration(add * int64(time.Second) / b.rate))
}

func (b *bucket) has(n int64) bool {
	return b == nil || b.tokens >= n
}

func (b *bucket) take(n int64) {
	if b != nil {
		b.tokens -= n
	}
}

// newInboundAudioLimiter returns nil when both fps and bps are disabled.
// windowBytes is the session's analysis threshold.
func newInboundAudioLimiter(now func() time.Time, fps int, bps int64, burstSeconds, windowBytes int) *inboundAudioLimiter {
	if fps <= 0 && bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	burst := int64(max(burstSeconds, 1))
	start := now()

	l := &inboundAudioLimiter{now: now}
	if fps > 0 {
		l.frames = newBucket(int64(fps), int64(fps)*burst, start)
	}
	if bps > 0 {
		l.bytes = newBucket(bps, max(bps*burst, int64(max(windowBytes, 0))), start)
	}
	return l
}

// Allow consumes one frame and frameBytes bytes when both budgets have room.
// It returns "" when the frame is accepted, otherwise the drop reason.
func (l *inboundAudioLimiter) Allow(frameBytes int) string {
	if l == nil {
		return ""
	}
	n := int64(max(frameBytes, 0))
	if l.bytes != nil && n > l.bytes.capacity {
		return dropFrameTooLarge
	}

	now := l.now()
	l.frames.refill(now)
	l.bytes.refill(now)

	if !l.frames.has(1) {
		return dropFrameRate
	}
	if !l.bytes.has(n) {
		return dropByteRate
	}
	l.frames.take(1)
	l.bytes.take(n)
	return ""
}
