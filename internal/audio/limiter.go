package audio

import "time"

// RateLimiter paces fixed-size chunks at a target rate. The schedule starts
// half an interval in the past so the first chunk goes out immediately, and
// every send advances the schedule by exactly one interval so jitter in the
// actual sleeps never accumulates.
type RateLimiter struct {
	chunkSize int
	interval  time.Duration

	next    time.Time
	pending int

	now   func() time.Time
	sleep func(time.Duration)
}

// NewRateLimiter creates a limiter for chunkSize samples at chunksPerSecond
func NewRateLimiter(chunkSize int, chunksPerSecond float64) *RateLimiter {
	return newRateLimiter(chunkSize, chunksPerSecond, time.Now, time.Sleep)
}

func newRateLimiter(chunkSize int, chunksPerSecond float64, now func() time.Time, sleep func(time.Duration)) *RateLimiter {
	if chunkSize < 1 {
		chunkSize = 1
	}
	if chunksPerSecond <= 0 {
		chunksPerSecond = 1
	}

	interval := time.Duration(float64(time.Second) / chunksPerSecond)
	return &RateLimiter{
		chunkSize: chunkSize,
		interval:  interval,
		next:      now().Add(-interval / 2),
		now:       now,
		sleep:     sleep,
	}
}

// Interval returns the time between two chunks
func (l *RateLimiter) Interval() time.Duration {
	return l.interval
}

// Tick accounts for n more samples. Once at least one chunk is ready it
// waits for the chunk's slot and reports true; otherwise it returns false
// immediately.
func (l *RateLimiter) Tick(n int) bool {
	l.pending += n
	if l.pending < l.chunkSize {
		return false
	}
	l.pending -= l.chunkSize

	if wait := l.next.Sub(l.now()); wait > l.interval/2 {
		l.sleep(wait)
	}
	l.next = l.next.Add(l.interval)
	return true
}
