// Package ratelimit implements a process-local fixed-window request counter.
package ratelimit

import (
	"sync"
	"time"
)

// Result describes the state of a bucket after one request was counted.
type Result struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
	Allowed   bool
}

// RetryAfter is the time left until the window resets, rounded up to a
// whole second and never below one.
func (r Result) RetryAfter(now time.Time) time.Duration {
	d := r.ResetAt.Sub(now)
	if d <= 0 {
		return time.Second
	}
	return (d + time.Second - 1).Truncate(time.Second)
}

type bucket struct {
	count   int
	resetAt time.Time
}

// Limiter counts requests per key in fixed windows. Every call is counted,
// including rejected ones.
type Limiter struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	buckets map[string]*bucket
}

// New returns a Limiter with the given window. A non-positive window
// defaults to one minute.
func New(window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		window:  window,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// WithClock overrides the time source. Intended for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration { return l.window }

// Take counts one request against key and reports whether it fits in limit.
func (l *Limiter) Take(key string, limit int) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{resetAt: now.Add(l.window)}
		l.buckets[key] = b
	}
	if now.After(b.resetAt) {
		b.count = 0
		b.resetAt = now.Add(l.window)
	}
	b.count++

	return Result{
		Limit:     limit,
		Remaining: max(0, limit-b.count),
		ResetAt:   b.resetAt,
		Allowed:   b.count <= limit,
	}
}

// Sweep drops buckets whose window ended before now and returns how many
// were removed.
func (l *Limiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for key, b := range l.buckets {
		if now.After(b.resetAt) {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
