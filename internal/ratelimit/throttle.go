package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttler guards anonymous endpoints. Implementations must be safe for
// concurrent use.
type Throttler interface {
	// Allow reports whether a request identified by key may proceed, along
	// with the bucket state for response headers.
	Allow(key string) (allowed bool, info Info)

	// Close stops background goroutines.
	Close()
}

// Info contains bucket state for populating response headers.
type Info struct {
	Limit      int           // Requests per minute
	Remaining  int           // Approximate tokens remaining
	ResetAt    time.Time     // When the bucket will be full again
	RetryAfter time.Duration // Only meaningful when denied
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Throttle keeps one token bucket per key. Buckets idle for twice the
// cleanup interval are evicted.
type Throttle struct {
	rate            rate.Limit
	burst           int
	perMinute       int
	cleanupInterval time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
	done    chan struct{}
	closed  bool
}

var _ Throttler = (*Throttle)(nil)

// NewThrottle starts a throttle allowing requestsPerMinute with the given
// burst. It runs an eviction goroutine until Close.
func NewThrottle(requestsPerMinute int, burst int, cleanupInterval time.Duration) *Throttle {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 1
	}
	if burst <= 0 {
		burst = 1
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}

	t := &Throttle{
		rate:            rate.Every(time.Minute / time.Duration(requestsPerMinute)),
		burst:           burst,
		perMinute:       requestsPerMinute,
		cleanupInterval: cleanupInterval,
		buckets:         make(map[string]*bucket),
		done:            make(chan struct{}),
	}
	go t.cleanup()
	return t
}

func (t *Throttle) Allow(key string) (bool, Info) {
	now := time.Now()

	t.mu.Lock()
	b, ok := t.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(t.rate, t.burst)}
		t.buckets[key] = b
	}
	b.lastSeen = now
	t.mu.Unlock()

	allowed := b.limiter.AllowN(now, 1)

	tokens := b.limiter.TokensAt(now)
	info := Info{
		Limit:     t.perMinute,
		Remaining: int(math.Max(0, math.Floor(tokens))),
		ResetAt:   now,
	}
	if missing := float64(t.burst) - tokens; missing > 0 {
		info.ResetAt = now.Add(time.Duration(missing / float64(t.rate) * float64(time.Second)))
	}

	if !allowed {
		r := b.limiter.ReserveN(now, 1)
		info.RetryAfter = r.DelayFrom(now)
		r.CancelAt(now)
	}

	return allowed, info
}

// Close stops the eviction goroutine. It is safe to call more than once.
func (t *Throttle) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
}

func (t *Throttle) cleanup() {
	ticker := time.NewTicker(t.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.evictIdle(time.Now())
		}
	}
}

func (t *Throttle) evictIdle(now time.Time) int {
	cutoff := now.Add(-2 * t.cleanupInterval)

	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := 0
	for key, b := range t.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(t.buckets, key)
			evicted++
		}
	}
	return evicted
}
