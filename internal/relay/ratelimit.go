package relay

import (
	"sync"
	"time"
)

// publishesPerMinute is the per-IP publish budget.
const publishesPerMinute = 120

// rateBucket is a fixed-size ring of timestamps for one IP.
type rateBucket struct {
	times [publishesPerMinute]time.Time
	head  int
	count int
}

func (b *rateBucket) trim(cutoff time.Time) {
	for b.count > 0 {
		if b.times[b.head].After(cutoff) {
			break
		}
		b.head = (b.head + 1) % publishesPerMinute
		b.count--
	}
}

// rateLimiter is a per-IP sliding window limiter.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rateBucket
	now     func() time.Time
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{buckets: make(map[string]*rateBucket), now: time.Now}
}

func (l *rateLimiter) allow(ip string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[ip]
	if !ok {
		b = &rateBucket{}
		l.buckets[ip] = b
	}
	b.trim(now.Add(-time.Minute))
	if b.count >= publishesPerMinute {
		return false
	}
	b.times[(b.head+b.count)%publishesPerMinute] = now
	b.count++
	return true
}

// cleanup removes buckets with no recent publishes.
func (l *rateLimiter) cleanup() {
	cutoff := l.now().Add(-time.Minute)

	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, b := range l.buckets {
		b.trim(cutoff)
		if b.count == 0 {
			delete(l.buckets, ip)
		}
	}
}
