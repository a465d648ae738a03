package keyserver

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"
)

// Limiter rate limits requests per key. Buckets idle for longer than ttl are
// dropped by a sweep that runs at most once per ttl.
type Limiter[K comparable] struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	ttl       time.Duration
	entries   map[K]*bucket
	lastSweep time.Time
	now       func() time.Time
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// PrincipalLimiter keys on authenticated principals.
type PrincipalLimiter = Limiter[common.Address]

// RemoteLimiter keys on the caller's network address, before authentication.
type RemoteLimiter = Limiter[string]

// NewLimiter allows perSecond requests per key with the given burst. A
// non-positive perSecond disables limiting.
func NewLimiter[K comparable](perSecond float64, burst int, ttl time.Duration) *Limiter[K] {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter[K]{
		limit:   limit,
		burst:   burst,
		ttl:     ttl,
		entries: make(map[K]*bucket),
		now:     time.Now,
	}
}

func NewPrincipalLimiter(perSecond float64, burst int, ttl time.Duration) *PrincipalLimiter {
	return NewLimiter[common.Address](perSecond, burst, ttl)
}

func NewRemoteLimiter(perSecond float64, burst int, ttl time.Duration) *RemoteLimiter {
	return NewLimiter[string](perSecond, burst, ttl)
}

func (l *Limiter[K]) Allow(key K) bool {
	if l == nil || l.limit == rate.Inf {
		return true
	}

	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.ttl {
		l.sweepLocked(now)
	}

	b := l.entries[key]
	if b == nil {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = b
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1)
}

func (l *Limiter[K]) sweepLocked(now time.Time) {
	for k, v := range l.entries {
		if now.Sub(v.lastSeen) > l.ttl {
			delete(l.entries, k)
		}
	}
	l.lastSweep = now
}

// Len returns the number of tracked keys.
func (l *Limiter[K]) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
