package ratelimit

import (
	"sync"
	"time"
)

// Token bucket refilled continuously at rate tokens per second.
type Limiter struct {
	rate       float64
	burst      int
	tokens     float64
	lastUpdate time.Time
	now        func() time.Time
	mu         sync.Mutex
}

func NewLimiter(rate float64, burst int) *Limiter {
	return newLimiter(rate, burst, time.Now)
}

func newLimiter(rate float64, burst int, now func() time.Time) *Limiter {
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: now(),
		now:        now,
	}
}

func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		return true
	}
	return false
}

func (l *Limiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.lastUpdate).Seconds()
	l.lastUpdate = now

	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
}

// idle reports whether the bucket is full and untouched since before cutoff,
// so dropping it loses nothing.
func (l *Limiter) idle(cutoff time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.lastUpdate.Before(cutoff) {
		return false
	}
	l.refill()
	return l.tokens >= float64(l.burst)
}

type Option func(*ClientLimiters)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(cl *ClientLimiters) { cl.now = now }
}

func WithCleanupInterval(d time.Duration) Option {
	return func(cl *ClientLimiters) { cl.cleanupInterval = d }
}

// WithIdleTTL sets how long a key must be unused before its limiter is dropped.
func WithIdleTTL(d time.Duration) Option {
	return func(cl *ClientLimiters) { cl.idleTTL = d }
}

// ClientLimiters keeps one Limiter per key, such as a remote host.
type ClientLimiters struct {
	limiters        map[string]*Limiter
	rate            float64
	burst           int
	now             func() time.Time
	mu              sync.RWMutex
	cleanupInterval time.Duration
	idleTTL         time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
}

func NewClientLimiters(rate float64, burst int, opts ...Option) *ClientLimiters {
	cl := &ClientLimiters{
		limiters:        make(map[string]*Limiter),
		rate:            rate,
		burst:           burst,
		now:             time.Now,
		cleanupInterval: 5 * time.Minute,
		idleTTL:         10 * time.Minute,
		stop:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(cl)
	}
	go cl.cleanup()
	return cl
}

func (cl *ClientLimiters) Get(key string) *Limiter {
	cl.mu.RLock()
	limiter, ok := cl.limiters[key]
	cl.mu.RUnlock()

	if ok {
		return limiter
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if limiter, ok := cl.limiters[key]; ok {
		return limiter
	}

	limiter = newLimiter(cl.rate, cl.burst, cl.now)
	cl.limiters[key] = limiter
	return limiter
}

func (cl *ClientLimiters) Allow(key string) bool {
	return cl.Get(key).Allow()
}

func (cl *ClientLimiters) Len() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.limiters)
}

// Sweep drops limiters that have been idle for the idle TTL.
func (cl *ClientLimiters) Sweep() int {
	cutoff := cl.now().Add(-cl.idleTTL)

	cl.mu.Lock()
	defer cl.mu.Unlock()

	removed := 0
	for key, l := range cl.limiters {
		if l.idle(cutoff) {
			delete(cl.limiters, key)
			removed++
		}
	}
	return removed
}

func (cl *ClientLimiters) Stop() {
	cl.stopOnce.Do(func() { close(cl.stop) })
}

func (cl *ClientLimiters) cleanup() {
	ticker := time.NewTicker(cl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cl.stop:
			return
		case <-ticker.C:
			cl.Sweep()
		}
	}
}
