package ratelimit

import (
	"sync"
	"time"
)

// Keyed is a sliding-window rate limiter over an arbitrary set of
// keys. Each key keeps the timestamps of its recent requests; stamps
// older than the window are trimmed before the new request is
// counted.
type Keyed struct {
	mu          sync.Mutex
	requests    map[string][]time.Time
	limits      map[string]int
	defaultRate int
	window      time.Duration
	now         func() time.Time
}

// NewKeyed creates a limiter allowing defaultRate requests per window
// for any key without an explicit limit.
func NewKeyed(defaultRate int, window time.Duration) *Keyed {
	return &Keyed{
		requests:    make(map[string][]time.Time),
		limits:      make(map[string]int),
		defaultRate: defaultRate,
		window:      window,
		now:         time.Now,
	}
}

// SetLimit overrides the per-window allowance for one key. A rate of
// zero or less removes the override.
func (k *Keyed) SetLimit(key string, rate int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if rate <= 0 {
		delete(k.limits, key)
		return
	}
	k.limits[key] = rate
}

// Limit reports the allowance currently in effect for key.
func (k *Keyed) Limit(key string) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.limitLocked(key)
}

// Allow records a request for key and reports whether it fits within
// the key's window allowance. Denied requests are not recorded.
func (k *Keyed) Allow(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	stamps := k.trimLocked(key, now)
	if len(stamps) >= k.limitLocked(key) {
		k.requests[key] = stamps
		return false
	}
	k.requests[key] = append(stamps, now)
	return true
}

// Remaining reports how many requests key can still make in the
// current window.
func (k *Keyed) Remaining(key string) int {
	k.mu.Lock()
	defer k.mu.Unlock()

	stamps := k.trimLocked(key, k.now())
	k.requests[key] = stamps
	if left := k.limitLocked(key) - len(stamps); left > 0 {
		return left
	}
	return 0
}

// Forget drops all state for key.
func (k *Keyed) Forget(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.requests, key)
	delete(k.limits, key)
}

func (k *Keyed) limitLocked(key string) int {
	if rate, ok := k.limits[key]; ok {
		return rate
	}
	return k.defaultRate
}

func (k *Keyed) trimLocked(key string, now time.Time) []time.Time {
	cutoff := now.Add(-k.window)
	stamps := k.requests[key]
	for len(stamps) > 0 && !stamps[0].After(cutoff) {
		stamps = stamps[1:]
	}
	return stamps
}
