package gateway

import (
	"sync"
	"time"
)

// Default per-client limits
const (
	DefaultRequestsPerMinute = 120
	DefaultMaxConcurrent     = 10
)

const rateWindow = time.Minute

// ClientRateLimiter bounds one client's requests over a sliding one-minute
// window and the number it may have in flight.
type ClientRateLimiter struct {
	mu            sync.Mutex
	perMinute     int
	maxConcurrent int
	started       []time.Time
	inFlight      int
	now           func() time.Time
}

// NewClientRateLimiter creates a limiter. Non-positive values fall back to
// the defaults.
func NewClientRateLimiter(perMinute, maxConcurrent int) *ClientRateLimiter {
	l := &ClientRateLimiter{now: time.Now}
	l.SetLimits(perMinute, maxConcurrent)
	return l
}

// Acquire admits one request or returns the *RPCError to send back. Every
// successful Acquire must be paired with Release.
func (l *ClientRateLimiter) Acquire() *RPCError {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inFlight >= l.maxConcurrent {
		return &RPCError{Code: TooManyConcurrent, Message: "too many concurrent requests"}
	}
	now := l.now()
	l.pruneLocked(now)
	if len(l.started) >= l.perMinute {
		return &RPCError{Code: RateLimitExceeded, Message: "rate limit exceeded"}
	}

	l.started = append(l.started, now)
	l.inFlight++
	return nil
}

// Release marks an admitted request finished
func (l *ClientRateLimiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight > 0 {
		l.inFlight--
	}
}

// SetLimits replaces both limits, applying the same defaults as the
// constructor
func (l *ClientRateLimiter) SetLimits(perMinute, maxConcurrent int) {
	if perMinute <= 0 {
		perMinute = DefaultRequestsPerMinute
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}

	l.mu.Lock()
	l.perMinute = perMinute
	l.maxConcurrent = maxConcurrent
	l.mu.Unlock()
}

// Stats returns requests started within the window and those in flight
func (l *ClientRateLimiter) Stats() (recent, inFlight int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	return len(l.started), l.inFlight
}

func (l *ClientRateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(l.started) && !l.started[i].After(cutoff) {
		i++
	}
	l.started = l.started[i:]
}
