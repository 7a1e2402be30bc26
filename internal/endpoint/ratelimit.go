package endpoint

import "time"

// RateLimiter counts requests inside a trailing window. It is not safe for
// concurrent use on its own; the owning Manager serializes access.
type RateLimiter struct {
	MaxRequests int
	Window      time.Duration

	// Now is overridable so tests can simulate the clock.
	Now func() time.Time

	requests []time.Time
}

func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	if maxRequests <= 0 {
		maxRequests = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		MaxRequests: maxRequests,
		Window:      window,
		Now:         time.Now,
	}
}

func (l *RateLimiter) now() time.Time {
	if l == nil || l.Now == nil {
		return time.Now()
	}
	return l.Now()
}

// prune drops timestamps that fell out of the window.
func (l *RateLimiter) prune(now time.Time) {
	kept := l.requests[:0]
	for _, t := range l.requests {
		if now.Sub(t) < l.Window {
			kept = append(kept, t)
		}
	}
	l.requests = kept
}

// Allow reports whether a new request fits inside the window.
func (l *RateLimiter) Allow() bool {
	if l == nil {
		return true
	}
	l.prune(l.now())
	return len(l.requests) < l.MaxRequests
}

// Record appends one request timestamp.
func (l *RateLimiter) Record() {
	if l == nil {
		return
	}
	l.requests = append(l.requests, l.now())
}

// WaitTime returns how long the caller must wait until the oldest request
// leaves the window. Zero means a request is already permitted.
func (l *RateLimiter) WaitTime() time.Duration {
	if l == nil {
		return 0
	}
	now := l.now()
	l.prune(now)
	if len(l.requests) < l.MaxRequests {
		return 0
	}
	oldest := l.requests[0]
	for _, t := range l.requests[1:] {
		if t.Before(oldest) {
			oldest = t
		}
	}
	wait := l.Window - now.Sub(oldest)
	if wait < 0 {
		return 0
	}
	return wait
}

// InFlight returns the number of requests currently inside the window.
func (l *RateLimiter) InFlight() int {
	if l == nil {
		return 0
	}
	l.prune(l.now())
	return len(l.requests)
}
