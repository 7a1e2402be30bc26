package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"
)

type Strategy string

const (
	StrategyPriority     Strategy = "priority"
	StrategyRandom       Strategy = "random"
	StrategyLeastLatency Strategy = "least_latency"
	StrategyRoundRobin   Strategy = "round_robin"
)

// ErrExhausted is returned when every retry attempt has failed.
var ErrExhausted = errors.New("all api endpoints failed")

// maxRateLimitWait bounds how long a single attempt sleeps on a rate-limited
// endpoint before calling anyway.
const maxRateLimitWait = 5 * time.Second

// Manager owns the configured endpoints and answers "which endpoint next".
// Every endpoint mutation, including health counters updated around calls,
// happens under the manager mutex.
type Manager struct {
	mu       sync.Mutex
	eps      map[string]*Endpoint
	limiters map[string]*RateLimiter
	order    []string

	logger *slog.Logger

	// now is overridable in tests.
	now func() time.Time
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		eps:      make(map[string]*Endpoint),
		limiters: make(map[string]*RateLimiter),
		logger:   logger,
		now:      time.Now,
	}
}

// Add registers an endpoint and pairs it with a rate limiter sized to its
// per-minute quota. Re-adding a name replaces the previous configuration.
func (m *Manager) Add(ep Endpoint) error {
	if m == nil {
		return errors.New("manager is nil")
	}
	ep.Normalize()
	if ep.Name == "" {
		return errors.New("endpoint name is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.eps[ep.Name]; !exists {
		m.order = append(m.order, ep.Name)
	}
	cp := ep
	m.eps[ep.Name] = &cp
	limiter := NewRateLimiter(ep.MaxRequestsPerMinute, time.Minute)
	limiter.Now = m.now
	m.limiters[ep.Name] = limiter
	m.logger.Info("endpoint registered", "name", ep.Name, "priority", ep.Priority)
	return nil
}

func (m *Manager) Remove(name string) {
	if m == nil {
		return
	}
	name = strings.TrimSpace(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.eps[name]; !ok {
		return
	}
	delete(m.eps, name)
	delete(m.limiters, name)
	kept := m.order[:0]
	for _, n := range m.order {
		if n != name {
			kept = append(kept, n)
		}
	}
	m.order = kept
	m.logger.Info("endpoint removed", "name", name)
}

// Get returns a snapshot of one endpoint.
func (m *Manager) Get(name string) (Endpoint, bool) {
	if m == nil {
		return Endpoint{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.eps[strings.TrimSpace(name)]
	if !ok {
		return Endpoint{}, false
	}
	return *ep, true
}

// Has reports whether a name is registered.
func (m *Manager) Has(name string) bool {
	_, ok := m.Get(name)
	return ok
}

// SetNow swaps the clock; intended for tests.
func (m *Manager) SetNow(now func() time.Time) {
	if m == nil || now == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	for _, l := range m.limiters {
		l.Now = now
	}
}

// available must be called with the lock held. Failed endpoints past their
// cool-down are reactivated with the failure count reset; endpoints at their
// quota are marked rate_limited and skipped.
func (m *Manager) available(exclude map[string]bool) []*Endpoint {
	now := m.now()
	out := make([]*Endpoint, 0, len(m.eps))
	for _, name := range m.order {
		ep := m.eps[name]
		if ep == nil || exclude[name] {
			continue
		}
		if ep.Status == StatusFailed {
			if now.Sub(ep.LastFailure) < CoolDown {
				continue
			}
			ep.Status = StatusActive
			ep.FailureCount = 0
		}
		if limiter := m.limiters[name]; limiter != nil && !limiter.Allow() {
			ep.Status = StatusRateLimited
			continue
		}
		out = append(out, ep)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		ri, rj := out[i].SuccessRate(), out[j].SuccessRate()
		if ri != rj {
			return ri > rj
		}
		return out[i].AvgLatency() < out[j].AvgLatency()
	})
	return out
}

// Available returns snapshots of the selectable endpoints, best first.
func (m *Manager) Available(exclude ...string) []Endpoint {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	eps := m.available(toSet(exclude))
	out := make([]Endpoint, 0, len(eps))
	for _, ep := range eps {
		out = append(out, *ep)
	}
	return out
}

// Select picks one endpoint according to the strategy. The second return is
// false when nothing qualifies.
func (m *Manager) Select(strategy Strategy, exclude ...string) (Endpoint, bool) {
	if m == nil {
		return Endpoint{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ep := m.selectLocked(strategy, toSet(exclude))
	if ep == nil {
		return Endpoint{}, false
	}
	return *ep, true
}

func (m *Manager) selectLocked(strategy Strategy, exclude map[string]bool) *Endpoint {
	available := m.available(exclude)
	if len(available) == 0 {
		return nil
	}
	switch strategy {
	case StrategyRandom:
		return available[rand.Intn(len(available))]
	case StrategyLeastLatency:
		best := available[0]
		for _, ep := range available[1:] {
			if ep.AvgLatency() < best.AvgLatency() {
				best = ep
			}
		}
		return best
	case StrategyRoundRobin:
		best := available[0]
		for _, ep := range available[1:] {
			if ep.callCount() < best.callCount() {
				best = ep
			}
		}
		return best
	default:
		return available[0]
	}
}

// CallOptions tunes CallWithRetry.
type CallOptions struct {
	MaxRetries    int
	Strategy      Strategy
	BackoffFactor float64
}

func (o CallOptions) withDefaults() CallOptions {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.Strategy == "" {
		o.Strategy = StrategyPriority
	}
	if o.BackoffFactor <= 0 {
		o.BackoffFactor = 1.5
	}
	return o
}

// CallFunc performs one attempt against a specific endpoint.
type CallFunc func(ctx context.Context, ep Endpoint) (any, error)

// CallWithRetry tries endpoints until one call succeeds or the retry budget
// is spent. Each endpoint is tried at most once per invocation; when no
// endpoint qualifies the attempt waits backoff^attempt seconds. Backoff
// waits honor ctx cancellation.
func (m *Manager) CallWithRetry(ctx context.Context, fn CallFunc, opts CallOptions) (any, Endpoint, error) {
	if m == nil {
		return nil, Endpoint{}, errors.New("manager is nil")
	}
	if fn == nil {
		return nil, Endpoint{}, errors.New("call func is nil")
	}
	opts = opts.withDefaults()

	tried := make(map[string]bool)
	var lastErr error

	for attempt := 0; attempt < opts.MaxRetries; attempt++ {
		m.mu.Lock()
		picked := m.selectLocked(opts.Strategy, tried)
		if picked == nil {
			m.mu.Unlock()
			m.logger.Warn("no available endpoints", "attempt", attempt+1, "max", opts.MaxRetries)
			if attempt < opts.MaxRetries-1 {
				if err := sleepCtx(ctx, backoff(opts.BackoffFactor, attempt)); err != nil {
					return nil, Endpoint{}, err
				}
			}
			continue
		}
		name := picked.Name
		tried[name] = true

		var rateWait time.Duration
		if limiter := m.limiters[name]; limiter != nil {
			if !limiter.Allow() {
				rateWait = limiter.WaitTime()
				if rateWait > maxRateLimitWait {
					rateWait = maxRateLimitWait
				}
			}
			limiter.Record()
		}
		snapshot := *picked
		m.mu.Unlock()

		if rateWait > 0 {
			m.logger.Info("endpoint rate limited, waiting", "name", name, "wait", rateWait)
			if err := sleepCtx(ctx, rateWait); err != nil {
				return nil, Endpoint{}, err
			}
		}

		callCtx := ctx
		var cancel context.CancelFunc
		if snapshot.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, snapshot.Timeout)
		}
		start := m.clock()
		result, err := fn(callCtx, snapshot)
		latency := m.clock().Sub(start)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			m.RecordSuccess(name, latency)
			m.logger.Info("endpoint call succeeded", "name", name, "latency", latency)
			ep, _ := m.Get(name)
			return result, ep, nil
		}

		lastErr = err
		m.RecordFailure(name)
		m.logger.Warn("endpoint call failed", "name", name, "attempt", attempt+1, "max", opts.MaxRetries, "err", err)
		if attempt < opts.MaxRetries-1 {
			if werr := sleepCtx(ctx, backoff(opts.BackoffFactor, attempt)); werr != nil {
				return nil, Endpoint{}, werr
			}
		}
	}

	if lastErr != nil {
		return nil, Endpoint{}, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, opts.MaxRetries, lastErr)
	}
	return nil, Endpoint{}, fmt.Errorf("%w after %d attempts", ErrExhausted, opts.MaxRetries)
}

// RecordSuccess updates health counters for callers that manage their own
// call path (the llm router uses this).
func (m *Manager) RecordSuccess(name string, latency time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.eps[strings.TrimSpace(name)]
	if !ok {
		return
	}
	ep.SuccessCount++
	ep.TotalLatency += latency
	ep.LastSuccess = m.now()
	ep.Status = StatusActive
}

// RecordFailure updates health counters; three consecutive failures mark the
// endpoint failed until the cool-down elapses.
func (m *Manager) RecordFailure(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.eps[strings.TrimSpace(name)]
	if !ok {
		return
	}
	ep.FailureCount++
	ep.LastFailure = m.now()
	if ep.FailureCount >= 3 {
		ep.Status = StatusFailed
		m.logger.Error("endpoint marked failed", "name", name, "failures", ep.FailureCount)
	}
}

// EndpointStats is the per-endpoint view returned by Stats.
type EndpointStats struct {
	Status       Status        `json:"status"`
	Priority     int           `json:"priority"`
	SuccessCount int           `json:"success_count"`
	FailureCount int           `json:"failure_count"`
	SuccessRate  float64       `json:"success_rate"`
	AvgLatency   time.Duration `json:"avg_latency"`
	WindowUsed   int           `json:"window_used"`
	WindowQuota  int           `json:"window_quota"`
}

func (m *Manager) Stats() map[string]EndpointStats {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]EndpointStats, len(m.eps))
	for name, ep := range m.eps {
		used := 0
		if limiter := m.limiters[name]; limiter != nil {
			used = limiter.InFlight()
		}
		out[name] = EndpointStats{
			Status:       ep.Status,
			Priority:     ep.Priority,
			SuccessCount: ep.SuccessCount,
			FailureCount: ep.FailureCount,
			SuccessRate:  ep.SuccessRate(),
			AvgLatency:   ep.AvgLatency(),
			WindowUsed:   used,
			WindowQuota:  ep.MaxRequestsPerMinute,
		}
	}
	return out
}

func (m *Manager) ResetStats() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ep := range m.eps {
		ep.SuccessCount = 0
		ep.FailureCount = 0
		ep.TotalLatency = 0
		ep.Status = StatusActive
	}
}

func (m *Manager) clock() time.Time {
	m.mu.Lock()
	now := m.now
	m.mu.Unlock()
	return now()
}

func backoff(factor float64, attempt int) time.Duration {
	return time.Duration(math.Pow(factor, float64(attempt)) * float64(time.Second))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func toSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[strings.TrimSpace(n)] = true
	}
	return out
}
