package llm

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tradepilot/internal/endpoint"
)

// Health is the per-provider observability entry.
type Health struct {
	OK        bool      `json:"ok"`
	LastError string    `json:"last_error,omitempty"`
	LastTS    time.Time `json:"last_ts,omitempty"`
}

// Result is the normalized router answer. Success is false when the content
// came from the offline echo fallback; callers that must distinguish real
// generations check it.
type Result struct {
	Success  bool              `json:"success"`
	Provider string            `json:"provider"`
	Model    string            `json:"model"`
	Latency  time.Duration     `json:"latency"`
	Content  string            `json:"content"`
	Raw      any               `json:"-"`
	Errors   map[string]string `json:"errors,omitempty"`
}

// Router turns "generate text" into a normalized response despite provider
// heterogeneity: it walks candidates in preference order, falls back across
// providers on failure, and never returns a hard error to callers.
type Router struct {
	mu         sync.Mutex
	providers  map[string]Provider
	order      []string
	preference []string
	health     map[string]Health

	fallback Provider
	manager  *endpoint.Manager
	logger   *slog.Logger
	now      func() time.Time
}

// NewRouter builds a router. manager may be nil; when set, per-provider
// success and failure are forwarded to the matching endpoint's health
// counters.
func NewRouter(logger *slog.Logger, manager *endpoint.Manager) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		providers: make(map[string]Provider),
		health:    make(map[string]Health),
		fallback:  NewEchoProvider(),
		manager:   manager,
		logger:    logger,
		now:       time.Now,
	}
}

// Register adds a provider; re-registering a name replaces it without
// changing its position in the candidate order.
func (r *Router) Register(p Provider) {
	if r == nil || p == nil {
		return
	}
	name := strings.TrimSpace(p.Name())
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; !exists {
		r.order = append(r.order, name)
		r.health[name] = Health{OK: true}
	}
	r.providers[name] = p
}

// SetPreference fixes the globally preferred provider order tried after an
// explicit per-call preference.
func (r *Router) SetPreference(names []string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preference = r.preference[:0]
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" {
			r.preference = append(r.preference, n)
		}
	}
}

// candidates returns provider names in try order: the explicit preference
// first, then the configured preference list, then the rest in registration
// order.
func (r *Router) candidates(prefer string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool, len(r.order))
	out := make([]string, 0, len(r.order))
	add := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			return
		}
		if _, ok := r.providers[name]; !ok {
			return
		}
		seen[name] = true
		out = append(out, name)
	}
	add(prefer)
	for _, n := range r.preference {
		add(n)
	}
	for _, n := range r.order {
		add(n)
	}
	return out
}

func (r *Router) provider(name string) Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.providers[name]
}

func (r *Router) setHealth(name string, h Health) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health[name] = h
}

// Generate tries each candidate once and returns the first success. When
// every candidate fails it answers with the deterministic echo fallback and
// the collected per-provider errors.
func (r *Router) Generate(ctx context.Context, req Request, prefer string) Result {
	errs := make(map[string]string)
	for _, name := range r.candidates(prefer) {
		p := r.provider(name)
		if p == nil {
			continue
		}
		start := r.now()
		resp, err := p.Generate(ctx, req)
		latency := r.now().Sub(start)
		if err != nil {
			errs[name] = err.Error()
			r.setHealth(name, Health{OK: false, LastError: err.Error(), LastTS: r.now()})
			if r.manager != nil && r.manager.Has(name) {
				r.manager.RecordFailure(name)
			}
			r.logger.Warn("provider failed", "provider", name, "err", err)
			continue
		}
		r.setHealth(name, Health{OK: true, LastTS: r.now()})
		if r.manager != nil && r.manager.Has(name) {
			r.manager.RecordSuccess(name, latency)
		}
		provider := strings.TrimSpace(resp.Provider)
		if provider == "" {
			provider = name
		}
		return Result{
			Success:  true,
			Provider: provider,
			Model:    resp.Model,
			Latency:  latency,
			Content:  resp.Text,
			Raw:      resp.Raw,
			Errors:   errs,
		}
	}

	resp, _ := r.fallback.Generate(ctx, req)
	return Result{
		Success:  false,
		Provider: resp.Provider,
		Model:    resp.Model,
		Latency:  resp.Latency,
		Content:  resp.Text,
		Raw:      resp.Raw,
		Errors:   errs,
	}
}

// HealthSnapshot copies the per-provider health map.
func (r *Router) HealthSnapshot() map[string]Health {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Health, len(r.health))
	for name, h := range r.health {
		out[name] = h
	}
	return out
}
