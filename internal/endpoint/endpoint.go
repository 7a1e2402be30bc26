package endpoint

import (
	"strings"
	"time"
)

type Status string

const (
	StatusActive      Status = "active"
	StatusDegraded    Status = "degraded"
	StatusRateLimited Status = "rate_limited"
	StatusFailed      Status = "failed"
)

// CoolDown is how long a failed endpoint stays out of selection before it is
// probationally reactivated.
const CoolDown = 60 * time.Second

// Endpoint is one configured external text-generation service.
type Endpoint struct {
	Name                 string
	BaseURL              string
	APIKey               string
	Model                string
	Priority             int
	MaxRequestsPerMinute int
	Timeout              time.Duration

	Status       Status
	LastSuccess  time.Time
	LastFailure  time.Time
	FailureCount int
	SuccessCount int
	TotalLatency time.Duration
}

func (e *Endpoint) Normalize() {
	if e == nil {
		return
	}
	e.Name = strings.TrimSpace(e.Name)
	e.BaseURL = strings.TrimRight(strings.TrimSpace(e.BaseURL), "/")
	e.APIKey = strings.TrimSpace(e.APIKey)
	e.Model = strings.TrimSpace(e.Model)
	if e.MaxRequestsPerMinute <= 0 {
		e.MaxRequestsPerMinute = 60
	}
	if e.Timeout <= 0 {
		e.Timeout = 30 * time.Second
	}
	if e.Status == "" {
		e.Status = StatusActive
	}
}

// AvgLatency is the mean latency over successful calls.
func (e *Endpoint) AvgLatency() time.Duration {
	if e == nil || e.SuccessCount == 0 {
		return 0
	}
	return e.TotalLatency / time.Duration(e.SuccessCount)
}

// SuccessRate is in [0, 1]; an endpoint with no calls counts as healthy.
func (e *Endpoint) SuccessRate() float64 {
	if e == nil {
		return 0
	}
	total := e.SuccessCount + e.FailureCount
	if total == 0 {
		return 1.0
	}
	return float64(e.SuccessCount) / float64(total)
}

// callCount is used by the round_robin strategy (least used first).
func (e *Endpoint) callCount() int {
	if e == nil {
		return 0
	}
	return e.SuccessCount + e.FailureCount
}
