// Package scheduler runs named periodic jobs on a one-second tick. Each job
// fires on its own goroutine with a per-job running guard, so a slow run
// never blocks the tick or overlaps with itself.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	robcron "github.com/robfig/cron/v3"
)

const tickInterval = time.Second

var cronParser = robcron.NewParser(
	robcron.Minute | robcron.Hour | robcron.Dom | robcron.Month | robcron.Dow | robcron.Descriptor,
)

// JobFunc is the body of a scheduled job. The context is cancelled when the
// scheduler stops.
type JobFunc func(ctx context.Context) error

// Job describes one periodic job. Either Interval or CronExpr must be set;
// when both are set the cron expression wins.
type Job struct {
	Name     string
	Interval time.Duration
	CronExpr string
	Run      JobFunc
	Enabled  bool
	Tags     []string
	Metadata map[string]any
}

type entry struct {
	job      Job
	schedule robcron.Schedule

	lastRun time.Time
	nextRun time.Time
	runs    int
	errors  int
	lastErr string
	running bool
}

// Snapshot is the observable state of one job.
type Snapshot struct {
	Name     string         `json:"name"`
	Interval time.Duration  `json:"interval,omitempty"`
	CronExpr string         `json:"cron,omitempty"`
	Enabled  bool           `json:"enabled"`
	Running  bool           `json:"running"`
	LastRun  time.Time      `json:"last_run,omitempty"`
	NextRun  time.Time      `json:"next_run,omitempty"`
	Runs     int            `json:"runs"`
	Errors   int            `json:"errors"`
	LastErr  string         `json:"last_error,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Scheduler owns the job table and the tick loop.
type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time

	cancel  context.CancelFunc
	stopped chan struct{}
	wg      sync.WaitGroup
}

func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:  logger,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// SetNow overrides the clock; tests only.
func (s *Scheduler) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

// Add registers or replaces a job by name. Replacing keeps the name's
// position; the next run is computed fresh from the new schedule.
func (s *Scheduler) Add(job Job) error {
	if s == nil {
		return errors.New("scheduler is nil")
	}
	job.Name = strings.TrimSpace(job.Name)
	if job.Name == "" {
		return errors.New("job name is required")
	}
	if job.Run == nil {
		return errors.New("job func is required")
	}

	var schedule robcron.Schedule
	if expr := strings.TrimSpace(job.CronExpr); expr != "" {
		parsed, err := cronParser.Parse(expr)
		if err != nil {
			return fmt.Errorf("parse cron expr for %q: %w", job.Name, err)
		}
		schedule = parsed
		job.CronExpr = expr
	} else if job.Interval <= 0 {
		return fmt.Errorf("job %q needs an interval or a cron expression", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e := &entry{job: job, schedule: schedule}
	e.nextRun = e.initialNext(s.now())
	s.entries[job.Name] = e
	return nil
}

// Remove drops a job. A run already in flight finishes.
func (s *Scheduler) Remove(name string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, strings.TrimSpace(name))
}

// Enable toggles a job without touching its schedule.
func (s *Scheduler) Enable(name string, enabled bool) error {
	if s == nil {
		return errors.New("scheduler is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[strings.TrimSpace(name)]
	if !ok {
		return fmt.Errorf("no job named %q", name)
	}
	e.job.Enabled = enabled
	if enabled {
		if e.lastRun.IsZero() {
			e.nextRun = e.initialNext(s.now())
		} else {
			e.nextRun = e.computeNext(e.lastRun)
		}
	}
	return nil
}

// initialNext is the first fire time for a job that has never run: interval
// jobs are eligible immediately, cron jobs wait for their next match.
func (e *entry) initialNext(now time.Time) time.Time {
	if e.schedule != nil {
		return e.schedule.Next(now)
	}
	return now
}

func (e *entry) computeNext(now time.Time) time.Time {
	if e.schedule != nil {
		return e.schedule.Next(now)
	}
	return now.Add(e.job.Interval)
}

// Start launches the tick loop; calling it on a running scheduler is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})
	go s.loop(loopCtx, s.stopped)
}

// Stop halts the tick loop and waits up to two seconds for in-flight runs.
func (s *Scheduler) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.cancel, s.stopped = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		s.logger.Warn("scheduler stopped with jobs still running")
	}
}

func (s *Scheduler) loop(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every due job. Exported so tests and callers can drive the
// scheduler without the background loop.
func (s *Scheduler) Tick(ctx context.Context) {
	if s == nil {
		return
	}
	s.mu.Lock()
	now := s.now()
	due := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		if !e.job.Enabled || e.running || now.Before(e.nextRun) {
			continue
		}
		e.running = true
		due = append(due, e)
	}
	s.mu.Unlock()

	for _, e := range due {
		s.wg.Add(1)
		go s.runJob(ctx, e)
	}
}

// TriggerNow fires one job immediately, skipping its schedule. It reports
// false when the job is unknown, disabled, or already running.
func (s *Scheduler) TriggerNow(ctx context.Context, name string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	e, ok := s.entries[strings.TrimSpace(name)]
	if !ok || !e.job.Enabled || e.running {
		s.mu.Unlock()
		return false
	}
	e.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runJob(ctx, e)
	return true
}

// runJob executes one job body. lastRun and the next fire time are updated
// in the deferred block so a panicking job still advances its schedule.
func (s *Scheduler) runJob(ctx context.Context, e *entry) {
	defer s.wg.Done()
	var runErr error
	defer func() {
		if r := recover(); r != nil {
			runErr = fmt.Errorf("job panic: %v", r)
			s.logger.Error("job panicked", "job", e.job.Name, "panic", r)
		}
		s.mu.Lock()
		now := s.now()
		e.running = false
		e.lastRun = now
		e.nextRun = e.computeNext(now)
		e.runs++
		if runErr != nil {
			e.errors++
			e.lastErr = runErr.Error()
		} else {
			e.lastErr = ""
		}
		s.mu.Unlock()
	}()

	runErr = e.job.Run(ctx)
	if runErr != nil {
		s.logger.Warn("job failed", "job", e.job.Name, "err", runErr)
	}
}

// Snapshots lists the current state of every job.
func (s *Scheduler) Snapshots() []Snapshot {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, Snapshot{
			Name:     e.job.Name,
			Interval: e.job.Interval,
			CronExpr: e.job.CronExpr,
			Enabled:  e.job.Enabled,
			Running:  e.running,
			LastRun:  e.lastRun,
			NextRun:  e.nextRun,
			Runs:     e.runs,
			Errors:   e.errors,
			LastErr:  e.lastErr,
			Tags:     append([]string(nil), e.job.Tags...),
			Metadata: e.job.Metadata,
		})
	}
	return out
}
