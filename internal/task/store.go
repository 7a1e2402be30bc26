package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when no task carries the requested id.
	ErrNotFound = errors.New("task not found")
	// ErrNotRetryable is returned by Retry for tasks that are not failed or
	// whose retry budget is spent.
	ErrNotRetryable = errors.New("task is not retryable")
	// ErrTerminalStatus is returned when a caller tries to move a task out
	// of a terminal status through UpdateStatus.
	ErrTerminalStatus = errors.New("task is in a terminal status")
)

const defaultMaxRetries = 3

// Store owns the durable task collection. Every operation is a
// read-modify-write of the whole set under one mutex; the on-disk file is
// replaced atomically on each mutation.
type Store struct {
	path   string
	logger *slog.Logger

	// Now is overridable so tests can simulate the clock.
	Now func() time.Time

	// HTTPClient posts callback webhooks; replaced in tests.
	HTTPClient *http.Client

	mu sync.Mutex
}

func NewStore(path string, logger *slog.Logger) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("store path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:       path,
		logger:     logger,
		Now:        time.Now,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (s *Store) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// load must be called with the lock held.
func (s *Store) load() ([]Task, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var tasks []Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("parse task store: %w", err)
	}
	return tasks, nil
}

// save must be called with the lock held. The snapshot is written to a temp
// file and renamed into place so readers never observe a partial write.
func (s *Store) save(tasks []Task) error {
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.tmp-%d", s.path, time.Now().UTC().UnixNano())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// PublishOptions describes one task to enqueue.
type PublishOptions struct {
	Name        string
	Payload     map[string]any
	Priority    Priority
	Schedule    time.Duration
	Tags        []string
	Timeout     time.Duration
	ExpiresIn   time.Duration
	DependsOn   []string
	MaxRetries  int
	CallbackURL string
}

// Publish appends a new pending task and persists the collection.
func (s *Store) Publish(opts PublishOptions) (Task, error) {
	if s == nil {
		return Task{}, errors.New("store is nil")
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return Task{}, errors.New("task name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return Task{}, err
	}
	now := s.now()
	t := Task{
		ID:          fmt.Sprintf("%d_%d", now.UnixMilli(), len(tasks)+1),
		Name:        name,
		Payload:     opts.Payload,
		Status:      StatusPending,
		Priority:    opts.Priority,
		CreatedAt:   now,
		UpdatedAt:   now,
		Schedule:    opts.Schedule,
		Tags:        append([]string(nil), opts.Tags...),
		Timeout:     opts.Timeout,
		DependsOn:   append([]string(nil), opts.DependsOn...),
		MaxRetries:  opts.MaxRetries,
		CallbackURL: strings.TrimSpace(opts.CallbackURL),
	}
	if t.Payload == nil {
		t.Payload = map[string]any{}
	}
	if t.Priority == 0 {
		t.Priority = PriorityNormal
	}
	if t.MaxRetries <= 0 {
		t.MaxRetries = defaultMaxRetries
	}
	if opts.ExpiresIn > 0 {
		t.ExpiresAt = now.Add(opts.ExpiresIn)
	}

	tasks = append(tasks, t)
	if err := s.save(tasks); err != nil {
		return Task{}, err
	}
	s.logger.Info("task published", "id", t.ID, "name", t.Name, "priority", t.Priority.String())
	return t, nil
}

// ListFilter narrows List results; zero values mean "no filter".
type ListFilter struct {
	Status      Status
	Tags        []string
	PriorityMin Priority
	Limit       int
}

// List filters then sorts by priority (descending) and creation time
// (ascending).
func (s *Store) List(filter ListFilter) ([]Task, error) {
	if s == nil {
		return nil, errors.New("store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if len(filter.Tags) > 0 && !anyTagMatch(t.Tags, filter.Tags) {
			continue
		}
		if filter.PriorityMin > 0 && t.Priority < filter.PriorityMin {
			continue
		}
		out = append(out, t)
	}
	sortByPriority(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Get returns one task by id.
func (s *Store) Get(id string) (Task, bool, error) {
	if s == nil {
		return Task{}, false, errors.New("store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return Task{}, false, err
	}
	want := strings.TrimSpace(id)
	for _, t := range tasks {
		if t.ID == want {
			return t, true, nil
		}
	}
	return Task{}, false, nil
}

// UpdateStatus transitions one task. StartedAt is stamped on the first move
// to running, CompletedAt on any terminal transition. A terminal task
// rejects every further UpdateStatus, including re-applying the same
// status, so result/error stay immutable and the callback cannot fire twice
// (Retry is the one sanctioned escape). When the new status is terminal and
// a callback URL is set, the webhook fires once before the snapshot is
// persisted; delivery failures are recorded on the task and never retried.
func (s *Store) UpdateStatus(id string, status Status, result map[string]any, errMsg string) (Task, error) {
	if s == nil {
		return Task{}, errors.New("store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return Task{}, err
	}
	want := strings.TrimSpace(id)
	for i := range tasks {
		t := &tasks[i]
		if t.ID != want {
			continue
		}
		if t.Status.Terminal() {
			return *t, fmt.Errorf("%w: %s", ErrTerminalStatus, t.Status)
		}
		now := s.now()
		t.Status = status
		t.UpdatedAt = now
		if status == StatusRunning && t.StartedAt.IsZero() {
			t.StartedAt = now
		}
		if status.Terminal() && t.CompletedAt.IsZero() {
			t.CompletedAt = now
		}
		if result != nil {
			t.Result = result
		}
		if errMsg != "" {
			t.Error = errMsg
		}
		if status.Terminal() && t.CallbackURL != "" {
			s.fireCallback(t)
		}
		if err := s.save(tasks); err != nil {
			return Task{}, err
		}
		s.logger.Info("task status updated", "id", t.ID, "status", status)
		return *t, nil
	}
	return Task{}, fmt.Errorf("%w: %s", ErrNotFound, want)
}

// Retry resets a failed task to pending, consuming one unit of retry budget
// and clearing the recorded error.
func (s *Store) Retry(id string) (Task, error) {
	if s == nil {
		return Task{}, errors.New("store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return Task{}, err
	}
	want := strings.TrimSpace(id)
	for i := range tasks {
		t := &tasks[i]
		if t.ID != want {
			continue
		}
		if t.Status != StatusFailed || !t.CanRetry() {
			return *t, fmt.Errorf("%w: status=%s retries=%d/%d", ErrNotRetryable, t.Status, t.RetryCount, t.MaxRetries)
		}
		t.Status = StatusPending
		t.RetryCount++
		t.UpdatedAt = s.now()
		t.Error = ""
		t.CompletedAt = time.Time{}
		if err := s.save(tasks); err != nil {
			return Task{}, err
		}
		s.logger.Info("task requeued", "id", t.ID, "retry", t.RetryCount)
		return *t, nil
	}
	return Task{}, fmt.Errorf("%w: %s", ErrNotFound, want)
}

// FailAttempt charges one failed execution against the retry budget. While
// budget remains the task returns to pending with the error cleared; once
// retry_count reaches max_retries the failure is terminal and the callback
// fires. MaxRetries therefore bounds total executions.
func (s *Store) FailAttempt(id, errMsg string, result map[string]any) (Task, error) {
	if s == nil {
		return Task{}, errors.New("store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return Task{}, err
	}
	want := strings.TrimSpace(id)
	for i := range tasks {
		t := &tasks[i]
		if t.ID != want {
			continue
		}
		if t.Status.Terminal() {
			return *t, fmt.Errorf("%w: %s", ErrTerminalStatus, t.Status)
		}
		now := s.now()
		t.RetryCount++
		t.UpdatedAt = now
		if t.RetryCount >= t.MaxRetries {
			t.Status = StatusFailed
			t.Error = errMsg
			if result != nil {
				t.Result = result
			}
			if t.CompletedAt.IsZero() {
				t.CompletedAt = now
			}
			if t.CallbackURL != "" {
				s.fireCallback(t)
			}
		} else {
			t.Status = StatusPending
			t.Error = ""
		}
		if err := s.save(tasks); err != nil {
			return Task{}, err
		}
		s.logger.Info("task attempt failed", "id", t.ID, "retry", t.RetryCount, "max", t.MaxRetries, "err", errMsg)
		return *t, nil
	}
	return Task{}, fmt.Errorf("%w: %s", ErrNotFound, want)
}

// Cancel moves a task to cancelled.
func (s *Store) Cancel(id string) (Task, error) {
	return s.UpdateStatus(id, StatusCancelled, nil, "")
}

// CleanupExpired marks every non-terminal task whose deadline has passed as
// expired and returns the count swept.
func (s *Store) CleanupExpired() (int, error) {
	if s == nil {
		return 0, errors.New("store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return 0, err
	}
	now := s.now()
	cleaned := 0
	for i := range tasks {
		t := &tasks[i]
		if t.Status.Terminal() || !t.Expired(now) {
			continue
		}
		t.Status = StatusExpired
		t.UpdatedAt = now
		if t.CompletedAt.IsZero() {
			t.CompletedAt = now
		}
		if t.CallbackURL != "" {
			s.fireCallback(t)
		}
		cleaned++
	}
	if cleaned > 0 {
		if err := s.save(tasks); err != nil {
			return 0, err
		}
		s.logger.Info("expired tasks swept", "count", cleaned)
	}
	return cleaned, nil
}

// Ready returns pending, unexpired tasks whose dependencies are all
// completed, best priority first.
func (s *Store) Ready(limit int) ([]Task, error) {
	if s == nil {
		return nil, errors.New("store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	completed := make(map[string]bool)
	for _, t := range tasks {
		if t.Status == StatusCompleted {
			completed[t.ID] = true
		}
	}
	now := s.now()
	ready := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Status != StatusPending || t.Expired(now) || !t.Ready(completed) {
			continue
		}
		ready = append(ready, t)
	}
	sortByPriority(ready)
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

// Stats aggregates the whole collection.
type Stats struct {
	Total             int            `json:"total"`
	ByStatus          map[Status]int `json:"by_status"`
	ByPriority        map[string]int `json:"by_priority"`
	Expired           int            `json:"expired"`
	AvgCompletionTime time.Duration  `json:"avg_completion_time"`
}

func (s *Store) Stats() (Stats, error) {
	if s == nil {
		return Stats{}, errors.New("store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return Stats{}, err
	}
	out := Stats{
		ByStatus:   make(map[Status]int),
		ByPriority: make(map[string]int),
	}
	now := s.now()
	var totalCompletion time.Duration
	completions := 0
	for _, t := range tasks {
		out.Total++
		out.ByStatus[t.Status]++
		out.ByPriority[t.Priority.String()]++
		if t.Expired(now) {
			out.Expired++
		}
		if !t.CompletedAt.IsZero() && !t.StartedAt.IsZero() {
			totalCompletion += t.CompletedAt.Sub(t.StartedAt)
			completions++
		}
	}
	if completions > 0 {
		out.AvgCompletionTime = totalCompletion / time.Duration(completions)
	}
	return out, nil
}

func sortByPriority(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}

func anyTagMatch(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}
