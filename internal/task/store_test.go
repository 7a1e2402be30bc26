package task

import (
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T, now *time.Time) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "tasks.json"), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	s.Now = func() time.Time { return *now }
	return s
}

func TestPublishDefaults(t *testing.T) {
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	s := newTestStore(t, &now)

	tk, err := s.Publish(PublishOptions{Name: "heartbeat"})
	if err != nil {
		t.Fatal(err)
	}
	if tk.Status != StatusPending {
		t.Fatalf("status = %s, want pending", tk.Status)
	}
	if tk.Priority != PriorityNormal {
		t.Fatalf("priority = %d, want normal", tk.Priority)
	}
	if tk.MaxRetries != 3 {
		t.Fatalf("max retries = %d, want 3", tk.MaxRetries)
	}
	if tk.ID == "" {
		t.Fatal("id not assigned")
	}
}

func TestPublishRequiresName(t *testing.T) {
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	s := newTestStore(t, &now)
	if _, err := s.Publish(PublishOptions{Name: "  "}); err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestReadyRespectsDependencies(t *testing.T) {
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	s := newTestStore(t, &now)

	a, err := s.Publish(PublishOptions{Name: "a", Priority: PriorityNormal})
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Millisecond)
	b, err := s.Publish(PublishOptions{Name: "b", Priority: PriorityUrgent, DependsOn: []string{a.ID}})
	if err != nil {
		t.Fatal(err)
	}

	ready, err := s.Ready(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 1 || ready[0].ID != a.ID {
		t.Fatalf("ready = %v, want only a", ids(ready))
	}

	if _, err := s.UpdateStatus(a.ID, StatusCompleted, nil, ""); err != nil {
		t.Fatal(err)
	}
	ready, err = s.Ready(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 1 || ready[0].ID != b.ID {
		t.Fatalf("ready = %v, want only b after a completed", ids(ready))
	}
}

func TestReadyNeverReturnsUnsatisfiedDeps(t *testing.T) {
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	s := newTestStore(t, &now)

	if _, err := s.Publish(PublishOptions{Name: "orphan", DependsOn: []string{"missing_id"}}); err != nil {
		t.Fatal(err)
	}
	ready, err := s.Ready(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 0 {
		t.Fatalf("ready = %v, want empty for unknown dependency", ids(ready))
	}
}

func TestCleanupExpired(t *testing.T) {
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	s := newTestStore(t, &now)

	tk, err := s.Publish(PublishOptions{Name: "short-lived", ExpiresIn: time.Second, MaxRetries: 5})
	if err != nil {
		t.Fatal(err)
	}
	done, err := s.Publish(PublishOptions{Name: "done", ExpiresIn: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateStatus(done.ID, StatusCompleted, nil, ""); err != nil {
		t.Fatal(err)
	}

	now = now.Add(2 * time.Second)
	cleaned, err := s.CleanupExpired()
	if err != nil {
		t.Fatal(err)
	}
	if cleaned != 1 {
		t.Fatalf("cleaned = %d, want 1 (terminal tasks untouched)", cleaned)
	}

	got, _, err := s.Get(tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}

	ready, err := s.Ready(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 0 {
		t.Fatalf("ready = %v, expired task must not reappear", ids(ready))
	}

	// Retry budget does not resurrect an expired task.
	if _, err := s.Retry(tk.ID); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("retry err = %v, want ErrNotRetryable", err)
	}
}

func TestRetrySemantics(t *testing.T) {
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	s := newTestStore(t, &now)

	tk, err := s.Publish(PublishOptions{Name: "flaky", MaxRetries: 1})
	if err != nil {
		t.Fatal(err)
	}

	// Pending tasks are not retryable.
	if _, err := s.Retry(tk.ID); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("retry pending err = %v, want ErrNotRetryable", err)
	}

	if _, err := s.UpdateStatus(tk.ID, StatusRunning, nil, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateStatus(tk.ID, StatusFailed, nil, "boom"); err != nil {
		t.Fatal(err)
	}

	got, err := s.Retry(tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPending || got.RetryCount != 1 || got.Error != "" {
		t.Fatalf("after retry = %+v, want pending, retry_count=1, error cleared", got)
	}

	// Budget spent: a second failure is final.
	if _, err := s.UpdateStatus(tk.ID, StatusRunning, nil, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateStatus(tk.ID, StatusFailed, nil, "boom again"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Retry(tk.ID); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("retry err = %v, want ErrNotRetryable once budget is spent", err)
	}
}

func TestUpdateStatusTerminalImmutability(t *testing.T) {
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	s := newTestStore(t, &now)

	tk, err := s.Publish(PublishOptions{Name: "once"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateStatus(tk.ID, StatusCompleted, map[string]any{"out": "v"}, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateStatus(tk.ID, StatusRunning, nil, ""); !errors.Is(err, ErrTerminalStatus) {
		t.Fatalf("err = %v, want ErrTerminalStatus", err)
	}
	if _, err := s.Cancel(tk.ID); !errors.Is(err, ErrTerminalStatus) {
		t.Fatalf("cancel err = %v, want ErrTerminalStatus", err)
	}
}

func TestTerminalResultImmutableAndCallbackFiresOnce(t *testing.T) {
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	s := newTestStore(t, &now)

	received := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tk, err := s.Publish(PublishOptions{Name: "once", CallbackURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateStatus(tk.ID, StatusCompleted, map[string]any{"out": "first"}, ""); err != nil {
		t.Fatal(err)
	}

	// Re-applying the same terminal status is rejected: the result stays
	// immutable and the webhook does not fire again.
	if _, err := s.UpdateStatus(tk.ID, StatusCompleted, map[string]any{"out": "second"}, ""); !errors.Is(err, ErrTerminalStatus) {
		t.Fatalf("err = %v, want ErrTerminalStatus", err)
	}
	got, _, err := s.Get(tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Result["out"] != "first" {
		t.Fatalf("result = %v, want the first write preserved", got.Result)
	}
	if received != 1 || got.CallbackAttempts != 1 {
		t.Fatalf("callbacks = %d attempts = %d, want 1/1", received, got.CallbackAttempts)
	}
}

func TestFailAttemptChargesBudget(t *testing.T) {
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	s := newTestStore(t, &now)

	tk, err := s.Publish(PublishOptions{Name: "flaky", MaxRetries: 2})
	if err != nil {
		t.Fatal(err)
	}

	// First failure consumes one unit and requeues.
	got, err := s.FailAttempt(tk.ID, "boom", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPending || got.RetryCount != 1 || got.Error != "" {
		t.Fatalf("after first failure = %+v, want pending/1 with error cleared", got)
	}

	// Second failure exhausts the budget: terminal, error recorded.
	got, err = s.FailAttempt(tk.ID, "boom again", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed || got.RetryCount != 2 || got.Error != "boom again" {
		t.Fatalf("after second failure = %+v, want failed/2", got)
	}

	// Terminal: no further attempts can be charged, no manual retry left.
	if _, err := s.FailAttempt(tk.ID, "boom thrice", nil); !errors.Is(err, ErrTerminalStatus) {
		t.Fatalf("err = %v, want ErrTerminalStatus", err)
	}
	if _, err := s.Retry(tk.ID); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("retry err = %v, want ErrNotRetryable", err)
	}
}

func TestUpdateStatusTimestamps(t *testing.T) {
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	s := newTestStore(t, &now)

	tk, err := s.Publish(PublishOptions{Name: "timed"})
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Second)
	running, err := s.UpdateStatus(tk.ID, StatusRunning, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if !running.StartedAt.Equal(now) {
		t.Fatalf("started_at = %v, want %v", running.StartedAt, now)
	}
	now = now.Add(3 * time.Second)
	done, err := s.UpdateStatus(tk.ID, StatusCompleted, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if !done.CompletedAt.Equal(now) {
		t.Fatalf("completed_at = %v, want %v", done.CompletedAt, now)
	}

	stats, err := s.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.AvgCompletionTime != 3*time.Second {
		t.Fatalf("avg completion = %v, want 3s", stats.AvgCompletionTime)
	}
}

func TestListOrderingStable(t *testing.T) {
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	s := newTestStore(t, &now)

	for i, p := range []Priority{PriorityLow, PriorityUrgent, PriorityNormal, PriorityUrgent} {
		now = now.Add(time.Duration(i) * time.Millisecond)
		if _, err := s.Publish(PublishOptions{Name: "t", Priority: p}); err != nil {
			t.Fatal(err)
		}
	}

	first, err := s.List(ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.List(ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 4 || len(second) != 4 {
		t.Fatalf("lengths = %d/%d, want 4", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("ordering not idempotent at %d: %s vs %s", i, first[i].ID, second[i].ID)
		}
	}
	// Priority descending, creation ascending within a priority.
	if first[0].Priority != PriorityUrgent || first[1].Priority != PriorityUrgent {
		t.Fatalf("urgent tasks must sort first, got %v", first)
	}
	if !first[0].CreatedAt.Before(first[1].CreatedAt) {
		t.Fatal("equal-priority tasks must keep creation order")
	}
	if first[3].Priority != PriorityLow {
		t.Fatalf("low priority must sort last, got %v", first[3].Priority)
	}
}

func TestListFilters(t *testing.T) {
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	s := newTestStore(t, &now)

	if _, err := s.Publish(PublishOptions{Name: "a", Tags: []string{"market"}, Priority: PriorityHigh}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Publish(PublishOptions{Name: "b", Tags: []string{"report"}, Priority: PriorityLow}); err != nil {
		t.Fatal(err)
	}

	byTag, err := s.List(ListFilter{Tags: []string{"market"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(byTag) != 1 || byTag[0].Name != "a" {
		t.Fatalf("tag filter = %v", ids(byTag))
	}

	byPriority, err := s.List(ListFilter{PriorityMin: PriorityNormal})
	if err != nil {
		t.Fatal(err)
	}
	if len(byPriority) != 1 || byPriority[0].Name != "a" {
		t.Fatalf("priority filter = %v", ids(byPriority))
	}
}

func TestCallbackFiredOnTerminalStatus(t *testing.T) {
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	s := newTestStore(t, &now)

	received := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tk, err := s.Publish(PublishOptions{Name: "notify", CallbackURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateStatus(tk.ID, StatusRunning, nil, ""); err != nil {
		t.Fatal(err)
	}
	if received != 0 {
		t.Fatal("callback must not fire on non-terminal transition")
	}
	done, err := s.UpdateStatus(tk.ID, StatusCompleted, map[string]any{"ok": true}, "")
	if err != nil {
		t.Fatal(err)
	}
	if received != 1 {
		t.Fatalf("callbacks = %d, want 1", received)
	}
	if done.CallbackAttempts != 1 || done.CallbackLastError != "" {
		t.Fatalf("callback fields = attempts=%d err=%q", done.CallbackAttempts, done.CallbackLastError)
	}
}

func TestCallbackFailureRecordedNotRetried(t *testing.T) {
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	s := newTestStore(t, &now)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	tk, err := s.Publish(PublishOptions{Name: "notify", CallbackURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	done, err := s.UpdateStatus(tk.ID, StatusFailed, nil, "boom")
	if err != nil {
		t.Fatal(err)
	}
	if done.CallbackAttempts != 1 {
		t.Fatalf("attempts = %d, want 1", done.CallbackAttempts)
	}
	if done.CallbackLastError == "" {
		t.Fatal("callback failure must be recorded")
	}
}

func TestStoreSurvivesReload(t *testing.T) {
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.json")

	s1, err := NewStore(path, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	s1.Now = func() time.Time { return now }
	tk, err := s1.Publish(PublishOptions{Name: "durable", Priority: PriorityHigh})
	if err != nil {
		t.Fatal(err)
	}

	s2, err := NewStore(path, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	s2.Now = func() time.Time { return now }
	got, ok, err := s2.Get(tk.ID)
	if err != nil || !ok {
		t.Fatalf("get = %v ok=%v", err, ok)
	}
	if got.Name != "durable" || got.Priority != PriorityHigh {
		t.Fatalf("reloaded task = %+v", got)
	}
}

func TestStatsByStatusAndPriority(t *testing.T) {
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	s := newTestStore(t, &now)

	a, _ := s.Publish(PublishOptions{Name: "a", Priority: PriorityUrgent})
	if _, err := s.Publish(PublishOptions{Name: "b", Priority: PriorityLow}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Cancel(a.ID); err != nil {
		t.Fatal(err)
	}

	stats, err := s.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 2 {
		t.Fatalf("total = %d, want 2", stats.Total)
	}
	if stats.ByStatus[StatusCancelled] != 1 || stats.ByStatus[StatusPending] != 1 {
		t.Fatalf("by status = %v", stats.ByStatus)
	}
	if stats.ByPriority["urgent"] != 1 || stats.ByPriority["low"] != 1 {
		t.Fatalf("by priority = %v", stats.ByPriority)
	}
}

func ids(tasks []Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}
