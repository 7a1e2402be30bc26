package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type callbackEnvelope struct {
	TaskID    string         `json:"task_id"`
	Status    Status         `json:"status"`
	Result    map[string]any `json:"result"`
	Error     string         `json:"error,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
	Name      string         `json:"name"`
	Priority  Priority       `json:"priority"`
}

// fireCallback posts the terminal-status envelope to the task's callback
// URL. Delivery is at-most-once per status change: failures are recorded on
// the task and never retried. Must be called with the store lock held, on a
// task that is about to be persisted.
func (s *Store) fireCallback(t *Task) {
	if t == nil || t.CallbackURL == "" {
		return
	}
	t.CallbackAttempts++

	body, err := json.Marshal(callbackEnvelope{
		TaskID:    t.ID,
		Status:    t.Status,
		Result:    t.Result,
		Error:     t.Error,
		UpdatedAt: t.UpdatedAt,
		Name:      t.Name,
		Priority:  t.Priority,
	})
	if err != nil {
		t.CallbackLastError = err.Error()
		return
	}

	client := s.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Post(t.CallbackURL, "application/json", bytes.NewReader(body))
	if err != nil {
		t.CallbackLastError = err.Error()
		s.logger.Warn("callback delivery failed", "id", t.ID, "err", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		t.CallbackLastError = fmt.Sprintf("%d: %s", resp.StatusCode, string(detail))
		s.logger.Warn("callback rejected", "id", t.ID, "status", resp.StatusCode)
		return
	}
	t.CallbackLastError = ""
}
