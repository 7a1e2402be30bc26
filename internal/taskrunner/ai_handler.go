package taskrunner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tradepilot/internal/llm"
	"tradepilot/internal/task"
)

// AICallHandler runs "ai_call" tasks through the provider router. The task
// payload carries the prompt and optional routing hints:
//
//	prompt      string (required)
//	system      string
//	provider    string (preferred provider name)
//	max_tokens  number
//	temperature number
type AICallHandler struct {
	Router *llm.Router
}

func (h *AICallHandler) Execute(ctx context.Context, t task.Task) (Result, error) {
	if h == nil || h.Router == nil {
		return Result{}, errors.New("ai handler has no router")
	}
	prompt, _ := t.Payload["prompt"].(string)
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Result{}, errors.New("payload is missing prompt")
	}

	req := llm.Request{Prompt: prompt}
	if system, ok := t.Payload["system"].(string); ok {
		req.System = system
	}
	if v, ok := payloadNumber(t.Payload["max_tokens"]); ok {
		req.MaxTokens = int(v)
	}
	if v, ok := payloadNumber(t.Payload["temperature"]); ok {
		req.Temperature = v
	}
	prefer, _ := t.Payload["provider"].(string)

	res := h.Router.Generate(ctx, req, prefer)
	out := Result{
		Success:       res.Success,
		ExecutionTime: res.Latency,
		Output: map[string]any{
			"content":  res.Content,
			"provider": res.Provider,
			"model":    res.Model,
		},
	}
	if !res.Success {
		out.Error = fmt.Sprintf("all providers failed, served fallback: %v", res.Errors)
	}
	return out, nil
}

// payloadNumber tolerates the types JSON decoding and direct construction
// produce for numeric payload fields.
func payloadNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
