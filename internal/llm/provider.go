package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Request is one text-generation call.
type Request struct {
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
}

// Response is a normalized provider answer.
type Response struct {
	Text     string
	Latency  time.Duration
	Raw      any
	Provider string
	Model    string
}

// Provider is one external text-generation backend.
type Provider interface {
	Name() string
	Model() string
	Generate(ctx context.Context, req Request) (Response, error)
}

const defaultSystemPrompt = "You are a concise trading copilot."

// EchoProvider is the offline fallback that keeps flows working without
// network access or credentials. It never fails.
type EchoProvider struct {
	ProviderName string
	ModelName    string
}

func NewEchoProvider() *EchoProvider {
	return &EchoProvider{ProviderName: "echo", ModelName: "offline-echo"}
}

func (p *EchoProvider) Name() string {
	if p == nil || strings.TrimSpace(p.ProviderName) == "" {
		return "echo"
	}
	return p.ProviderName
}

func (p *EchoProvider) Model() string {
	if p == nil || strings.TrimSpace(p.ModelName) == "" {
		return "offline-echo"
	}
	return p.ModelName
}

func (p *EchoProvider) Generate(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	text := fmt.Sprintf("[%s] %s", p.Name(), strings.TrimSpace(req.Prompt))
	return Response{
		Text:     text,
		Latency:  time.Since(start),
		Raw:      map[string]any{"echo": true},
		Provider: p.Name(),
		Model:    p.Model(),
	}, nil
}
