package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultAnthropicBaseURL   = "https://api.anthropic.com"
	defaultAnthropicMaxTokens = 1024
)

// AnthropicProvider calls the Anthropic messages API.
type AnthropicProvider struct {
	ProviderName string

	BaseURL    string
	APIKey     string
	ModelName  string
	Timeout    time.Duration
	MaxRetries int

	client anthropic.Client
	built  bool
}

type AnthropicOptions struct {
	Name       string
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

func NewAnthropicProvider(opts AnthropicOptions) (*AnthropicProvider, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "claude-3-haiku-20240307"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "anthropic"
	}
	return &AnthropicProvider{
		ProviderName: name,

		BaseURL:    resolvedAnthropicBaseURL(opts.BaseURL),
		APIKey:     apiKey,
		ModelName:  model,
		Timeout:    timeout,
		MaxRetries: maxRetries,
	}, nil
}

func (p *AnthropicProvider) Name() string  { return p.ProviderName }
func (p *AnthropicProvider) Model() string { return p.ModelName }

func resolvedAnthropicBaseURL(raw string) string {
	base := strings.TrimSpace(raw)
	if base == "" {
		base = defaultAnthropicBaseURL
	}
	base = strings.TrimRight(base, "/")
	base = strings.TrimSuffix(base, "/v1")
	base = strings.TrimRight(base, "/")
	return base + "/"
}

func (p *AnthropicProvider) sdk() anthropic.Client {
	if p.built {
		return p.client
	}
	p.client = anthropic.NewClient(
		anthropicoption.WithAPIKey(p.APIKey),
		anthropicoption.WithBaseURL(p.BaseURL),
		anthropicoption.WithMaxRetries(p.MaxRetries),
	)
	p.built = true
	return p.client
}

func (p *AnthropicProvider) Generate(ctx context.Context, req Request) (Response, error) {
	if p == nil {
		return Response{}, errors.New("nil provider")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	system := strings.TrimSpace(req.System)
	if system == "" {
		system = defaultSystemPrompt
	}

	params := anthropic.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Model:     anthropic.Model(p.ModelName),
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.Temperature != 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if p.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	client := p.sdk()
	start := time.Now()
	msg, err := client.Messages.New(callCtx, params)
	if err != nil {
		return Response{}, err
	}

	var text strings.Builder
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString(variant.Text)
		default:
			// Ignore non-text block variants.
		}
	}

	return Response{
		Text:     strings.TrimSpace(text.String()),
		Latency:  time.Since(start),
		Raw:      msg,
		Provider: p.Name(),
		Model:    p.ModelName,
	}, nil
}
