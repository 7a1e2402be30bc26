package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	openaioption "github.com/openai/openai-go/v3/option"
)

// OpenAIProvider speaks the OpenAI chat-completions protocol. It also covers
// the OpenAI-compatible vendors (DeepSeek, Groq, Moonshot, Zhipu) via the
// base URL.
type OpenAIProvider struct {
	ProviderName string
	BaseURL      string
	APIKey       string
	ModelName    string
	Timeout      time.Duration
	MaxRetries   int

	client openai.Client
	built  bool
}

type OpenAIOptions struct {
	Name       string
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

func NewOpenAIProvider(opts OpenAIOptions) (*OpenAIProvider, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "openai"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "gpt-4o-mini"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &OpenAIProvider{
		ProviderName: name,
		BaseURL:      strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		APIKey:       apiKey,
		ModelName:    model,
		Timeout:      timeout,
		MaxRetries:   maxRetries,
	}, nil
}

func (p *OpenAIProvider) Name() string  { return p.ProviderName }
func (p *OpenAIProvider) Model() string { return p.ModelName }

// sdk builds the client lazily so configuration stays a plain struct. The
// SDK's own retry option provides the exponential backoff across HTTP errors.
func (p *OpenAIProvider) sdk() openai.Client {
	if p.built {
		return p.client
	}
	opts := []openaioption.RequestOption{
		openaioption.WithAPIKey(p.APIKey),
		openaioption.WithMaxRetries(p.MaxRetries),
	}
	if p.BaseURL != "" {
		base := p.BaseURL
		if !strings.HasSuffix(base, "/v1") {
			base += "/v1"
		}
		opts = append(opts, openaioption.WithBaseURL(base+"/"))
	}
	p.client = openai.NewClient(opts...)
	p.built = true
	return p.client
}

func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (Response, error) {
	if p == nil {
		return Response{}, errors.New("nil provider")
	}
	system := strings.TrimSpace(req.System)
	if system == "" {
		system = defaultSystemPrompt
	}
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(p.ModelName),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(req.Prompt),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if p.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	client := p.sdk()
	start := time.Now()
	resp, err := client.Chat.Completions.New(callCtx, params)
	if err != nil {
		return Response{}, err
	}
	if len(resp.Choices) == 0 {
		return Response{}, errors.New("no choices in response")
	}
	return Response{
		Text:     strings.TrimSpace(resp.Choices[0].Message.Content),
		Latency:  time.Since(start),
		Raw:      resp,
		Provider: p.ProviderName,
		Model:    p.ModelName,
	}, nil
}
