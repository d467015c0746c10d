package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/vietddude/chatdigest/internal/infra/llm/provider"
)

const defaultModel = "gpt-4o-mini"

// Provider calls an OpenAI-compatible chat completions endpoint
// (OpenAI, Cerebras, Groq and similar).
type Provider struct {
	cfg    provider.Config
	client openai.Client
}

// New creates an OpenAI-compatible backend.
func New(cfg provider.Config) *Provider {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Provider{cfg: cfg, client: openai.NewClient(opts...)}
}

func (p *Provider) Name() string { return p.cfg.Name }

func (p *Provider) Generate(ctx context.Context, req provider.Request) (provider.Result, error) {
	if p.cfg.APIKey == "" {
		return provider.Result{}, provider.ErrMissingCredential
	}

	model := req.ModelOr(p.cfg.Model)

	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.UserText()))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}

	temperature := req.Temperature
	if temperature <= 0 {
		temperature = p.cfg.Temperature
	}
	if temperature > 0 {
		params.Temperature = openai.Float(temperature)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.cfg.MaxTokens
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return provider.Result{}, fmt.Errorf("%s: %w", p.cfg.Name, err)
	}

	var text string
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}

	return provider.Result{Text: text, Backend: p.cfg.Name, Model: model}, nil
}
