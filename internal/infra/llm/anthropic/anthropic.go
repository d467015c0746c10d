package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/vietddude/chatdigest/internal/infra/llm/provider"
)

const (
	defaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 8192
)

// Provider calls the Anthropic Messages API.
type Provider struct {
	cfg    provider.Config
	client anthropic.Client
}

// New creates an Anthropic backend. SDK-level retries are disabled; the
// caller owns retry policy.
func New(cfg provider.Config) *Provider {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Provider{cfg: cfg, client: anthropic.NewClient(opts...)}
}

func (p *Provider) Name() string { return p.cfg.Name }

func (p *Provider) Generate(ctx context.Context, req provider.Request) (provider.Result, error) {
	if p.cfg.APIKey == "" {
		return provider.Result{}, provider.ErrMissingCredential
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.cfg.MaxTokens
	}
	model := req.ModelOr(p.cfg.Model)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserText())),
		},
	}

	temperature := req.Temperature
	if temperature <= 0 {
		temperature = p.cfg.Temperature
	}
	if temperature > 0 {
		params.Temperature = anthropic.Float(temperature)
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return provider.Result{}, fmt.Errorf("anthropic: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return provider.Result{Text: text.String(), Backend: p.cfg.Name, Model: model}, nil
}
