package gemini

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/vietddude/chatdigest/internal/infra/llm/provider"
)

const defaultModel = "gemini-2.5-flash"

// Provider calls the Gemini API.
type Provider struct {
	cfg    provider.Config
	client *genai.Client
}

// New creates a Gemini backend. A missing API key is reported on Generate so
// the backend chain can move on to the next backend.
func New(ctx context.Context, cfg provider.Config) (*Provider, error) {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	p := &Provider{cfg: cfg}
	if cfg.APIKey == "" {
		return p, nil
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	p.client = client
	return p, nil
}

func (p *Provider) Name() string { return p.cfg.Name }

func (p *Provider) Generate(ctx context.Context, req provider.Request) (provider.Result, error) {
	if p.client == nil {
		return provider.Result{}, provider.ErrMissingCredential
	}

	config := &genai.GenerateContentConfig{}
	if t := pick(req.Temperature, p.cfg.Temperature); t > 0 {
		config.Temperature = genai.Ptr(float32(t))
	}
	if n := int(pick(float64(req.MaxTokens), float64(p.cfg.MaxTokens))); n > 0 {
		config.MaxOutputTokens = int32(n)
	}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	model := req.ModelOr(p.cfg.Model)
	contents := []*genai.Content{genai.NewContentFromText(req.UserText(), genai.RoleUser)}

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return provider.Result{}, fmt.Errorf("gemini: %w", err)
	}

	var text strings.Builder
	if resp != nil {
		for _, candidate := range resp.Candidates {
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				text.WriteString(part.Text)
			}
			if text.Len() > 0 {
				break
			}
		}
	}

	return provider.Result{Text: text.String(), Backend: p.cfg.Name, Model: model}, nil
}

func pick(v, def float64) float64 {
	if v > 0 {
		return v
	}
	return def
}
