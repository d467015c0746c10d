// Package llm builds the generation backend chain from configuration.
package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/chatdigest/internal/infra/llm/anthropic"
	"github.com/vietddude/chatdigest/internal/infra/llm/gemini"
	"github.com/vietddude/chatdigest/internal/infra/llm/mock"
	"github.com/vietddude/chatdigest/internal/infra/llm/openai"
	"github.com/vietddude/chatdigest/internal/infra/llm/provider"
	"github.com/vietddude/chatdigest/internal/infra/llm/routing"
)

// NewBackend creates one backend from its config.
func NewBackend(ctx context.Context, cfg provider.Config) (provider.Provider, error) {
	if cfg.Name == "" {
		cfg.Name = string(cfg.Type)
	}

	switch cfg.Type {
	case provider.TypeGemini:
		return gemini.New(ctx, cfg)
	case provider.TypeAnthropic:
		return anthropic.New(cfg), nil
	case provider.TypeOpenAI:
		return openai.New(cfg), nil
	case provider.TypeMock:
		return mock.New(cfg.Name, nil), nil
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Type)
	}
}

// NewChain creates the ordered backend chain. With useMock set every
// configured backend is replaced by a single offline mock.
func NewChain(ctx context.Context, cfgs []provider.Config, useMock bool, logger *slog.Logger) (*routing.Chain, error) {
	if useMock {
		return routing.NewChain(logger, mock.New("mock", nil)), nil
	}
	if len(cfgs) == 0 {
		return nil, routing.ErrNoBackends
	}

	backends := make([]provider.Provider, 0, len(cfgs))
	for _, cfg := range cfgs {
		b, err := NewBackend(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", cfg.Name, err)
		}
		backends = append(backends, b)
	}
	return routing.NewChain(logger, backends...), nil
}
