// Package post writes a channel post from the final artifacts of a topics
// run and a style run.
package post

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vietddude/chatdigest/internal/analysis/prompt"
	"github.com/vietddude/chatdigest/internal/core/checkpoint"
	"github.com/vietddude/chatdigest/internal/infra/llm/provider"
)

const (
	temperature = 0.7
	maxTokens   = 2048

	emptyTopics = "[]"
	emptyStyle  = "{}"
)

// Invoker performs one generation call with retries.
type Invoker interface {
	Invoke(ctx context.Context, req provider.Request) (string, error)
}

// Source returns the final artifact of a run.
type Source interface {
	ReadFinal() (string, error)
}

// Generator produces posts.
type Generator struct {
	invoker Invoker
	model   string
	log     *slog.Logger
}

// NewGenerator creates a Generator. An empty model uses each backend's default.
func NewGenerator(invoker Invoker, model string, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{invoker: invoker, model: model, log: logger}
}

// Generate reads both artifacts and asks for one post. A missing artifact is
// replaced by an empty JSON value so a post can still be written from the other.
func (g *Generator) Generate(ctx context.Context, topics, style Source) (string, error) {
	topicsText, err := g.read(topics, "topics", emptyTopics)
	if err != nil {
		return "", err
	}
	styleText, err := g.read(style, "style", emptyStyle)
	if err != nil {
		return "", err
	}

	text, err := g.invoker.Invoke(ctx, provider.Request{
		Model:       g.model,
		System:      prompt.PostSystem,
		Prompt:      prompt.RenderPost(topicsText, styleText),
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate post: %w", err)
	}

	post := strings.TrimSpace(text)
	g.log.Info("Post generated", "chars", len([]rune(post)))
	return post, nil
}

func (g *Generator) read(src Source, what, fallback string) (string, error) {
	text, err := src.ReadFinal()
	if errors.Is(err, checkpoint.ErrRunNotFound) {
		g.log.Warn("No final artifact, continuing without it", "artifact", what)
		return fallback, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s artifact: %w", what, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fallback, nil
	}
	return text, nil
}
