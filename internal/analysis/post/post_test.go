package post

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/chatdigest/internal/analysis/prompt"
	"github.com/vietddude/chatdigest/internal/core/checkpoint"
	"github.com/vietddude/chatdigest/internal/infra/llm/mock"
	"github.com/vietddude/chatdigest/internal/infra/llm/provider"
	"github.com/vietddude/chatdigest/internal/infra/llm/routing"
)

type finalText struct {
	text string
	err  error
}

func (f finalText) ReadFinal() (string, error) { return f.text, f.err }

func newGenerator(backend provider.Provider) *Generator {
	inv := routing.NewInvoker(backend, nil, routing.RetryConfig{MaxAttempts: 1, Timeout: time.Second})
	return NewGenerator(inv, "", nil)
}

func TestGenerate(t *testing.T) {
	backend := mock.New("mock", func(int, provider.Request) (string, error) {
		return "\n A post about Go. \n", nil
	})

	out, err := newGenerator(backend).Generate(context.Background(),
		finalText{text: `[{"topic":"Go"}]` + "\n"},
		finalText{text: `{"tone":"dry"}`},
	)
	require.NoError(t, err)
	assert.Equal(t, "A post about Go.", out)

	require.Equal(t, 1, backend.Calls())
	req := backend.Requests()[0]
	assert.Equal(t, prompt.PostSystem, req.System)
	assert.Equal(t, prompt.RenderPost(`[{"topic":"Go"}]`, `{"tone":"dry"}`), req.Prompt)
	assert.Equal(t, 0.7, req.Temperature)
	assert.Equal(t, 2048, req.MaxTokens)
}

func TestGenerate_MissingArtifacts(t *testing.T) {
	backend := mock.New("mock", nil)
	missing := finalText{err: checkpoint.ErrRunNotFound}

	out, err := newGenerator(backend).Generate(context.Background(), missing, finalText{text: "  "})
	require.NoError(t, err)
	assert.NotEmpty(t, out)
	assert.Equal(t, prompt.RenderPost("[]", "{}"), backend.Requests()[0].Prompt)
}

func TestGenerate_ReadError(t *testing.T) {
	backend := mock.New("mock", nil)

	_, err := newGenerator(backend).Generate(context.Background(),
		finalText{err: errors.New("permission denied")},
		finalText{text: "{}"},
	)
	assert.Error(t, err)
	assert.Equal(t, 0, backend.Calls())
}

func TestGenerate_BackendFailure(t *testing.T) {
	backend := mock.New("mock", func(int, provider.Request) (string, error) {
		return "", errors.New("401 Unauthorized")
	})

	_, err := newGenerator(backend).Generate(context.Background(), finalText{text: "[]"}, finalText{text: "{}"})
	require.Error(t, err)
	assert.Equal(t, routing.KindAuth, routing.KindOf(err))
}
