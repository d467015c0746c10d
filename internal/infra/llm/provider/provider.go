// Package provider defines the contract every text-generation backend implements.
package provider

import (
	"context"
	"errors"
)

var (
	// ErrEmptyResponse is returned when a backend answers with no text.
	ErrEmptyResponse = errors.New("empty response from model")
	// ErrMissingCredential is returned when a backend has no API key configured.
	ErrMissingCredential = errors.New("missing API credential")
)

// Type names a backend implementation.
type Type string

const (
	TypeGemini    Type = "gemini"
	TypeAnthropic Type = "anthropic"
	TypeOpenAI    Type = "openai"
	TypeMock      Type = "mock"
)

// Config holds settings for one generation backend.
type Config struct {
	Name        string  `yaml:"name"        validate:"required"`
	Type        Type    `yaml:"type"        validate:"required,oneof=gemini anthropic openai mock"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Temperature float64 `yaml:"temperature" validate:"gte=0"`
	MaxTokens   int     `yaml:"max_tokens"  validate:"gte=0"`
}

// Request is a single generation call. Prompt carries the rendered instructions
// and Data carries the batch text or serialized partial results.
type Request struct {
	Model       string
	System      string
	Prompt      string
	Data        string
	Temperature float64
	MaxTokens   int
}

// UserText joins the prompt and its data payload into one user turn.
func (r Request) UserText() string {
	switch {
	case r.Prompt == "":
		return r.Data
	case r.Data == "":
		return r.Prompt
	}
	return r.Prompt + "\n\n" + r.Data
}

// Result is the text returned by a backend.
type Result struct {
	Text    string
	Backend string
	Model   string
}

// Provider is a text-generation backend.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (Result, error)
}

// ModelOr returns the request model, falling back to def.
func (r Request) ModelOr(def string) string {
	if r.Model != "" {
		return r.Model
	}
	return def
}
