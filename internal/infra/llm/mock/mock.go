// Package mock provides an offline generation backend for dry runs and tests.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/vietddude/chatdigest/internal/infra/llm/provider"
)

const (
	topicsResponse = `[{"topic":"Crypto","count_hint":30},{"topic":"Politics","count_hint":20},` +
		`{"topic":"Technology","count_hint":15},{"topic":"Finance","count_hint":10},{"topic":"Humor","count_hint":8}]`
	styleResponse = `{"tone":"informal, ironic","avg_length":"short messages",` +
		`"emoji_use":"moderate","vocabulary":"colloquial with slang"}`
	postResponse    = "Mock post: crypto is up again, and so is everyone's blood pressure."
	defaultResponse = `{"summary":"Mock summary of the messages."}`
)

// Responder produces the reply for one call. Tests use it to script failures.
type Responder func(call int, req provider.Request) (string, error)

// Provider answers with canned JSON chosen by the system prompt.
type Provider struct {
	name    string
	respond Responder

	mu       sync.Mutex
	requests []provider.Request
}

// New creates a mock backend. A nil responder uses the canned replies.
func New(name string, respond Responder) *Provider {
	if name == "" {
		name = "mock"
	}
	if respond == nil {
		respond = func(_ int, req provider.Request) (string, error) {
			return Canned(req.System), nil
		}
	}
	return &Provider{name: name, respond: respond}
}

// Canned picks the canned reply for a system prompt.
func Canned(system string) string {
	sys := strings.ToLower(system)
	switch {
	case strings.Contains(sys, "channel post"):
		return postResponse
	case strings.Contains(sys, "topic"):
		return topicsResponse
	case strings.Contains(sys, "style"):
		return styleResponse
	}
	return defaultResponse
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Generate(ctx context.Context, req provider.Request) (provider.Result, error) {
	if err := ctx.Err(); err != nil {
		return provider.Result{}, err
	}

	p.mu.Lock()
	call := len(p.requests)
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	text, err := p.respond(call, req)
	if err != nil {
		return provider.Result{}, err
	}
	return provider.Result{Text: text, Backend: p.name, Model: req.ModelOr("mock")}, nil
}

// Calls returns how many requests were received.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Requests returns a copy of the received requests.
func (p *Provider) Requests() []provider.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.Request(nil), p.requests...)
}
