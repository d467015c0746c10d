package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/vietddude/chatdigest/internal/infra/llm/provider"
)

// ErrNoBackends is returned when a chain has no usable backend left.
var ErrNoBackends = errors.New("no generation backends available")

// BackendError is a failure of one backend in a chain. Kind is classified
// from the backend's own error, before the backend name is attached.
type BackendError struct {
	Backend string
	Kind    Kind
	Err     error
}

func (e *BackendError) Error() string { return e.Backend + ": " + e.Err.Error() }

func (e *BackendError) Unwrap() error { return e.Err }

// Chain tries backends in order. A backend that fails with a backend-specific
// fatal kind (auth, quota, daily cap) is disabled and the next one is tried.
// Every other failure is returned to the caller unchanged.
type Chain struct {
	backends []provider.Provider
	logger   *slog.Logger

	mu       sync.Mutex
	disabled map[string]error
}

// NewChain creates a chain over backends.
func NewChain(logger *slog.Logger, backends ...provider.Provider) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		backends: backends,
		logger:   logger,
		disabled: make(map[string]error),
	}
}

func (c *Chain) Name() string {
	names := make([]string, 0, len(c.backends))
	for _, b := range c.backends {
		names = append(names, b.Name())
	}
	return strings.Join(names, ">")
}

func (c *Chain) Generate(ctx context.Context, req provider.Request) (provider.Result, error) {
	active := c.active()
	if len(active) == 0 {
		return provider.Result{}, c.exhausted()
	}

	for n, b := range active {
		res, err := b.Generate(ctx, req)
		if err == nil && res.Text == "" {
			err = provider.ErrEmptyResponse
		}
		if err == nil {
			if res.Backend == "" {
				res.Backend = b.Name()
			}
			return res, nil
		}

		kind := Classify(err)
		err = &BackendError{Backend: b.Name(), Kind: kind, Err: err}
		if !kind.BackendSpecific() || ctx.Err() != nil {
			return provider.Result{}, err
		}

		c.disable(b.Name(), err)
		if n == len(active)-1 {
			return provider.Result{}, err
		}
		c.logger.Warn("Backend unavailable, falling back",
			"backend", b.Name(),
			"next", active[n+1].Name(),
			"kind", kind,
			"error", err,
		)
	}

	return provider.Result{}, c.exhausted()
}

func (c *Chain) active() []provider.Provider {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []provider.Provider
	for _, b := range c.backends {
		if _, off := c.disabled[b.Name()]; !off {
			out = append(out, b)
		}
	}
	return out
}

func (c *Chain) disable(name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disabled[name] = err
}

// exhausted reports the last disabling error so it still classifies correctly.
func (c *Chain) exhausted() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.backends) - 1; i >= 0; i-- {
		if err, ok := c.disabled[c.backends[i].Name()]; ok {
			return fmt.Errorf("%w: %w", ErrNoBackends, err)
		}
	}
	return ErrNoBackends
}
