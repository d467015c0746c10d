package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/vietddude/chatdigest/internal/analysis/metrics"
	"github.com/vietddude/chatdigest/internal/infra/llm/provider"
)

// RetryConfig defines retry behavior.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxJitter    time.Duration
	// Timeout bounds each attempt.
	Timeout time.Duration
}

// DefaultRetryConfig provides the default policy.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:  6,
	InitialDelay: 2 * time.Second,
	MaxDelay:     60 * time.Second,
	MaxJitter:    time.Second,
	Timeout:      60 * time.Second,
}

// InvokeError is returned when a call fails fatally or runs out of attempts.
type InvokeError struct {
	Kind     Kind
	Attempts int
	Backend  string
	Err      error
}

func (e *InvokeError) Error() string {
	if e.Backend != "" {
		return fmt.Sprintf("%s after %d attempt(s) on %s: %v", e.Kind, e.Attempts, e.Backend, e.Err)
	}
	return fmt.Sprintf("%s after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
}

func (e *InvokeError) Unwrap() error { return e.Err }

// KindOf returns the classified kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var ie *InvokeError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return Classify(err)
}

// Invoker wraps a backend with pacing, a per-attempt timeout and retries.
type Invoker struct {
	backend provider.Provider
	limiter *RateLimiter
	config  RetryConfig
	clock   Clock
	jitter  func(max time.Duration) time.Duration
	logger  *slog.Logger
	phase   string
}

// InvokerOption customizes an Invoker.
type InvokerOption func(*Invoker)

// WithClock replaces the clock used for backoff sleeps.
func WithClock(c Clock) InvokerOption {
	return func(i *Invoker) { i.clock = c }
}

// WithJitter replaces the jitter source.
func WithJitter(f func(max time.Duration) time.Duration) InvokerOption {
	return func(i *Invoker) { i.jitter = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) InvokerOption {
	return func(i *Invoker) { i.logger = l }
}

// NewInvoker creates an Invoker. Zero fields in config take their defaults.
func NewInvoker(backend provider.Provider, limiter *RateLimiter, config RetryConfig, opts ...InvokerOption) *Invoker {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultRetryConfig.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = DefaultRetryConfig.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = DefaultRetryConfig.MaxDelay
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultRetryConfig.Timeout
	}
	if limiter == nil {
		limiter = NewRateLimiter(0, nil)
	}

	inv := &Invoker{
		backend: backend,
		limiter: limiter,
		config:  config,
		clock:   RealClock,
		jitter:  randomJitter,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}

// Invoke performs one logical generation call and returns the response text.
// Retryable failures are absorbed up to the attempt cap.
func (i *Invoker) Invoke(ctx context.Context, req provider.Request) (string, error) {
	var (
		lastErr  error
		lastKind Kind
	)

	for attempt := 0; attempt < i.config.MaxAttempts; attempt++ {
		if err := i.limiter.Wait(ctx); err != nil {
			return "", err
		}

		start := time.Now()
		text, err := i.attempt(ctx, req)
		metrics.LLMLatency.WithLabelValues(i.backend.Name()).Observe(time.Since(start).Seconds())
		if err == nil {
			return text, nil
		}

		// Cancellation of the run is not a backend failure.
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		lastErr = err
		lastKind = Classify(err)
		metrics.LLMErrorsTotal.WithLabelValues(i.backend.Name(), string(lastKind)).Inc()

		if !lastKind.Retryable() {
			return "", &InvokeError{Kind: lastKind, Attempts: attempt + 1, Backend: i.backend.Name(), Err: err}
		}
		if attempt == i.config.MaxAttempts-1 {
			break
		}

		delay := i.backoff(attempt, err)
		i.logger.Warn("Generation call failed, retrying",
			"kind", lastKind,
			"attempt", attempt+1,
			"max_attempts", i.config.MaxAttempts,
			"delay", delay,
			"error", err,
		)
		metrics.LLMRetriesTotal.WithLabelValues(string(lastKind)).Inc()

		if err := i.clock.Sleep(ctx, delay); err != nil {
			return "", err
		}
	}

	return "", &InvokeError{
		Kind:     lastKind,
		Attempts: i.config.MaxAttempts,
		Backend:  i.backend.Name(),
		Err:      lastErr,
	}
}

// attempt runs a single call under the per-attempt timeout. The call runs in
// its own goroutine so a backend that ignores ctx still times out.
func (i *Invoker) attempt(ctx context.Context, req provider.Request) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, i.config.Timeout)
	defer cancel()

	type result struct {
		res provider.Result
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := i.backend.Generate(callCtx, req)
		done <- result{res, err}
	}()

	select {
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("call timed out after %s: %w", i.config.Timeout, context.DeadlineExceeded)
	case r := <-done:
		if r.err != nil {
			return "", r.err
		}
		if r.res.Text == "" {
			return "", provider.ErrEmptyResponse
		}
		metrics.LLMCallsTotal.WithLabelValues(r.res.Backend, i.phase).Inc()
		return r.res.Text, nil
	}
}

// backoff prefers a server-suggested delay, else initial * 2^attempt capped.
func (i *Invoker) backoff(attempt int, err error) time.Duration {
	if d := ExtractRetryDelay(err.Error()); d > 0 {
		return d + i.jitter(i.config.MaxJitter)
	}

	delay := float64(i.config.InitialDelay) * math.Pow(2, float64(attempt))
	if delay > float64(i.config.MaxDelay) {
		delay = float64(i.config.MaxDelay)
	}
	return time.Duration(delay) + i.jitter(i.config.MaxJitter)
}

// ForPhase returns a copy of the invoker that labels its metrics with phase.
func (i *Invoker) ForPhase(phase string) *Invoker {
	cp := *i
	cp.phase = phase
	return &cp
}
