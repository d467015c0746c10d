package routing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/chatdigest/internal/infra/llm/mock"
	"github.com/vietddude/chatdigest/internal/infra/llm/provider"
)

func scripted(errs ...error) *mock.Provider {
	return mock.New("scripted", func(call int, _ provider.Request) (string, error) {
		if call < len(errs) && errs[call] != nil {
			return "", errs[call]
		}
		return `{"ok":true}`, nil
	})
}

func newTestInvoker(p provider.Provider, clock *fakeClock, cfg RetryConfig) *Invoker {
	return NewInvoker(p, NewRateLimiter(0, clock), cfg, WithClock(clock), WithJitter(noJitter))
}

func TestInvoker_RetriesThenSucceeds(t *testing.T) {
	clock := newFakeClock()
	p := scripted(
		errors.New("503 Service Unavailable"),
		errors.New("429 Too Many Requests"),
	)
	inv := newTestInvoker(p, clock, RetryConfig{InitialDelay: time.Second, MaxDelay: 10 * time.Second})

	text, err := inv.Invoke(context.Background(), provider.Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, text)
	assert.Equal(t, 3, p.Calls())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.Sleeps())
}

func TestInvoker_PrefersServerDelay(t *testing.T) {
	clock := newFakeClock()
	p := scripted(errors.New("429 RESOURCE_EXHAUSTED. Please retry in 7s."))
	inv := newTestInvoker(p, clock, RetryConfig{InitialDelay: time.Second})

	_, err := inv.Invoke(context.Background(), provider.Request{})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{7 * time.Second}, clock.Sleeps())
}

func TestInvoker_BackoffCapped(t *testing.T) {
	clock := newFakeClock()
	timeout := errors.New("deadline exceeded")
	p := scripted(timeout, timeout, timeout, timeout)
	inv := newTestInvoker(p, clock, RetryConfig{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: 3 * time.Second})

	_, err := inv.Invoke(context.Background(), provider.Request{})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}, clock.Sleeps())
}

func TestInvoker_FatalStopsImmediately(t *testing.T) {
	clock := newFakeClock()
	p := scripted(errors.New("Error 403, Status: PERMISSION_DENIED"))
	inv := newTestInvoker(p, clock, RetryConfig{})

	_, err := inv.Invoke(context.Background(), provider.Request{})
	require.Error(t, err)

	var ie *InvokeError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, KindAuth, ie.Kind)
	assert.Equal(t, 1, ie.Attempts)
	assert.Contains(t, err.Error(), "PERMISSION_DENIED")
	assert.Equal(t, 1, p.Calls())
	assert.Empty(t, clock.Sleeps())
}

func TestInvoker_AttemptsExhausted(t *testing.T) {
	clock := newFakeClock()
	p := mock.New("flaky", func(int, provider.Request) (string, error) {
		return "", errors.New("500 internal error")
	})
	inv := newTestInvoker(p, clock, RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond})

	_, err := inv.Invoke(context.Background(), provider.Request{})
	assert.Equal(t, KindServerError, KindOf(err))

	var ie *InvokeError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 3, ie.Attempts)
	assert.Equal(t, 3, p.Calls())
	assert.Len(t, clock.Sleeps(), 2)
}

func TestInvoker_EmptyTextIsFatal(t *testing.T) {
	clock := newFakeClock()
	p := mock.New("blank", func(int, provider.Request) (string, error) { return "", nil })
	inv := newTestInvoker(p, clock, RetryConfig{})

	_, err := inv.Invoke(context.Background(), provider.Request{})
	assert.ErrorIs(t, err, provider.ErrEmptyResponse)
	assert.Equal(t, KindInvalidRequest, KindOf(err))
	assert.Equal(t, 1, p.Calls())
}

type blockingProvider struct{}

func (blockingProvider) Name() string { return "blocking" }

// Generate ignores ctx on purpose.
func (blockingProvider) Generate(context.Context, provider.Request) (provider.Result, error) {
	time.Sleep(time.Hour)
	return provider.Result{}, nil
}

func TestInvoker_TimeoutOnUncooperativeBackend(t *testing.T) {
	clock := newFakeClock()
	inv := newTestInvoker(blockingProvider{}, clock, RetryConfig{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		Timeout:      20 * time.Millisecond,
	})

	start := time.Now()
	_, err := inv.Invoke(context.Background(), provider.Request{})
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInvoker_ParentCancel(t *testing.T) {
	clock := newFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	p := mock.New("cancel", func(int, provider.Request) (string, error) {
		cancel()
		return "", errors.New("503 unavailable")
	})
	inv := newTestInvoker(p, clock, RetryConfig{})

	_, err := inv.Invoke(ctx, provider.Request{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, p.Calls())
}
