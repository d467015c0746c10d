package routing

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Clock abstracts time for the limiter and the retry loop.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RealClock is the wall clock.
var RealClock Clock = realClock{}

// RateLimiter spaces call starts at least interval apart. One limiter is owned
// by a run and shared by its map and reduce stages.
type RateLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	clock   Clock
}

// NewRateLimiter creates a limiter. An interval of zero or less disables pacing.
func NewRateLimiter(interval time.Duration, clock Clock) *RateLimiter {
	if clock == nil {
		clock = RealClock
	}
	l := &RateLimiter{clock: clock}
	if interval > 0 {
		l.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
	return l
}

// Wait blocks until the next call may start.
func (l *RateLimiter) Wait(ctx context.Context) error {
	if l.limiter == nil {
		return ctx.Err()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	r := l.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	if err := l.clock.Sleep(ctx, delay); err != nil {
		r.CancelAt(l.clock.Now())
		return err
	}
	return nil
}
