// Package retry implements the per-adapter retry policy: exponential
// backoff with jitter over a fixed attempt budget, applied only to
// non-streaming calls. Hand-rolled rather than built on an
// off-the-shelf retry library (see DESIGN.md) because the delay bound
// (Σ min(max_delay, initial_delay·base^(k-1))·1.25) has to be exactly
// reproducible for testing, and no retry library available exposes its
// backoff formula precisely enough to pin that down.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/apierr"
)

// Policy is the per-model retry configuration.
type Policy struct {
	Enabled         bool
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool
}

// DefaultPolicy is the retry policy used when a model declares none of
// its own.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:         true,
		MaxRetries:      3,
		InitialDelay:    1 * time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
	}
}

// delayForAttempt returns the base delay (pre-jitter) for attempt n
// (1-indexed): min(max_delay, initial_delay * base^(n-1)).
func delayForAttempt(p Policy, n int) time.Duration {
	base := p.InitialDelay.Seconds()
	for i := 1; i < n; i++ {
		base *= p.ExponentialBase
	}
	d := time.Duration(base * float64(time.Second))
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// jitterFactor draws a uniform factor in [0.75, 1.25]. Exposed as a var
// so tests can pin it to a deterministic value and check the exact
// delay bound.
var jitterFactor = func() float64 {
	return 0.75 + rand.Float64()*0.5
}

func applyJitter(p Policy, d time.Duration) time.Duration {
	if !p.Jitter {
		return d
	}
	return time.Duration(float64(d) * jitterFactor())
}

// IsRetryable classifies an error: transport-layer network errors,
// timeouts, and upstream statuses in
// {408, 425, 429, 500, 502, 503, 504} are retryable; everything else,
// including "model not found", is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Kind {
		case apierr.KindUpstreamTransient, apierr.KindTimeout:
			return true
		case apierr.KindRateLimited:
			return true
		default:
			return false
		}
	}

	return false
}

// Do runs fn up to p.MaxRetries+1 times, sleeping between attempts per
// delayForAttempt+jitter, stopping early on a non-retryable error,
// context cancellation, or shouldAbort reporting true (the caller's
// circuit breaker tripping mid-sequence). The breaker observes
// post-retry outcomes, not individual retries — Do itself doesn't touch
// it, but must still stop promptly if told to.
func Do(ctx context.Context, p Policy, shouldAbort func() bool, fn func(ctx context.Context) error) error {
	if !p.Enabled {
		return fn(ctx)
	}

	var lastErr error
	attempts := p.MaxRetries + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		if shouldAbort != nil && shouldAbort() {
			return apierr.New(apierr.KindCircuitOpen, "circuit opened during retry sequence")
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		delay := applyJitter(p, delayForAttempt(p, attempt))
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	return lastErr
}
