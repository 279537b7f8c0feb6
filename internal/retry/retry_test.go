package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/apierr"
)

func TestDelayForAttemptMatchesExponentialFormula(t *testing.T) {
	p := Policy{InitialDelay: 1 * time.Second, MaxDelay: 60 * time.Second, ExponentialBase: 2.0}

	assert.Equal(t, 1*time.Second, delayForAttempt(p, 1))
	assert.Equal(t, 2*time.Second, delayForAttempt(p, 2))
	assert.Equal(t, 4*time.Second, delayForAttempt(p, 3))
}

func TestDelayForAttemptCapsAtMaxDelay(t *testing.T) {
	p := Policy{InitialDelay: 1 * time.Second, MaxDelay: 5 * time.Second, ExponentialBase: 2.0}
	assert.Equal(t, 5*time.Second, delayForAttempt(p, 10))
}

func TestIsRetryableClassification(t *testing.T) {
	assert.True(t, IsRetryable(apierr.New(apierr.KindUpstreamTransient, "502")))
	assert.True(t, IsRetryable(apierr.New(apierr.KindTimeout, "timeout")))
	assert.False(t, IsRetryable(apierr.New(apierr.KindModelNotFound, "404")))
	assert.False(t, IsRetryable(apierr.New(apierr.KindRequestValidation, "400")))
	assert.False(t, IsRetryable(nil))
}

// TestDoRetriesWithExponentialBackoffThenSucceeds covers max_retries=3,
// initial_delay=1ms (scaled down from 1s for test speed), base=2.0,
// jitter=false, upstream fails twice then succeeds. Total attempts must
// be 3, with delays of at least 1ms then 2ms between them.
func TestDoRetriesWithExponentialBackoffThenSucceeds(t *testing.T) {
	p := Policy{
		Enabled:         true,
		MaxRetries:      3,
		InitialDelay:    1 * time.Millisecond,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          false,
	}

	var calls int
	var gaps []time.Duration
	last := time.Now()

	err := Do(context.Background(), p, nil, func(ctx context.Context) error {
		now := time.Now()
		gaps = append(gaps, now.Sub(last))
		last = now
		calls++
		if calls < 3 {
			return apierr.New(apierr.KindUpstreamTransient, "503")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	// gaps[0] is ~0 (first call), gaps[1] ~= 1ms, gaps[2] ~= 2ms.
	assert.GreaterOrEqual(t, gaps[1], 1*time.Millisecond)
	assert.GreaterOrEqual(t, gaps[2], 2*time.Millisecond)
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	p := DefaultPolicy()
	p.InitialDelay = time.Millisecond

	var calls int
	err := Do(context.Background(), p, nil, func(ctx context.Context) error {
		calls++
		return apierr.New(apierr.KindModelNotFound, "404")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRespectsMaxRetriesBudget(t *testing.T) {
	p := DefaultPolicy()
	p.MaxRetries = 2
	p.InitialDelay = time.Millisecond

	var calls int
	err := Do(context.Background(), p, nil, func(ctx context.Context) error {
		calls++
		return apierr.New(apierr.KindUpstreamTransient, "503")
	})

	assert.Error(t, err)
	assert.Equal(t, 3, calls) // max_retries+1
}

func TestDoAbortsWhenBreakerOpensMidSequence(t *testing.T) {
	p := DefaultPolicy()
	p.InitialDelay = time.Millisecond

	var calls int
	err := Do(context.Background(), p, func() bool { return calls > 0 }, func(ctx context.Context) error {
		calls++
		return apierr.New(apierr.KindUpstreamTransient, "503")
	})

	var apiErr *apierr.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, apierr.KindCircuitOpen, apiErr.Kind)
	assert.Equal(t, 1, calls)
}
