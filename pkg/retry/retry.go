package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/halim/relay/internal/observability"
)

// Options tunes a retry sequence. Zero values fall back to the defaults
// below; the whole sequence is bounded by TimeBudget wall-clock time.
type Options struct {
	// TimeBudget bounds the entire sequence including sleeps. Once spent,
	// the last error is returned even if it is retryable.
	TimeBudget time.Duration

	// BaseDelay is the first backoff delay; it doubles each attempt.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth for ordinary transient errors.
	MaxDelay time.Duration

	// RateLimitMinDelay floors the delay for rate-limit errors, which tend
	// to need longer waits than the exponential schedule suggests.
	RateLimitMinDelay time.Duration

	// RateLimitMaxDelay caps rate-limit delays separately from MaxDelay.
	RateLimitMaxDelay time.Duration

	// ShouldRetry decides whether an error is transient. Nil means
	// DefaultShouldRetry.
	ShouldRetry func(error) bool

	// Label names the operation in logs and metrics.
	Label string

	// now and sleep are test seams.
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

const (
	defaultTimeBudget        = 2 * time.Minute
	defaultBaseDelay         = 500 * time.Millisecond
	defaultMaxDelay          = 15 * time.Second
	defaultRateLimitMinDelay = 2 * time.Second
	defaultRateLimitMaxDelay = 60 * time.Second

	// jitterFraction adds 0..30% of the computed delay.
	jitterFraction = 0.3
)

func (o Options) withDefaults() Options {
	if o.TimeBudget <= 0 {
		o.TimeBudget = defaultTimeBudget
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = defaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = defaultMaxDelay
	}
	if o.RateLimitMinDelay <= 0 {
		o.RateLimitMinDelay = defaultRateLimitMinDelay
	}
	if o.RateLimitMaxDelay <= 0 {
		o.RateLimitMaxDelay = defaultRateLimitMaxDelay
	}
	if o.ShouldRetry == nil {
		o.ShouldRetry = DefaultShouldRetry
	}
	if o.Label == "" {
		o.Label = "call"
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.sleep == nil {
		o.sleep = sleepCtx
	}
	return o
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs fn with bounded exponential backoff. A non-retryable error returns
// immediately after a single attempt; a retryable one sleeps and tries again
// until the wall-clock budget is spent.
func Do[T any](ctx context.Context, opts Options, fn func(context.Context) (T, error)) (T, error) {
	opts = opts.withDefaults()
	deadline := opts.now().Add(opts.TimeBudget)

	var zero T
	var lastErr error

	for attempt := 0; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				observability.RecordRetry(opts.Label, attempt, true)
			}
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, lastErr
		}
		if !opts.ShouldRetry(err) {
			return zero, lastErr
		}

		delay := opts.delayFor(attempt, err)
		if opts.now().Add(delay).After(deadline) {
			observability.RecordRetry(opts.Label, attempt, false)
			log.Warn().
				Str("label", opts.Label).
				Int("attempts", attempt+1).
				Err(lastErr).
				Msg("Retry budget exhausted")
			return zero, lastErr
		}

		log.Debug().
			Str("label", opts.Label).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying after transient error")

		if err := opts.sleep(ctx, delay); err != nil {
			return zero, lastErr
		}
	}
}

// delayFor computes the next backoff delay: exponential with jitter, raised
// to any server-supplied hint, with rate-limit errors floored and separately
// capped.
func (o Options) delayFor(attempt int, err error) time.Duration {
	delay := o.BaseDelay << uint(attempt)
	if delay > o.MaxDelay || delay <= 0 {
		delay = o.MaxDelay
	}
	delay += time.Duration(rand.Float64() * jitterFraction * float64(delay))

	if hint := RetryAfterHint(err, o.now()); hint > delay {
		delay = hint
	}

	if IsRateLimit(err) {
		if delay < o.RateLimitMinDelay {
			delay = o.RateLimitMinDelay
		}
		if delay > o.RateLimitMaxDelay {
			delay = o.RateLimitMaxDelay
		}
	}
	return delay
}
