package rest

import (
	"context"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	maxRetries            = 4
	backoffBase           = 1 * time.Second
	backoffFactor         = 4.0
	unauthorizedRetryWait = 100 * time.Millisecond
)

// sleeper waits for d, returning early with ctx.Err() if ctx is canceled
// first. Each policy keeps one in an unexported field, set to
// defaultSleeper by its constructor, so tests in this package can swap in a
// fast, deterministic stand-in instead of sleeping for real.
type sleeper func(ctx context.Context, d time.Duration) error

func defaultSleeper(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Policy is the per-request retry decision. ShouldRetry must block for the
// appropriate backoff itself before returning true (spec.md §4.2, §7:
// "Retry policy always sleeps inside should_retry before returning true;
// there is no separate sleep step in the engine"). Policies are
// constructed fresh per request — they are not safe to share across
// concurrent invocations.
type Policy interface {
	ShouldRetry(ctx context.Context, httpStatus int, err error) bool
}

// geometricBackoff implements retry.Backoff with a fixed base and
// multiplicative factor (unlike retry.NewExponential, which always doubles).
// spec.md §4.2's exponential policy wants 1s·4^(k-1): 1, 4, 16, 64 seconds.
type geometricBackoff struct {
	attempt int
	base    time.Duration
	factor  float64
}

func newGeometricBackoff(base time.Duration, factor float64) retry.Backoff {
	return &geometricBackoff{base: base, factor: factor}
}

func (b *geometricBackoff) Next() (time.Duration, bool) {
	d := time.Duration(float64(b.base) * math.Pow(b.factor, float64(b.attempt)))
	b.attempt++

	return d, false
}

// retryableStatus5xx reports whether status is a retryable 5xx per
// spec.md §4.2: "all 5xx except 501 and 505".
func retryableStatus5xx(status int) bool {
	if status < http.StatusInternalServerError {
		return false
	}

	return status != http.StatusNotImplemented && status != http.StatusHTTPVersionNotSupported
}

// NoRetryPolicy is the at-most-once policy: no retry at all, except a
// single retry on HTTP 401 after a 100ms wait in case the token had just
// gone stale (spec.md §4.2).
type NoRetryPolicy struct {
	sleep        sleeper
	used401Retry bool
}

// NewNoRetryPolicy constructs a fresh, single-use NoRetryPolicy.
func NewNoRetryPolicy() *NoRetryPolicy {
	return &NoRetryPolicy{sleep: defaultSleeper}
}

func (p *NoRetryPolicy) ShouldRetry(ctx context.Context, httpStatus int, _ error) bool {
	if httpStatus == http.StatusUnauthorized && !p.used401Retry {
		p.used401Retry = true

		return p.sleep(ctx, unauthorizedRetryWait) == nil
	}

	return false
}

// ExponentialBackoffPolicy is the default, idempotent policy: retries
// transport errors and the statuses enumerated in spec.md §4.2, up to
// maxRetries times, sleeping a geometric 1/4/16/64s sequence (plus the
// standalone 100ms 401 wait, which does not consume a backoff step).
type ExponentialBackoffPolicy struct {
	sleep        sleeper
	backoff      retry.Backoff
	used401Retry bool
	attempts     int
}

// NewExponentialBackoffPolicy constructs a fresh policy instance. Each
// request must get its own instance — the internal counters are mutable
// and not safe to reuse across requests (spec.md §4.2).
func NewExponentialBackoffPolicy() *ExponentialBackoffPolicy {
	return NewExponentialBackoffPolicyWithConfig(maxRetries, backoffBase, backoffFactor)
}

// BackoffConfig overrides the exponential policy's retry count and
// geometric sequence (spec.md §6 configuration:
// "exponential_backoff(max_retries, initial_interval_ms, factor)").
type BackoffConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	Factor          float64
}

// NewExponentialBackoffPolicyWithConfig builds a policy with caller-chosen
// retry bounds instead of the spec's 1/4/16/64s defaults.
func NewExponentialBackoffPolicyWithConfig(maxAttempts int, initialInterval time.Duration, factor float64) *ExponentialBackoffPolicy {
	return &ExponentialBackoffPolicy{
		sleep:   defaultSleeper,
		backoff: retry.WithMaxRetries(uint64(maxAttempts), newGeometricBackoff(initialInterval, factor)),
	}
}

func (p *ExponentialBackoffPolicy) ShouldRetry(ctx context.Context, httpStatus int, callErr error) bool {
	if httpStatus == http.StatusUnauthorized && !p.used401Retry {
		p.used401Retry = true

		return p.sleep(ctx, unauthorizedRetryWait) == nil
	}

	if !p.retryable(httpStatus, callErr) {
		return false
	}

	d, stop := p.backoff.Next()
	if stop {
		return false
	}

	p.attempts++

	return p.sleep(ctx, d) == nil
}

func (p *ExponentialBackoffPolicy) retryable(httpStatus int, callErr error) bool {
	// httpStatus == 0 means the request never got a response at all (a
	// genuine transport failure); any other status already carries a
	// non-nil classification error from classifyFailure, which must not
	// make an otherwise non-retryable status (e.g. 400/403/404) retry
	// (spec.md §4.2, §7 kind-5).
	// A token-acquisition failure also has status 0 but is never retried.
	if httpStatus == 0 && callErr != nil && !errors.Is(callErr, ErrAuthentication) &&
		!errors.Is(callErr, context.Canceled) && !errors.Is(callErr, context.DeadlineExceeded) {
		return true
	}

	switch httpStatus {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	default:
		return retryableStatus5xx(httpStatus)
	}
}

// NonIdempotentPolicy guards operations that must not be blindly replayed
// (e.g. Create without overwrite). No retry on transport errors; one 401
// retry; up to maxRetries retries on 429 only, since throttling alone is
// guaranteed state-preserving (spec.md §4.2).
type NonIdempotentPolicy struct {
	sleep        sleeper
	backoff      retry.Backoff
	used401Retry bool
}

func NewNonIdempotentPolicy() *NonIdempotentPolicy {
	return &NonIdempotentPolicy{
		sleep:   defaultSleeper,
		backoff: retry.WithMaxRetries(maxRetries, newGeometricBackoff(backoffBase, backoffFactor)),
	}
}

func (p *NonIdempotentPolicy) ShouldRetry(ctx context.Context, httpStatus int, _ error) bool {
	if httpStatus == http.StatusUnauthorized && !p.used401Retry {
		p.used401Retry = true

		return p.sleep(ctx, unauthorizedRetryWait) == nil
	}

	if httpStatus != http.StatusTooManyRequests {
		return false
	}

	d, stop := p.backoff.Next()
	if stop {
		return false
	}

	return p.sleep(ctx, d) == nil
}
