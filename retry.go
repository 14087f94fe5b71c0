// SPDX-License-Identifier: GPL-3.0-or-later

package webengine

import (
	"context"
	"net/http"
	"time"
)

// RetryDecision is the outcome of consulting a [RetryRule] for one
// attempt's failure, per spec §4.8.
type RetryDecision struct {
	// Retry reports whether another attempt should be made.
	Retry bool
	// Backoff is how long to wait before the next attempt.
	Backoff time.Duration
}

// RetryRule decides, for each attempt's outcome, whether to retry and
// with what backoff, per spec §4.8. resp and err are mutually exclusive
// except when a response was read but later deemed a failure by a
// decorator; attempt is 1-based.
type RetryRule interface {
	ShouldRetry(ctx context.Context, crc *ClientRequestContext, req *http.Request, resp *http.Response, err error, attempt int) RetryDecision
}

// RetryRuleFunc adapts a function to [RetryRule].
type RetryRuleFunc func(ctx context.Context, crc *ClientRequestContext, req *http.Request, resp *http.Response, err error, attempt int) RetryDecision

// ShouldRetry implements [RetryRule].
func (f RetryRuleFunc) ShouldRetry(ctx context.Context, crc *ClientRequestContext, req *http.Request, resp *http.Response, err error, attempt int) RetryDecision {
	return f(ctx, crc, req, resp, err, attempt)
}

// RetryLimiter may veto any retry based on context and attempt number,
// per spec §4.8. A nil limiter means unlimited. A limiter that panics is
// treated as allowing the retry (fail-open), via [Retrying]'s recover.
type RetryLimiter interface {
	AllowRetry(crc *ClientRequestContext, attempt int) bool
}

// RetryConfig configures [Retrying].
type RetryConfig struct {
	// MaxTotalAttempts is the hard ceiling on attempts, per spec §4.8.
	// Attempts beyond it fail with the last observed cause.
	MaxTotalAttempts int

	// Rule decides whether to retry each failure.
	Rule RetryRule

	// Limiter, if set, may veto individual retries.
	Limiter RetryLimiter
}

// NewRetryConfig returns a [*RetryConfig] using rule, defaulting
// MaxTotalAttempts to 1 (no retries).
func NewRetryConfig(rule RetryRule) *RetryConfig {
	return &RetryConfig{MaxTotalAttempts: 1, Rule: rule}
}

// Retrying wraps handler with the retry policy of spec §4.8: each retry
// runs against a context [ClientRequestContext.Derive]d from the
// original (fresh id, fresh log, Parent set to the original attempt), a
// hard ceiling of cfg.MaxTotalAttempts fails with the last observed
// cause, and an optional [RetryLimiter] may veto any individual retry.
//
// Failures occurring before the transport committed the request (e.g.
// [ErrTooManyPendingAcquisitions], [*GoAwayReceived], a connect timeout)
// are, by construction of the lower layers, already wrapped in
// [*Unprocessed] by the time they reach this decorator — retries of
// those are always safe regardless of the request's idempotency, per
// spec §4.8; it is the caller's [RetryRule] that decides whether to
// actually retry them.
func Retrying(cfg *RetryConfig, handler Handler) Handler {
	return func(ctx context.Context, crc *ClientRequestContext, req *http.Request) (*http.Response, error) {
		current := crc
		for attempt := 1; ; attempt++ {
			resp, err := handler(ctx, current, req)

			if attempt >= cfg.MaxTotalAttempts {
				return resp, err
			}

			decision := cfg.Rule.ShouldRetry(ctx, current, req, resp, err, attempt)
			if !decision.Retry {
				return resp, err
			}
			if cfg.Limiter != nil && !allowRetryFailOpen(cfg.Limiter, current, attempt) {
				return resp, err
			}

			if decision.Backoff > 0 {
				timer := time.NewTimer(decision.Backoff)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return nil, ctx.Err()
				}
			}

			current = current.Derive()
		}
	}
}

// allowRetryFailOpen calls limiter.AllowRetry, treating a panic as "allow"
// per spec §4.8's fail-open rule for a misbehaving limiter.
func allowRetryFailOpen(limiter RetryLimiter, crc *ClientRequestContext, attempt int) (allowed bool) {
	defer func() {
		if recover() != nil {
			allowed = true
		}
	}()
	return limiter.AllowRetry(crc, attempt)
}

// DefaultRetryRule returns a [RetryRule] that unconditionally retries
// [Unprocessed] and timeout failures (safe regardless of idempotency, per
// spec §4.8), retries 502/503/504 responses for idempotent methods, and
// otherwise does not retry. Backoff doubles per attempt starting at
// 100ms, capped at maxBackoff.
func DefaultRetryRule(maxBackoff time.Duration) RetryRule {
	return RetryRuleFunc(func(ctx context.Context, crc *ClientRequestContext, req *http.Request, resp *http.Response, err error, attempt int) RetryDecision {
		backoff := (100 * time.Millisecond) << uint(attempt-1)
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		if err != nil {
			if IsUnprocessed(err) || IsTimeout(err) {
				return RetryDecision{Retry: true, Backoff: backoff}
			}
			return RetryDecision{Retry: false}
		}
		if resp != nil && isIdempotentMethod(req.Method) && isRetryableStatus(resp.StatusCode) {
			return RetryDecision{Retry: true, Backoff: backoff}
		}
		return RetryDecision{Retry: false}
	})
}

func isIdempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}

func isRetryableStatus(code int) bool {
	return code == http.StatusBadGateway || code == http.StatusServiceUnavailable || code == http.StatusGatewayTimeout
}
