package steward

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// retryProvider wraps a Provider and retries transient HTTP errors
// (429 Too Many Requests, 503 Service Unavailable) with exponential backoff.
// The decider itself never retries; this lives on the transport side.
type retryProvider struct {
	inner       Provider
	maxAttempts int
	baseDelay   time.Duration
}

// RetryOption configures a retryProvider.
type RetryOption func(*retryProvider)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryProvider) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt
// (default: 1s). Each subsequent delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.baseDelay = d }
}

// WithRetry wraps p with automatic retry on transient HTTP errors. When the
// error carries a Retry-After duration, the delay is at least that long.
func WithRetry(p Provider, opts ...RetryOption) Provider {
	r := &retryProvider{inner: p, maxAttempts: 3, baseDelay: time.Second}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *retryProvider) Name() string { return r.inner.Name() }

func (r *retryProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	var last error
	for i := 0; i < r.maxAttempts; i++ {
		resp, err := r.inner.Chat(ctx, req)
		if err == nil || !isTransient(err) {
			return resp, err
		}
		last = err
		slog.Warn("transient llm error, retrying",
			"provider", r.inner.Name(), "status", statusOf(err), "attempt", i+1, "max", r.maxAttempts)
		if i < r.maxAttempts-1 {
			timer := time.NewTimer(retryDelay(r.baseDelay, i, err))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ChatResponse{}, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return ChatResponse{}, last
}

func isTransient(err error) bool {
	var e *ErrHTTP
	return errors.As(err, &e) && (e.Status == 429 || e.Status == 503)
}

func statusOf(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryDelay computes the backoff before attempt i, using the server's
// Retry-After as a floor when present.
func retryDelay(base time.Duration, i int, err error) time.Duration {
	exp := base * (1 << i)
	backoff := exp + time.Duration(rand.Int63n(int64(exp)/2+1))
	var e *ErrHTTP
	if errors.As(err, &e) && e.RetryAfter > backoff {
		return e.RetryAfter
	}
	return backoff
}

// ParseRetryAfter parses an HTTP Retry-After header value, either
// delta-seconds or an HTTP-date. Returns 0 when absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

var _ Provider = (*retryProvider)(nil)
