package llm

import (
	"context"
	"time"

	"github.com/evoagent/evoagent/internal/common/errs"
)

const defaultRetryDelay = 500 * time.Millisecond

// retryProvider retries Complete calls that fail with a retryable error
// kind, applying the per-kind backoff factor. Stream is never retried:
// chunks may already have reached the caller.
type retryProvider struct {
	Provider
	maxRetries int
	baseDelay  time.Duration
}

// WithRetry wraps a provider with the retry policy. A zero baseDelay uses
// the default.
func WithRetry(p Provider, maxRetries int, baseDelay time.Duration) Provider {
	if baseDelay <= 0 {
		baseDelay = defaultRetryDelay
	}
	return &retryProvider{Provider: p, maxRetries: maxRetries, baseDelay: baseDelay}
}

func (r *retryProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := r.Provider.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		kind := errs.Classify(err)
		if attempt >= errs.RetryBudget(kind, r.maxRetries) {
			return nil, lastErr
		}
		delay := r.baseDelay * time.Duration(errs.BackoffFactor(kind))
		select {
		case <-ctx.Done():
			return nil, errs.Wrap(errs.KindPrecondition, "llm.complete", ctx.Err())
		case <-time.After(delay):
		}
	}
}
