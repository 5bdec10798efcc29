package llm

import (
	"context"

	"github.com/evoagent/evoagent/internal/tracing"
)

// tracingProvider wraps Complete in a client span. Stream is passed
// through untouched: chunk pacing belongs to the caller.
type tracingProvider struct {
	Provider
	name string
}

// WithTracing makes every completion show up as one span, retries
// included, so wrap the retry decorator rather than the raw provider.
func WithTracing(p Provider, name string) Provider {
	return &tracingProvider{Provider: p, name: name}
}

func (t *tracingProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	ctx, span := tracing.TraceModelCall(ctx, t.name, t.Model())
	defer span.End()

	resp, err := t.Provider.Complete(ctx, req)
	tokens := 0
	if resp != nil {
		tokens = resp.TokensUsed
	}
	tracing.TraceModelResult(span, tokens, err)
	return resp, err
}
