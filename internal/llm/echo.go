package llm

import (
	"context"
	"strings"

	"github.com/evoagent/evoagent/internal/common/errs"
)

const defaultEchoModel = "echo-1"

// Echo is the deterministic local provider: it completes every request
// with the content of the last user message. It keeps tests and offline
// runs independent of any external model.
type Echo struct {
	model string
}

// NewEcho creates the local echo provider.
func NewEcho(model string) *Echo {
	if model == "" {
		model = defaultEchoModel
	}
	return &Echo{model: model}
}

func (e *Echo) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.KindPrecondition, "llm.complete", err)
	}
	if len(req.Messages) == 0 {
		return nil, errs.E(errs.KindValidation, "llm.complete", "request has no messages")
	}

	content := LastUserMessage(req.Messages)
	prompt := 0
	for _, m := range req.Messages {
		prompt += e.CountTokens(m.Content)
	}
	return &Response{
		Content:      content,
		Model:        e.model,
		TokensUsed:   prompt + e.CountTokens(content),
		FinishReason: "stop",
	}, nil
}

func (e *Echo) Stream(ctx context.Context, req Request, fn StreamFunc) (*Response, error) {
	if fn == nil {
		return nil, errs.E(errs.KindValidation, "llm.stream", "stream callback is required")
	}
	resp, err := e.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	// Word-sized chunks keep streaming observable without shredding
	// multibyte runes.
	words := strings.SplitAfter(resp.Content, " ")
	for _, w := range words {
		if w == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, errs.Wrap(errs.KindPrecondition, "llm.stream", err)
		}
		if err := fn(w); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "llm.stream", err)
		}
	}
	return resp, nil
}

// CountTokens approximates tokens as one per four characters, matching the
// usual heuristic for latin text.
func (e *Echo) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

func (e *Echo) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

func (e *Echo) Model() string {
	return e.model
}
