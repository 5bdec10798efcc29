// Package llm defines the language model contract the execution core
// programs against, plus a deterministic local provider so the system runs
// offline.
package llm

import (
	"context"

	"github.com/evoagent/evoagent/internal/common/config"
	"github.com/evoagent/evoagent/internal/common/errs"
)

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a completion request.
type Request struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

// Response is a finished completion.
type Response struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	TokensUsed   int    `json:"tokens_used"`
	FinishReason string `json:"finish_reason"`
}

// StreamFunc receives completion chunks in order. Returning an error aborts
// the stream.
type StreamFunc func(chunk string) error

// Provider is the model-facing contract.
type Provider interface {
	// Complete runs one request to completion.
	Complete(ctx context.Context, req Request) (*Response, error)
	// Stream runs one request, delivering chunks through fn before
	// returning the assembled response.
	Stream(ctx context.Context, req Request, fn StreamFunc) (*Response, error)
	// CountTokens estimates the token count of a text.
	CountTokens(text string) int
	// HealthCheck verifies the provider is reachable.
	HealthCheck(ctx context.Context) error
	// Model returns the configured model name.
	Model() string
}

// New builds the provider named by the configuration, wrapped with the
// configured retry policy and tracing.
func New(cfg config.LLMConfig) (Provider, error) {
	var p Provider
	name := cfg.Provider
	switch cfg.Provider {
	case "", "echo", "local":
		p = NewEcho(cfg.Model)
		name = "echo"
	default:
		return nil, errs.E(errs.KindValidation, "llm.new",
			"unsupported llm provider %q (supported: echo)", cfg.Provider)
	}
	if cfg.MaxRetries > 0 {
		p = WithRetry(p, cfg.MaxRetries, 0)
	}
	return WithTracing(p, name), nil
}

// LastUserMessage returns the content of the final user turn, or the final
// message of any role when no user turn exists.
func LastUserMessage(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	if len(messages) > 0 {
		return messages[len(messages)-1].Content
	}
	return ""
}
