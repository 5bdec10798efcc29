// Package skills defines the contract for running skill code in an
// external sandbox. The execution core never interprets skill code itself;
// agents call a configured Executor through the runtime tool registry.
package skills

import (
	"context"
	"strings"
	"time"

	"github.com/evoagent/evoagent/internal/common/errs"
)

const (
	// DefaultTimeout bounds one skill execution.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxMemory bounds the sandbox heap, in bytes.
	DefaultMaxMemory = 128 << 20
)

// Context carries the named values exposed to the skill code.
type Context map[string]any

// Options bound one execution.
type Options struct {
	// Timeout aborts the execution when exceeded. Zero means DefaultTimeout.
	Timeout time.Duration
	// MaxMemory caps sandbox memory in bytes. Zero means DefaultMaxMemory.
	MaxMemory int64
	// AllowedModules whitelists importable modules. Empty denies all
	// imports.
	AllowedModules []string
}

// WithDefaults fills unset bounds.
func (o Options) WithDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxMemory <= 0 {
		o.MaxMemory = DefaultMaxMemory
	}
	return o
}

// Validate rejects bounds a sandbox cannot enforce.
func (o Options) Validate() error {
	if o.Timeout < 0 {
		return errs.E(errs.KindValidation, "skills.options", "timeout must not be negative")
	}
	if o.MaxMemory < 0 {
		return errs.E(errs.KindValidation, "skills.options", "maxMemory must not be negative")
	}
	return nil
}

// Result is the outcome of one skill execution.
type Result struct {
	// Output is what the skill printed.
	Output string `json:"output,omitempty"`
	// Value is the skill's return value, already decoded.
	Value any `json:"value,omitempty"`
	// Duration is the sandbox-reported execution time.
	Duration time.Duration `json:"duration"`
}

// Executor runs skill code in a sandbox.
type Executor interface {
	Execute(ctx context.Context, code string, execCtx Context, opts Options) (*Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, code string, execCtx Context, opts Options) (*Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, code string, execCtx Context, opts Options) (*Result, error) {
	return f(ctx, code, execCtx, opts)
}

// Unavailable is the executor used when no sandbox is configured. Every
// call fails with a precondition error naming the missing capability.
func Unavailable() Executor {
	return ExecutorFunc(func(context.Context, string, Context, Options) (*Result, error) {
		return nil, errs.E(errs.KindPrecondition, "skills.execute", "no skill sandbox is configured")
	})
}

// escapes lists the rewrites EscapeString applies, in order. The backslash
// must come first so later escapes are not doubled.
var escapes = []struct{ from, to string }{
	{`\`, `\\`},
	{`"`, `\"`},
	{`'`, `\'`},
	{"`", "\\`"},
	{"${", `\${`},
	{"\n", `\n`},
	{"\r", `\r`},
	{"\t", `\t`},
	{"\x00", `\0`},
}

// EscapeString makes a value safe to splice into quoted skill source,
// covering both quote styles, template interpolation and line breaks.
func EscapeString(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		replaced := false
		for _, e := range escapes {
			if strings.HasPrefix(s[i:], e.from) {
				b.WriteString(e.to)
				i += len(e.from) - 1
				replaced = true
				break
			}
		}
		if !replaced {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
