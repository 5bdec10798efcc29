package skills

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evoagent/evoagent/internal/common/errs"
)

func TestEscapeString(t *testing.T) {
	cases := map[string]struct {
		in   string
		want string
	}{
		"plain":         {"hello world", "hello world"},
		"double quotes": {`say "hi"`, `say \"hi\"`},
		"single quotes": {"it's fine", `it\'s fine`},
		"backslash":     {`a\b`, `a\\b`},
		"newline":       {"line1\nline2", `line1\nline2`},
		"tab and cr":    {"a\tb\rc", `a\tb\rc`},
		"backtick":      {"run `ls`", "run \\`ls\\`"},
		"template":      {"${secret}", `\${secret}`},
		"nul":           {"a\x00b", `a\0b`},
		// A backslash before a quote must not swallow the quote escape.
		"escaped quote": {`\"`, `\\\"`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, EscapeString(tc.in))
		})
	}
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{}.WithDefaults()
	assert.Equal(t, DefaultTimeout, o.Timeout)
	assert.Equal(t, int64(DefaultMaxMemory), o.MaxMemory)
	assert.Empty(t, o.AllowedModules)

	set := Options{Timeout: time.Second, MaxMemory: 1024, AllowedModules: []string{"path"}}.WithDefaults()
	assert.Equal(t, time.Second, set.Timeout)
	assert.Equal(t, int64(1024), set.MaxMemory)
}

func TestOptionsValidate(t *testing.T) {
	assert.NoError(t, Options{}.Validate())
	assert.True(t, errs.IsValidation(Options{Timeout: -time.Second}.Validate()))
	assert.True(t, errs.IsValidation(Options{MaxMemory: -1}.Validate()))
}

func TestUnavailableExecutor(t *testing.T) {
	_, err := Unavailable().Execute(context.Background(), "return 1", nil, Options{})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindPrecondition))
}

func TestExecutorFunc(t *testing.T) {
	exec := ExecutorFunc(func(_ context.Context, code string, execCtx Context, _ Options) (*Result, error) {
		return &Result{Output: code, Value: execCtx["x"]}, nil
	})
	res, err := exec.Execute(context.Background(), "return x", Context{"x": 42}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "return x", res.Output)
	assert.Equal(t, 42, res.Value)
}
