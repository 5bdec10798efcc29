package runtime

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/evoagent/evoagent/internal/common/errs"
)

// Tool is a named capability an agent can invoke during a run.
type Tool struct {
	Name        string
	Description string
	Execute     func(ctx context.Context, params map[string]any) (any, error)
}

// ToolPolicy inspects a tool call before it runs. A non-nil error denies
// the call.
type ToolPolicy func(ctx context.Context, runID, tool string, params map[string]any) error

// RegisterTool adds a tool to the registry.
func (r *Runtime) RegisterTool(t Tool) error {
	if t.Name == "" {
		return errs.E(errs.KindValidation, "runtime.registerTool", "tool name is required")
	}
	if t.Execute == nil {
		return errs.E(errs.KindValidation, "runtime.registerTool", "tool %q needs an execute function", t.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[t.Name]; dup {
		return errs.E(errs.KindConflict, "runtime.registerTool", "tool %q is already registered", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Tools lists the registered tool names, sorted.
func (r *Runtime) Tools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExecuteToolCall runs a registered tool on behalf of a running run. It
// emits a tool_call event for the attempt, consults the policy hook, and
// emits a tool_result event with the outcome.
func (r *Runtime) ExecuteToolCall(ctx context.Context, runID, name string, params map[string]any) (any, error) {
	r.mu.RLock()
	rn, runOK := r.runs[runID]
	tool, toolOK := r.tools[name]
	var state RunState
	if runOK {
		state = rn.State
	}
	r.mu.RUnlock()

	if !runOK {
		return nil, errs.E(errs.KindNotFound, "runtime.executeToolCall", "run %s does not exist", runID)
	}
	if state != StateRunning {
		return nil, errs.E(errs.KindPrecondition, "runtime.executeToolCall", "run %s is %s", runID, state)
	}
	if !toolOK {
		return nil, errs.E(errs.KindNotFound, "runtime.executeToolCall", "tool %q is not registered", name)
	}

	r.emitIfLive(Event{
		Type:      EventToolCall,
		RunID:     runID,
		AgentKind: r.cfg.AgentKind,
		Data:      map[string]any{"tool": name, "params": cloneMap(params)},
	})

	if r.cfg.Policy != nil {
		if err := r.cfg.Policy(ctx, runID, name, params); err != nil {
			r.logger.Warn("tool call denied",
				zap.String("run_id", runID),
				zap.String("tool", name),
				zap.Error(err))
			r.emitIfLive(Event{
				Type:      EventToolResult,
				RunID:     runID,
				AgentKind: r.cfg.AgentKind,
				Data:      map[string]any{"tool": name, "success": false, "denied": true, "error": err.Error()},
			})
			return nil, errs.Wrap(errs.KindUnauthorized, "runtime.executeToolCall", err)
		}
	}

	start := time.Now()
	result, err := r.invokeTool(ctx, tool, params)
	outcome := map[string]any{
		"tool":        name,
		"success":     err == nil,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		outcome["error"] = err.Error()
	}
	r.emitIfLive(Event{
		Type:      EventToolResult,
		RunID:     runID,
		AgentKind: r.cfg.AgentKind,
		Data:      outcome,
	})
	return result, err
}

func (r *Runtime) invokeTool(ctx context.Context, t Tool, params map[string]any) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errs.E(errs.KindInternal, "runtime.executeToolCall", "tool %q panicked: %v", t.Name, rec)
		}
	}()
	return t.Execute(ctx, params)
}
