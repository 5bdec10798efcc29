// Package runtime provides the shared run lifecycle every agent kind builds
// on: run state transitions, progress tracking, checkpoints, a tool registry
// with per-call events, and fault-isolated lifecycle listeners.
package runtime

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/evoagent/evoagent/internal/common/errs"
	"github.com/evoagent/evoagent/internal/common/logger"
	eventbus "github.com/evoagent/evoagent/internal/events/bus"
)

// RunState is the lifecycle state of a run.
type RunState string

const (
	StateRunning   RunState = "running"
	StatePaused    RunState = "paused"
	StateCompleted RunState = "completed"
	StateFailed    RunState = "failed"
	StateCancelled RunState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s RunState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Run is a caller-visible snapshot of one agent run.
type Run struct {
	ID        string         `json:"id"`
	AgentKind string         `json:"agent_kind"`
	State     RunState       `json:"state"`
	Progress  int            `json:"progress"`
	StartTime time.Time      `json:"start_time"`
	EndTime   time.Time      `json:"end_time,omitempty"`
	Error     string         `json:"error,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// Checkpoint captures a run's progress and opaque agent state. At most one
// current checkpoint exists per run.
type Checkpoint struct {
	RunID     string         `json:"run_id"`
	Timestamp time.Time      `json:"timestamp"`
	Progress  int            `json:"progress"`
	State     map[string]any `json:"state,omitempty"`
}

// run is the internal mutable record, guarded by the runtime mutex.
type run struct {
	Run
	terminalEmitted bool
}

func (r *run) snapshot() *Run {
	s := r.Run
	s.Result = cloneMap(r.Result)
	s.Options = cloneMap(r.Options)
	return &s
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Config holds the runtime collaborators. Events and Policy may be nil.
type Config struct {
	// AgentKind owns every run this runtime creates.
	AgentKind string
	// Events receives every lifecycle event on run.event.<runID>.
	Events eventbus.EventBus
	// Policy is consulted before each tool call and can deny it.
	Policy ToolPolicy
}

// Runtime tracks runs, checkpoints, tools, and lifecycle listeners for one
// agent kind.
type Runtime struct {
	cfg    Config
	logger *logger.Logger

	mu          sync.RWMutex
	runs        map[string]*run
	checkpoints map[string]*Checkpoint
	tools       map[string]Tool

	listenerMu   sync.RWMutex
	listeners    []*listenerEntry
	listenerSeq  int
	listenerErrs atomic.Int64
}

// New creates a runtime for the given agent kind.
func New(cfg Config, log *logger.Logger) (*Runtime, error) {
	if cfg.AgentKind == "" {
		return nil, errs.E(errs.KindValidation, "runtime.new", "agent kind is required")
	}
	return &Runtime{
		cfg:         cfg,
		logger:      log.WithFields(zap.String("component", "runtime"), zap.String("agent_kind", cfg.AgentKind)),
		runs:        make(map[string]*run),
		checkpoints: make(map[string]*Checkpoint),
		tools:       make(map[string]Tool),
	}, nil
}

// AgentKind returns the agent kind owning this runtime's runs.
func (r *Runtime) AgentKind() string {
	return r.cfg.AgentKind
}

// StartRun creates a run in the running state. A missing ID is assigned; a
// duplicate ID is a conflict.
func (r *Runtime) StartRun(runID string, options map[string]any) (*Run, error) {
	if runID == "" {
		runID = uuid.New().String()
	}

	r.mu.Lock()
	if _, dup := r.runs[runID]; dup {
		r.mu.Unlock()
		return nil, errs.E(errs.KindConflict, "runtime.startRun", "run %s already exists", runID)
	}
	rn := &run{Run: Run{
		ID:        runID,
		AgentKind: r.cfg.AgentKind,
		State:     StateRunning,
		StartTime: time.Now().UTC(),
		Options:   cloneMap(options),
	}}
	r.runs[runID] = rn
	snap := rn.snapshot()
	r.mu.Unlock()

	r.logger.Info("run started", zap.String("run_id", runID))
	r.emit(Event{Type: EventStart, RunID: runID, AgentKind: r.cfg.AgentKind, Data: cloneMap(options)})
	return snap, nil
}

// UpdateProgress advances a running run's progress. Progress is monotone;
// a lower value than the current one is a precondition error, restore being
// the only sanctioned way back.
func (r *Runtime) UpdateProgress(runID string, progress int, message string) error {
	if progress < 0 || progress > 100 {
		return errs.E(errs.KindValidation, "runtime.updateProgress", "progress %d is outside 0..100", progress)
	}

	r.mu.Lock()
	rn, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return errs.E(errs.KindNotFound, "runtime.updateProgress", "run %s does not exist", runID)
	}
	if rn.State != StateRunning {
		r.mu.Unlock()
		return errs.E(errs.KindPrecondition, "runtime.updateProgress", "run %s is %s", runID, rn.State)
	}
	if progress < rn.Progress {
		r.mu.Unlock()
		return errs.E(errs.KindPrecondition, "runtime.updateProgress",
			"progress may not decrease (have %d, got %d)", rn.Progress, progress)
	}
	rn.Progress = progress
	r.mu.Unlock()

	r.emit(Event{Type: EventProgress, RunID: runID, AgentKind: r.cfg.AgentKind, Progress: progress, Message: message})
	return nil
}

// Pause suspends a running run.
func (r *Runtime) Pause(runID string) error {
	if err := r.transition(runID, StateRunning, StatePaused, "runtime.pause"); err != nil {
		return err
	}
	r.emitForRun(runID, EventPaused, "")
	return nil
}

// Resume continues a paused run.
func (r *Runtime) Resume(runID string) error {
	if err := r.transition(runID, StatePaused, StateRunning, "runtime.resume"); err != nil {
		return err
	}
	r.emitForRun(runID, EventResumed, "")
	return nil
}

func (r *Runtime) transition(runID string, from, to RunState, op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn, ok := r.runs[runID]
	if !ok {
		return errs.E(errs.KindNotFound, op, "run %s does not exist", runID)
	}
	if rn.State != from {
		return errs.E(errs.KindPrecondition, op, "run %s is %s, not %s", runID, rn.State, from)
	}
	rn.State = to
	return nil
}

// Complete finishes a running run with an optional result.
func (r *Runtime) Complete(runID string, result map[string]any) error {
	r.mu.Lock()
	rn, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return errs.E(errs.KindNotFound, "runtime.complete", "run %s does not exist", runID)
	}
	if rn.State != StateRunning {
		r.mu.Unlock()
		return errs.E(errs.KindPrecondition, "runtime.complete", "run %s is %s", runID, rn.State)
	}
	rn.State = StateCompleted
	rn.EndTime = time.Now().UTC()
	rn.Result = cloneMap(result)
	rn.terminalEmitted = true
	progress := rn.Progress
	r.mu.Unlock()

	r.logger.Info("run completed", zap.String("run_id", runID))
	r.emit(Event{Type: EventComplete, RunID: runID, AgentKind: r.cfg.AgentKind, Progress: progress, Data: cloneMap(result)})
	return nil
}

// Fail finishes a running run with an error.
func (r *Runtime) Fail(runID string, cause error) error {
	msg := "run failed"
	if cause != nil {
		msg = cause.Error()
	}

	r.mu.Lock()
	rn, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return errs.E(errs.KindNotFound, "runtime.fail", "run %s does not exist", runID)
	}
	if rn.State != StateRunning {
		r.mu.Unlock()
		return errs.E(errs.KindPrecondition, "runtime.fail", "run %s is %s", runID, rn.State)
	}
	rn.State = StateFailed
	rn.EndTime = time.Now().UTC()
	rn.Error = msg
	rn.terminalEmitted = true
	progress := rn.Progress
	r.mu.Unlock()

	r.logger.Warn("run failed", zap.String("run_id", runID), zap.String("error", msg))
	r.emit(Event{Type: EventError, RunID: runID, AgentKind: r.cfg.AgentKind, Progress: progress, Message: msg})
	return nil
}

// Cancel flips a non-terminal run to cancelled and sets its end time.
// Cancelling an already cancelled run is a no-op; cancelling a completed or
// failed run is a precondition error.
func (r *Runtime) Cancel(runID string) error {
	r.mu.Lock()
	rn, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return errs.E(errs.KindNotFound, "runtime.cancel", "run %s does not exist", runID)
	}
	switch rn.State {
	case StateCancelled:
		r.mu.Unlock()
		return nil
	case StateCompleted, StateFailed:
		r.mu.Unlock()
		return errs.E(errs.KindPrecondition, "runtime.cancel", "run %s already %s", runID, rn.State)
	}
	rn.State = StateCancelled
	rn.EndTime = time.Now().UTC()
	rn.terminalEmitted = true
	progress := rn.Progress
	r.mu.Unlock()

	r.logger.Info("run cancelled", zap.String("run_id", runID))
	r.emit(Event{Type: EventCancelled, RunID: runID, AgentKind: r.cfg.AgentKind, Progress: progress})
	return nil
}

// Get returns a snapshot of the run.
func (r *Runtime) Get(runID string) (*Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rn, ok := r.runs[runID]
	if !ok {
		return nil, errs.E(errs.KindNotFound, "runtime.get", "run %s does not exist", runID)
	}
	return rn.snapshot(), nil
}

// List returns snapshots of all runs ordered by start time.
func (r *Runtime) List() []*Run {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Run, 0, len(r.runs))
	for _, rn := range r.runs {
		out = append(out, rn.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Remove destroys a terminal run and its checkpoint.
func (r *Runtime) Remove(runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn, ok := r.runs[runID]
	if !ok {
		return errs.E(errs.KindNotFound, "runtime.remove", "run %s does not exist", runID)
	}
	if !rn.State.Terminal() {
		return errs.E(errs.KindPrecondition, "runtime.remove", "run %s is still %s", runID, rn.State)
	}
	delete(r.runs, runID)
	delete(r.checkpoints, runID)
	return nil
}

// CreateCheckpoint captures the run's progress together with an opaque
// agent state map, replacing any earlier checkpoint for the run.
func (r *Runtime) CreateCheckpoint(runID string, state map[string]any) (*Checkpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn, ok := r.runs[runID]
	if !ok {
		return nil, errs.E(errs.KindNotFound, "runtime.createCheckpoint", "run %s does not exist", runID)
	}
	cp := &Checkpoint{
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Progress:  rn.Progress,
		State:     cloneMap(state),
	}
	r.checkpoints[runID] = cp
	return &Checkpoint{RunID: cp.RunID, Timestamp: cp.Timestamp, Progress: cp.Progress, State: cloneMap(cp.State)}, nil
}

// GetCheckpoint returns the current checkpoint for the run, if any.
func (r *Runtime) GetCheckpoint(runID string) (*Checkpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp, ok := r.checkpoints[runID]
	if !ok {
		return nil, errs.E(errs.KindNotFound, "runtime.checkpoint", "run %s has no checkpoint", runID)
	}
	return &Checkpoint{RunID: cp.RunID, Timestamp: cp.Timestamp, Progress: cp.Progress, State: cloneMap(cp.State)}, nil
}

// RestoreFromCheckpoint sets the run's progress back to the checkpointed
// value. This is the single exception to progress monotonicity; a terminal
// run is never resurrected.
func (r *Runtime) RestoreFromCheckpoint(cp *Checkpoint) (*Run, error) {
	if cp == nil {
		return nil, errs.E(errs.KindValidation, "runtime.restore", "checkpoint is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rn, ok := r.runs[cp.RunID]
	if !ok {
		return nil, errs.E(errs.KindNotFound, "runtime.restore", "run %s does not exist", cp.RunID)
	}
	if rn.State.Terminal() {
		return nil, errs.E(errs.KindPrecondition, "runtime.restore", "run %s is %s", cp.RunID, rn.State)
	}
	rn.Progress = cp.Progress
	return rn.snapshot(), nil
}
