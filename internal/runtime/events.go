package runtime

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/evoagent/evoagent/internal/events"
	eventbus "github.com/evoagent/evoagent/internal/events/bus"
)

// EventType names a run lifecycle event.
type EventType string

const (
	EventStart      EventType = "start"
	EventProgress   EventType = "progress"
	EventPaused     EventType = "paused"
	EventResumed    EventType = "resumed"
	EventCancelled  EventType = "cancelled"
	EventComplete   EventType = "complete"
	EventError      EventType = "error"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
)

// Event is one run lifecycle notification.
type Event struct {
	Type      EventType      `json:"type"`
	RunID     string         `json:"run_id"`
	AgentKind string         `json:"agent_kind"`
	Progress  int            `json:"progress"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Listener receives lifecycle events. Errors and panics are counted and
// logged, never propagated to the emitter.
type Listener func(Event) error

type listenerEntry struct {
	id int
	fn Listener
}

// Subscribe registers a lifecycle listener and returns its unsubscribe
// function.
func (r *Runtime) Subscribe(l Listener) func() {
	r.listenerMu.Lock()
	r.listenerSeq++
	entry := &listenerEntry{id: r.listenerSeq, fn: l}
	r.listeners = append(r.listeners, entry)
	r.listenerMu.Unlock()

	return func() {
		r.listenerMu.Lock()
		defer r.listenerMu.Unlock()
		for i, e := range r.listeners {
			if e.id == entry.id {
				r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
				return
			}
		}
	}
}

// ListenerErrors returns how many listener invocations failed or panicked.
func (r *Runtime) ListenerErrors() int64 {
	return r.listenerErrs.Load()
}

// emit delivers the event to every listener in subscription order, then
// forwards it to the event bus on run.event.<runID>.
func (r *Runtime) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	r.listenerMu.RLock()
	entries := make([]*listenerEntry, len(r.listeners))
	copy(entries, r.listeners)
	r.listenerMu.RUnlock()

	for _, e := range entries {
		r.invokeListener(e.fn, ev)
	}
	r.forward(ev)
}

// emitForRun emits an event carrying the run's current progress.
func (r *Runtime) emitForRun(runID string, typ EventType, message string) {
	r.mu.RLock()
	progress := 0
	if rn, ok := r.runs[runID]; ok {
		progress = rn.Progress
	}
	r.mu.RUnlock()
	r.emit(Event{Type: typ, RunID: runID, AgentKind: r.cfg.AgentKind, Progress: progress, Message: message})
}

// emitIfLive emits only while the run has not reached a terminal state, so
// a producer racing a cancellation cannot add post-terminal events.
func (r *Runtime) emitIfLive(ev Event) {
	r.mu.RLock()
	rn, ok := r.runs[ev.RunID]
	live := ok && !rn.terminalEmitted
	r.mu.RUnlock()
	if live {
		r.emit(ev)
	}
}

func (r *Runtime) invokeListener(l Listener, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.listenerErrs.Add(1)
			r.logger.Warn("run event listener panicked",
				zap.String("run_id", ev.RunID),
				zap.String("event", string(ev.Type)),
				zap.Any("panic", rec))
		}
	}()
	if err := l(ev); err != nil {
		r.listenerErrs.Add(1)
		r.logger.Warn("run event listener failed",
			zap.String("run_id", ev.RunID),
			zap.String("event", string(ev.Type)),
			zap.Error(err))
	}
}

func (r *Runtime) forward(ev Event) {
	if r.cfg.Events == nil {
		return
	}
	data := map[string]any{
		"run_id":     ev.RunID,
		"agent_kind": ev.AgentKind,
		"progress":   ev.Progress,
	}
	if ev.Message != "" {
		data["message"] = ev.Message
	}
	if len(ev.Data) > 0 {
		data["data"] = ev.Data
	}
	e := eventbus.NewEvent(string(ev.Type), "runtime:"+r.cfg.AgentKind, data)
	subject := events.BuildRunEventSubject(ev.RunID)
	if err := r.cfg.Events.Publish(context.Background(), subject, e); err != nil {
		r.logger.Warn("run event publish failed",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
