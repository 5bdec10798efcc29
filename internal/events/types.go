// Package events defines the internal event stream topics connecting the
// execution core to the gateway and the consolidation loop.
package events

// Event types for gateway tasks
const (
	TaskCreated   = "task.created"
	TaskStarted   = "task.started"
	TaskProgress  = "task.progress"
	TaskCompleted = "task.completed"
	TaskFailed    = "task.failed"
	TaskCancelled = "task.cancelled"
)

// Event types for agent runs
const (
	RunEvent = "run.event" // Base subject for run lifecycle events
)

// Event types for sessions
const (
	SessionCreated  = "session.created"
	SessionArchived = "session.archived"
)

// Event types for the memory substrate
const (
	KnowledgeCreated       = "knowledge.created"
	ConsolidationCompleted = "consolidation.completed"
)

// BuildTaskSubject creates a task event subject scoped to one task.
func BuildTaskSubject(eventType, taskID string) string {
	return eventType + "." + taskID
}

// BuildTaskWildcardSubject creates a wildcard subscription for one task
// event type across all tasks.
func BuildTaskWildcardSubject(eventType string) string {
	return eventType + ".*"
}

// BuildRunEventSubject creates a run event subject for a specific run.
func BuildRunEventSubject(runID string) string {
	return RunEvent + "." + runID
}

// BuildRunEventWildcardSubject creates a wildcard subscription for all run
// events.
func BuildRunEventWildcardSubject() string {
	return RunEvent + ".*"
}
