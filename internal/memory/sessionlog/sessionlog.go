// Package sessionlog stores per-session event logs as append-only JSONL
// files with a metadata index. Appends for one session are serialized; the
// index is kept in memory and flushed to disk after every mutation.
package sessionlog

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/evoagent/evoagent/internal/common/errs"
	"github.com/evoagent/evoagent/internal/common/logger"
	"github.com/evoagent/evoagent/internal/events"
	eventbus "github.com/evoagent/evoagent/internal/events/bus"
)

// Session status values.
const (
	StatusActive   = "active"
	StatusArchived = "archived"
)

// Record types the log reacts to. Any other type is stored verbatim.
const (
	EventSessionCreated   = "session.created"
	EventSessionCompleted = "session.completed"
	EventSessionArchived  = "session.archived"
	EventAgentRunDone     = "agent.run.completed"
	EventMessageAdded     = "message.added"
	EventTaskStarted      = "task.started"
	EventTaskCompleted    = "task.completed"
	EventTaskFailed       = "task.failed"
)

const (
	indexFileName = ".index.json"
	indexVersion  = 1
)

// Event is one line in a session file.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId"`
	Timestamp time.Time      `json:"timestamp"`
	UserID    string         `json:"userId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Metadata describes one session in the index.
type Metadata struct {
	SessionID     string     `json:"sessionId"`
	UserID        string     `json:"userId,omitempty"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	MessageCount  int        `json:"messageCount"`
	AgentRunCount int        `json:"agentRunCount"`
	SizeBytes     int64      `json:"sizeBytes"`
	KeepForever   bool       `json:"keepForever"`
	ValueScore    *float64   `json:"valueScore,omitempty"`
}

func (m *Metadata) clone() *Metadata {
	out := *m
	if m.CompletedAt != nil {
		t := *m.CompletedAt
		out.CompletedAt = &t
	}
	if m.ValueScore != nil {
		v := *m.ValueScore
		out.ValueScore = &v
	}
	return &out
}

// Session is the result of loading one session file.
type Session struct {
	Metadata  Metadata `json:"metadata"`
	Events    []Event  `json:"events"`
	Malformed int      `json:"malformed,omitempty"` // lines skipped during load
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status string
	UserID string
	Limit  int
}

// CleanupOptions controls Cleanup. Zero values disable the corresponding
// rule. Sessions marked keep-forever are never removed.
type CleanupOptions struct {
	MaxAge      time.Duration // remove sessions not updated for this long
	MaxSessions int           // keep at most this many sessions
	KeepActive  bool          // never remove active sessions
}

// Stats aggregates the index for reporting.
type Stats struct {
	Sessions   int   `json:"sessions"`
	Active     int   `json:"active"`
	Archived   int   `json:"archived"`
	Events     int   `json:"events"`
	AgentRuns  int   `json:"agentRuns"`
	TotalBytes int64 `json:"totalBytes"`
}

type indexFile struct {
	Version     int         `json:"version"`
	LastUpdated time.Time   `json:"lastUpdated"`
	Sessions    []*Metadata `json:"sessions"`
}

// Log is the session store. One JSONL file per session under dir, plus a
// .index.json holding the metadata of every session.
type Log struct {
	dir    string
	logger *logger.Logger
	events eventbus.EventBus // optional; nil disables emission

	mu    sync.RWMutex
	index map[string]*Metadata

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex // per-session append locks

	now func() time.Time
}

// New opens the session store rooted at dir, creating it when missing. A
// missing or unreadable index is rebuilt by scanning the session files.
func New(dir string, log *logger.Logger, bus eventbus.EventBus) (*Log, error) {
	if dir == "" {
		return nil, errs.E(errs.KindValidation, "sessionlog.new", "session directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "sessionlog.new", err)
	}

	l := &Log{
		dir:    dir,
		logger: log.WithFields(zap.String("component", "sessionlog")),
		events: bus,
		index:  make(map[string]*Metadata),
		locks:  make(map[string]*sync.Mutex),
		now:    time.Now,
	}

	if err := l.loadIndex(); err != nil {
		if !os.IsNotExist(err) {
			l.logger.Warn("index unreadable, rebuilding from session files", zap.Error(err))
		}
		l.rebuildIndex()
		l.mu.Lock()
		flushErr := l.flushIndexLocked()
		l.mu.Unlock()
		if flushErr != nil {
			return nil, flushErr
		}
	}

	return l, nil
}

// Create registers a new session and writes its session.created event.
func (l *Log) Create(sessionID, userID string) (*Metadata, error) {
	if sessionID == "" {
		return nil, errs.E(errs.KindValidation, "sessionlog.create", "session id is required")
	}

	sl := l.sessionLock(sessionID)
	sl.Lock()
	defer sl.Unlock()

	l.mu.Lock()
	if _, ok := l.index[sessionID]; ok {
		l.mu.Unlock()
		return nil, errs.E(errs.KindConflict, "sessionlog.create", "session %s already exists", sessionID)
	}
	now := l.now().UTC()
	meta := &Metadata{
		SessionID: sessionID,
		UserID:    userID,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	l.index[sessionID] = meta
	l.mu.Unlock()

	ev := Event{Type: EventSessionCreated, UserID: userID, Timestamp: now}
	if err := l.appendHeld(sessionID, ev); err != nil {
		l.mu.Lock()
		delete(l.index, sessionID)
		l.mu.Unlock()
		return nil, err
	}

	l.logger.Info("session created",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID))
	l.publish(events.SessionCreated, map[string]any{
		"session_id": sessionID,
		"user_id":    userID,
	})

	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.index[sessionID].clone(), nil
}

// Append writes one event to the session file and updates the index. Events
// of type session.completed or session.archived transition the session to
// archived; agent.run.completed increments the run counter.
func (l *Log) Append(sessionID string, ev Event) error {
	if sessionID == "" {
		return errs.E(errs.KindValidation, "sessionlog.append", "session id is required")
	}
	if ev.Type == "" {
		return errs.E(errs.KindValidation, "sessionlog.append", "event type is required")
	}

	sl := l.sessionLock(sessionID)
	sl.Lock()
	defer sl.Unlock()

	l.mu.RLock()
	_, ok := l.index[sessionID]
	l.mu.RUnlock()
	if !ok {
		return errs.E(errs.KindNotFound, "sessionlog.append", "session %s not found", sessionID)
	}

	return l.appendHeld(sessionID, ev)
}

// appendHeld writes the event line and updates the index. The caller holds
// the per-session lock.
func (l *Log) appendHeld(sessionID string, ev Event) error {
	ev.SessionID = sessionID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "sessionlog.append", err)
	}

	f, err := os.OpenFile(l.sessionPath(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "sessionlog.append", err)
	}
	line := append(data, '\n')
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return errs.Wrap(errs.KindInternal, "sessionlog.append", err)
	}
	if err := f.Close(); err != nil {
		return errs.Wrap(errs.KindInternal, "sessionlog.append", err)
	}

	archived := false
	l.mu.Lock()
	meta := l.index[sessionID]
	meta.MessageCount++
	meta.UpdatedAt = ev.Timestamp
	meta.SizeBytes += int64(len(line))
	switch ev.Type {
	case EventAgentRunDone:
		meta.AgentRunCount++
	case EventSessionCompleted, EventSessionArchived:
		if meta.Status != StatusArchived {
			meta.Status = StatusArchived
			t := ev.Timestamp
			meta.CompletedAt = &t
			archived = true
		}
	}
	err = l.flushIndexLocked()
	l.mu.Unlock()
	if err != nil {
		return err
	}

	if archived {
		l.logger.Info("session archived", zap.String("session_id", sessionID))
		l.publish(events.SessionArchived, map[string]any{"session_id": sessionID})
	}
	return nil
}

// Load reads the whole session file. Malformed lines are logged, counted
// and skipped.
func (l *Log) Load(sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, errs.E(errs.KindValidation, "sessionlog.load", "session id is required")
	}

	sl := l.sessionLock(sessionID)
	sl.Lock()
	defer sl.Unlock()

	l.mu.RLock()
	meta, ok := l.index[sessionID]
	if !ok {
		l.mu.RUnlock()
		return nil, errs.E(errs.KindNotFound, "sessionlog.load", "session %s not found", sessionID)
	}
	result := &Session{Metadata: *meta.clone()}
	l.mu.RUnlock()

	f, err := os.Open(l.sessionPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return nil, errs.Wrap(errs.KindInternal, "sessionlog.load", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	// Tool results and agent output can produce long lines.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			result.Malformed++
			l.logger.Warn("skipping malformed session line",
				zap.String("session_id", sessionID),
				zap.Error(err))
			continue
		}
		result.Events = append(result.Events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "sessionlog.load", err)
	}

	return result, nil
}

// Get returns the metadata snapshot for one session.
func (l *Log) Get(sessionID string) (*Metadata, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	meta, ok := l.index[sessionID]
	if !ok {
		return nil, errs.E(errs.KindNotFound, "sessionlog.get", "session %s not found", sessionID)
	}
	return meta.clone(), nil
}

// List returns metadata snapshots matching the filter, most recently
// updated first.
func (l *Log) List(filter ListFilter) []*Metadata {
	l.mu.RLock()
	out := make([]*Metadata, 0, len(l.index))
	for _, meta := range l.index {
		if filter.Status != "" && meta.Status != filter.Status {
			continue
		}
		if filter.UserID != "" && meta.UserID != filter.UserID {
			continue
		}
		out = append(out, meta.clone())
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// Archive transitions a session to archived. Archiving an archived session
// is a no-op.
func (l *Log) Archive(sessionID string) error {
	l.mu.RLock()
	meta, ok := l.index[sessionID]
	if !ok {
		l.mu.RUnlock()
		return errs.E(errs.KindNotFound, "sessionlog.archive", "session %s not found", sessionID)
	}
	already := meta.Status == StatusArchived
	l.mu.RUnlock()
	if already {
		return nil
	}
	return l.Append(sessionID, Event{Type: EventSessionArchived})
}

// Delete removes the session file and its index entry.
func (l *Log) Delete(sessionID string) error {
	sl := l.sessionLock(sessionID)
	sl.Lock()
	defer sl.Unlock()

	l.mu.Lock()
	if _, ok := l.index[sessionID]; !ok {
		l.mu.Unlock()
		return errs.E(errs.KindNotFound, "sessionlog.delete", "session %s not found", sessionID)
	}
	delete(l.index, sessionID)
	err := l.flushIndexLocked()
	l.mu.Unlock()
	if err != nil {
		return err
	}

	if err := os.Remove(l.sessionPath(sessionID)); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.KindInternal, "sessionlog.delete", err)
	}

	l.lockMu.Lock()
	delete(l.locks, sessionID)
	l.lockMu.Unlock()

	l.logger.Info("session deleted", zap.String("session_id", sessionID))
	return nil
}

// KeepForever marks a session as exempt from Cleanup.
func (l *Log) KeepForever(sessionID string, keep bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	meta, ok := l.index[sessionID]
	if !ok {
		return errs.E(errs.KindNotFound, "sessionlog.keepForever", "session %s not found", sessionID)
	}
	meta.KeepForever = keep
	return l.flushIndexLocked()
}

// SetValueScore records the consolidation value score for a session.
func (l *Log) SetValueScore(sessionID string, score float64) error {
	if score < 0 || score > 1 {
		return errs.E(errs.KindValidation, "sessionlog.setValueScore", "score must be between 0 and 1, got %v", score)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	meta, ok := l.index[sessionID]
	if !ok {
		return errs.E(errs.KindNotFound, "sessionlog.setValueScore", "session %s not found", sessionID)
	}
	meta.ValueScore = &score
	return l.flushIndexLocked()
}

// Cleanup removes sessions per the options, oldest first by UpdatedAt.
// Keep-forever sessions are never removed; active sessions survive when
// KeepActive is set. Returns the number of sessions removed.
func (l *Log) Cleanup(opts CleanupOptions) (int, error) {
	l.mu.RLock()
	all := make([]*Metadata, 0, len(l.index))
	for _, meta := range l.index {
		all = append(all, meta.clone())
	}
	l.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].UpdatedAt.Equal(all[j].UpdatedAt) {
			return all[i].UpdatedAt.Before(all[j].UpdatedAt)
		}
		return all[i].SessionID < all[j].SessionID
	})

	eligible := func(m *Metadata) bool {
		if m.KeepForever {
			return false
		}
		if opts.KeepActive && m.Status == StatusActive {
			return false
		}
		return true
	}

	var doomed []string
	remaining := len(all)
	cutoff := l.now().UTC().Add(-opts.MaxAge)
	for _, m := range all {
		if !eligible(m) {
			continue
		}
		if opts.MaxAge > 0 && m.UpdatedAt.Before(cutoff) {
			doomed = append(doomed, m.SessionID)
			remaining--
			continue
		}
		if opts.MaxSessions > 0 && remaining > opts.MaxSessions {
			doomed = append(doomed, m.SessionID)
			remaining--
		}
	}

	removed := 0
	for _, id := range doomed {
		if err := l.Delete(id); err != nil {
			if errs.IsNotFound(err) {
				continue
			}
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		l.logger.Info("session cleanup removed sessions", zap.Int("count", removed))
	}
	return removed, nil
}

// Stats aggregates the index.
func (l *Log) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var s Stats
	for _, meta := range l.index {
		s.Sessions++
		switch meta.Status {
		case StatusActive:
			s.Active++
		case StatusArchived:
			s.Archived++
		}
		s.Events += meta.MessageCount
		s.AgentRuns += meta.AgentRunCount
		s.TotalBytes += meta.SizeBytes
	}
	return s
}

func (l *Log) sessionLock(sessionID string) *sync.Mutex {
	l.lockMu.Lock()
	defer l.lockMu.Unlock()
	m, ok := l.locks[sessionID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[sessionID] = m
	}
	return m
}

func (l *Log) sessionPath(sessionID string) string {
	safe := strings.ReplaceAll(sessionID, "/", "_")
	safe = strings.ReplaceAll(safe, "\\", "_")
	return filepath.Join(l.dir, safe+".jsonl")
}

func (l *Log) indexPath() string {
	return filepath.Join(l.dir, indexFileName)
}

// loadIndex reads .index.json into memory.
func (l *Log) loadIndex() error {
	data, err := os.ReadFile(l.indexPath())
	if err != nil {
		return err
	}
	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.index = make(map[string]*Metadata, len(idx.Sessions))
	for _, meta := range idx.Sessions {
		if meta.SessionID == "" {
			continue
		}
		l.index[meta.SessionID] = meta
	}
	return nil
}

// flushIndexLocked writes the index via a temp file and rename so readers
// never observe a torn index. Caller holds mu.
func (l *Log) flushIndexLocked() error {
	idx := indexFile{
		Version:     indexVersion,
		LastUpdated: l.now().UTC(),
		Sessions:    make([]*Metadata, 0, len(l.index)),
	}
	for _, meta := range l.index {
		idx.Sessions = append(idx.Sessions, meta)
	}
	sort.Slice(idx.Sessions, func(i, j int) bool {
		return idx.Sessions[i].SessionID < idx.Sessions[j].SessionID
	})

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindInternal, "sessionlog.flushIndex", err)
	}
	tmp := l.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errs.Wrap(errs.KindInternal, "sessionlog.flushIndex", err)
	}
	if err := os.Rename(tmp, l.indexPath()); err != nil {
		return errs.Wrap(errs.KindInternal, "sessionlog.flushIndex", err)
	}
	return nil
}

// rebuildIndex scans every session file: the first line gives creation
// time and user, the remainder gives counts and status.
func (l *Log) rebuildIndex() {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		l.logger.Error("cannot scan session directory", zap.Error(err))
		return
	}

	index := make(map[string]*Metadata)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		sessionID := strings.TrimSuffix(name, ".jsonl")
		meta, err := l.scanSessionFile(sessionID, filepath.Join(l.dir, name))
		if err != nil {
			l.logger.Warn("skipping unreadable session file",
				zap.String("file", name),
				zap.Error(err))
			continue
		}
		index[sessionID] = meta
	}

	l.mu.Lock()
	l.index = index
	l.mu.Unlock()
	l.logger.Info("rebuilt session index", zap.Int("sessions", len(index)))
}

func (l *Log) scanSessionFile(sessionID, path string) (*Metadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	meta := &Metadata{
		SessionID: sessionID,
		Status:    StatusActive,
		CreatedAt: info.ModTime().UTC(),
		UpdatedAt: info.ModTime().UTC(),
		SizeBytes: info.Size(),
	}

	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	first := true
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		meta.MessageCount++
		if first {
			first = false
			if !ev.Timestamp.IsZero() {
				meta.CreatedAt = ev.Timestamp
			}
			meta.UserID = ev.UserID
		}
		if !ev.Timestamp.IsZero() {
			meta.UpdatedAt = ev.Timestamp
		}
		switch ev.Type {
		case EventAgentRunDone:
			meta.AgentRunCount++
		case EventSessionCompleted, EventSessionArchived:
			if meta.Status != StatusArchived {
				meta.Status = StatusArchived
				if !ev.Timestamp.IsZero() {
					t := ev.Timestamp
					meta.CompletedAt = &t
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return meta, nil
}

func (l *Log) publish(subject string, data map[string]any) {
	if l.events == nil {
		return
	}
	ev := eventbus.NewEvent(subject, "sessionlog", data)
	if err := l.events.Publish(context.Background(), subject, ev); err != nil {
		l.logger.Warn("session event publish failed",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
