// Package consolidation distills finished sessions into reusable
// knowledge. Recurring decision, pitfall and solution markers plus fenced
// code shapes in event payloads become auto knowledge items and vector
// entries once they cross the occurrence threshold.
package consolidation

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/evoagent/evoagent/internal/common/errs"
	"github.com/evoagent/evoagent/internal/common/logger"
	"github.com/evoagent/evoagent/internal/events"
	eventbus "github.com/evoagent/evoagent/internal/events/bus"
	"github.com/evoagent/evoagent/internal/memory/knowledge"
	"github.com/evoagent/evoagent/internal/memory/sessionlog"
	"github.com/evoagent/evoagent/internal/memory/vector"
	"github.com/evoagent/evoagent/internal/tracing"
)

// vectorCollection is where distilled items land in the vector store.
const vectorCollection = "knowledge"

// titleSimilarity is the token-overlap threshold above which a candidate
// counts as a near-duplicate of an existing item and is suppressed.
const titleSimilarity = 0.7

// Config tunes the loop. Zero fields take the default.
type Config struct {
	Interval          time.Duration
	MinAge            time.Duration
	MinSuccessRate    float64
	MinOccurrences    int
	MaxSessionsPerRun int
}

// DefaultConfig mirrors the configuration file defaults.
func DefaultConfig() Config {
	return Config{
		Interval:          time.Hour,
		MinAge:            5 * time.Minute,
		MinSuccessRate:    0.5,
		MinOccurrences:    2,
		MaxSessionsPerRun: 50,
	}
}

// SessionSource is the session log surface the loop reads.
type SessionSource interface {
	List(filter sessionlog.ListFilter) []*sessionlog.Metadata
	Load(sessionID string) (*sessionlog.Session, error)
	SetValueScore(sessionID string, score float64) error
}

// KnowledgeWriter is the knowledge store surface the loop writes.
type KnowledgeWriter interface {
	WriteAuto(item *knowledge.Item) (bool, error)
	List(filter knowledge.ListFilter) ([]*knowledge.Item, error)
}

// VectorWriter inserts the vector twin of each created item.
type VectorWriter interface {
	Add(ctx context.Context, entry *vector.Entry) (*vector.Entry, error)
}

// Report summarizes one pass.
type Report struct {
	SessionsScanned int `json:"sessionsScanned"`
	Candidates      int `json:"candidates"`
	ItemsWritten    int `json:"itemsWritten"`
	ItemsSuppressed int `json:"itemsSuppressed"`
}

// Loop is the periodic consolidation worker.
type Loop struct {
	cfg       Config
	sessions  SessionSource
	knowledge KnowledgeWriter
	vector    VectorWriter
	events    eventbus.EventBus
	logger    *logger.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	now func() time.Time
}

// New creates the loop. The vector writer and event bus may be nil.
func New(cfg Config, sessions SessionSource, kw KnowledgeWriter, vw VectorWriter, bus eventbus.EventBus, log *logger.Logger) *Loop {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MinAge < 0 {
		cfg.MinAge = def.MinAge
	}
	if cfg.MinOccurrences < 1 {
		cfg.MinOccurrences = def.MinOccurrences
	}
	return &Loop{
		cfg:       cfg,
		sessions:  sessions,
		knowledge: kw,
		vector:    vw,
		events:    bus,
		logger:    log.WithFields(zap.String("component", "consolidation")),
		now:       time.Now,
	}
}

// Start launches the periodic loop.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return errs.E(errs.KindPrecondition, "consolidation.start", "loop already running")
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.mu.Unlock()

	l.logger.Info("consolidation loop starting", zap.Duration("interval", l.cfg.Interval))
	l.wg.Add(1)
	go l.run(ctx)
	return nil
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (l *Loop) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return errs.E(errs.KindPrecondition, "consolidation.stop", "loop is not running")
	}
	l.running = false
	close(l.stopCh)
	l.mu.Unlock()

	l.wg.Wait()
	l.logger.Info("consolidation loop stopped")
	return nil
}

// IsRunning reports whether the loop is active.
func (l *Loop) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			if _, err := l.RunOnce(ctx); err != nil {
				l.logger.Error("consolidation pass failed", zap.Error(err))
			}
		}
	}
}

// RunOnce performs a single pass: scan eligible sessions, aggregate
// candidates, write the ones crossing the occurrence threshold. Sessions
// are consumed oldest first; a session's value score doubles as the
// scanned marker, so each session is distilled once.
func (l *Loop) RunOnce(ctx context.Context) (*Report, error) {
	start := l.now()
	report := &Report{}

	metas := l.sessions.List(sessionlog.ListFilter{})
	sort.Slice(metas, func(i, j int) bool {
		if !metas[i].UpdatedAt.Equal(metas[j].UpdatedAt) {
			return metas[i].UpdatedAt.Before(metas[j].UpdatedAt)
		}
		return metas[i].SessionID < metas[j].SessionID
	})
	cutoff := l.now().UTC().Add(-l.cfg.MinAge)

	agg := make(map[string]*candidate)
	for _, meta := range metas {
		if l.cfg.MaxSessionsPerRun > 0 && report.SessionsScanned >= l.cfg.MaxSessionsPerRun {
			break
		}
		if err := ctx.Err(); err != nil {
			return report, errs.Wrap(errs.KindPrecondition, "consolidation.runOnce", err)
		}
		if meta.ValueScore != nil || meta.UpdatedAt.After(cutoff) {
			continue
		}

		session, err := l.sessions.Load(meta.SessionID)
		if err != nil {
			l.logger.Warn("skipping unreadable session",
				zap.String("session_id", meta.SessionID),
				zap.Error(err))
			continue
		}
		runs, successes := runStats(session.Events)
		if runs == 0 {
			continue
		}
		rate := float64(successes) / float64(runs)
		if err := l.sessions.SetValueScore(meta.SessionID, rate); err != nil {
			l.logger.Warn("value score update failed",
				zap.String("session_id", meta.SessionID),
				zap.Error(err))
		}
		report.SessionsScanned++
		if rate < l.cfg.MinSuccessRate {
			continue
		}

		for _, ev := range session.Events {
			for _, text := range stringValues(ev.Data) {
				l.collect(agg, text, meta.SessionID)
			}
		}
	}
	report.Candidates = len(agg)

	if err := l.writeCandidates(ctx, agg, report); err != nil {
		return report, err
	}

	l.publish(events.ConsolidationCompleted, map[string]any{
		"sessions_scanned": report.SessionsScanned,
		"candidates":       report.Candidates,
		"items_written":    report.ItemsWritten,
		"items_suppressed": report.ItemsSuppressed,
	})
	tracing.TraceConsolidation(ctx, report.SessionsScanned, report.ItemsWritten, report.ItemsSuppressed)
	l.logger.Info("consolidation pass finished",
		zap.Int("sessions_scanned", report.SessionsScanned),
		zap.Int("candidates", report.Candidates),
		zap.Int("items_written", report.ItemsWritten),
		zap.Int("items_suppressed", report.ItemsSuppressed),
		zap.Duration("took", l.now().Sub(start)))
	return report, nil
}

func (l *Loop) collect(agg map[string]*candidate, text, sessionID string) {
	for _, c := range extractCandidates(text) {
		key := knowledge.Slugify(c.title)
		if key == "" {
			continue
		}
		if existing, ok := agg[key]; ok {
			existing.count++
			existing.sessions = mergeStrings(existing.sessions, sessionID)
			continue
		}
		fresh := c
		fresh.count = 1
		fresh.sessions = []string{sessionID}
		agg[key] = &fresh
	}
}

// writeCandidates turns aggregated candidates into knowledge items and
// vector entries. A candidate whose slug matches an existing item exactly
// goes through WriteAuto so the merge bookkeeping applies; a candidate
// that is merely similar to an existing title is suppressed.
func (l *Loop) writeCandidates(ctx context.Context, agg map[string]*candidate, report *Report) error {
	keys := make([]string, 0, len(agg))
	for key := range agg {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	existing, err := l.knowledge.List(knowledge.ListFilter{})
	if err != nil {
		return errs.Wrap(errs.KindInternal, "consolidation.runOnce", err)
	}

	for _, key := range keys {
		c := agg[key]
		if c.count < l.cfg.MinOccurrences {
			continue
		}
		if similarItemExists(existing, key, c.title) {
			report.ItemsSuppressed++
			l.logger.Debug("suppressing near-duplicate candidate", zap.String("title", c.title))
			continue
		}

		item := &knowledge.Item{
			FrontMatter: knowledge.FrontMatter{
				Title:           c.title,
				Category:        c.category,
				Tags:            c.tags,
				Occurrences:     c.count,
				RelatedSessions: c.sessions,
			},
			Body: c.body,
		}
		written, err := l.knowledge.WriteAuto(item)
		if err != nil {
			l.logger.Warn("knowledge write failed", zap.String("title", c.title), zap.Error(err))
			continue
		}
		if !written {
			report.ItemsSuppressed++
			continue
		}
		report.ItemsWritten++
		existing = append(existing, item)

		if l.vector != nil {
			_, err := l.vector.Add(ctx, &vector.Entry{
				Collection: vectorCollection,
				Content:    c.title + "\n\n" + c.body,
				Metadata: map[string]any{
					"path":     item.Path,
					"title":    c.title,
					"category": c.category,
				},
				Consolidated: true,
			})
			if err != nil {
				l.logger.Warn("vector twin insert failed", zap.String("path", item.Path), zap.Error(err))
			}
		}

		l.publish(events.KnowledgeCreated, map[string]any{
			"path":        item.Path,
			"title":       c.title,
			"category":    c.category,
			"occurrences": c.count,
		})
	}
	return nil
}

func (l *Loop) publish(subject string, data map[string]any) {
	if l.events == nil {
		return
	}
	ev := eventbus.NewEvent(subject, "consolidation", data)
	if err := l.events.Publish(context.Background(), subject, ev); err != nil {
		l.logger.Warn("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// runStats counts agent runs and successes in a session's events.
func runStats(evs []sessionlog.Event) (runs, successes int) {
	for _, ev := range evs {
		if ev.Type != sessionlog.EventAgentRunDone {
			continue
		}
		runs++
		if success, _ := ev.Data["success"].(bool); success {
			successes++
		}
	}
	return runs, successes
}

// stringValues returns the top-level string payload values in key order.
func stringValues(data map[string]any) []string {
	if len(data) == 0 {
		return nil
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []string
	for _, k := range keys {
		if s, ok := data[k].(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// similarItemExists reports whether an existing item is a near-duplicate
// of the candidate. An exact slug match is not a duplicate: WriteAuto
// merges those.
func similarItemExists(items []*knowledge.Item, slug, title string) bool {
	want := tokenSet(title)
	similar := false
	for _, item := range items {
		if item.Slug == slug {
			return false
		}
		if !similar && tokenOverlap(want, tokenSet(item.FrontMatter.Title)) >= titleSimilarity {
			similar = true
		}
	}
	return similar
}

func tokenOverlap(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

func tokenSet(text string) map[string]struct{} {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

func mergeStrings(dst []string, s string) []string {
	for _, d := range dst {
		if d == s {
			return dst
		}
	}
	return append(dst, s)
}
