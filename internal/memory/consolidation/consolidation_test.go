package consolidation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evoagent/evoagent/internal/common/errs"
	"github.com/evoagent/evoagent/internal/common/logger"
	"github.com/evoagent/evoagent/internal/embedding"
	"github.com/evoagent/evoagent/internal/events"
	eventbus "github.com/evoagent/evoagent/internal/events/bus"
	"github.com/evoagent/evoagent/internal/memory/knowledge"
	"github.com/evoagent/evoagent/internal/memory/sessionlog"
	"github.com/evoagent/evoagent/internal/memory/vector"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

type fixture struct {
	sessions  *sessionlog.Log
	knowledge *knowledge.Store
	vector    *vector.Store
	bus       *eventbus.MemoryEventBus
	loop      *Loop
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	log := newTestLogger(t)

	sessions, err := sessionlog.New(t.TempDir(), log, nil)
	require.NoError(t, err)
	ks, err := knowledge.New(t.TempDir(), log)
	require.NoError(t, err)
	vs, err := vector.New(vector.Config{}, embedding.NewLocal("", 0), log)
	require.NoError(t, err)
	bus := eventbus.NewMemoryEventBus(log)

	loop := New(cfg, sessions, ks, vs, bus, log)
	// Sessions were written moments ago; shift the loop clock forward so
	// the age gate passes.
	loop.now = func() time.Time { return time.Now().Add(time.Hour) }

	return &fixture{sessions: sessions, knowledge: ks, vector: vs, bus: bus, loop: loop}
}

// addRunSession writes a session containing one finished agent run whose
// output carries the given text.
func addRunSession(t *testing.T, f *fixture, sessionID, output string, success bool) {
	t.Helper()
	_, err := f.sessions.Create(sessionID, "user-1")
	require.NoError(t, err)
	require.NoError(t, f.sessions.Append(sessionID, sessionlog.Event{
		Type: sessionlog.EventAgentRunDone,
		Data: map[string]any{"success": success, "output": output},
	}))
}

func TestExtractMarkerLines(t *testing.T) {
	text := "progress update\n" +
		"Decision: use a single writer connection\n" +
		"PITFALL: scanner default buffer is too small\n" +
		"fix: enlarge the scanner buffer\n" +
		"decision:\n" + // empty rest is ignored
		"plain line"

	cands := extractCandidates(text)
	require.Len(t, cands, 3)

	assert.Equal(t, "use a single writer connection", cands[0].title)
	assert.Equal(t, knowledge.CategoryDecisions, cands[0].category)
	assert.Equal(t, []string{"decision"}, cands[0].tags)

	assert.Equal(t, "scanner default buffer is too small", cands[1].title)
	assert.Equal(t, knowledge.CategoryPits, cands[1].category)

	assert.Equal(t, "enlarge the scanner buffer", cands[2].title)
	assert.Equal(t, knowledge.CategorySolutions, cands[2].category)
}

func TestExtractCodeFence(t *testing.T) {
	text := "before\n```go\n\nfunc retry(ctx context.Context) error {\n\treturn nil\n}\n```\nafter"

	cands := extractCandidates(text)
	require.Len(t, cands, 1)
	c := cands[0]
	assert.Equal(t, "func retry(ctx context.Context) error {", c.title)
	assert.Equal(t, knowledge.CategoryPatterns, c.category)
	assert.Equal(t, []string{"go"}, c.tags)
	assert.Contains(t, c.body, "```go\n")
	assert.Contains(t, c.body, "return nil")

	// Unterminated and empty fences yield nothing.
	assert.Empty(t, extractCandidates("```go\nfunc f() {}"))
	assert.Empty(t, extractCandidates("```\n\n```"))
}

func TestRunOnceCreatesKnowledgeAndVectorTwin(t *testing.T) {
	f := newFixture(t, Config{MinOccurrences: 2, MinSuccessRate: 0.5})
	ctx := context.Background()

	var mu sync.Mutex
	var published []string
	handler := func(_ context.Context, ev *eventbus.Event) error {
		mu.Lock()
		published = append(published, ev.Type)
		mu.Unlock()
		return nil
	}
	_, err := f.bus.Subscribe(events.KnowledgeCreated, handler)
	require.NoError(t, err)
	_, err = f.bus.Subscribe(events.ConsolidationCompleted, handler)
	require.NoError(t, err)

	recurring := "Pitfall: reusing the context after cancel"
	addRunSession(t, f, "sess-1", recurring+"\nDecision: one off remark", true)
	addRunSession(t, f, "sess-2", recurring, true)

	report, err := f.loop.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.SessionsScanned)
	assert.Equal(t, 2, report.Candidates)
	assert.Equal(t, 1, report.ItemsWritten)

	item, err := f.knowledge.Read(knowledge.CategoryPits, "reusing-the-context-after-cancel")
	require.NoError(t, err)
	assert.Equal(t, knowledge.SourceAuto, item.Source)
	assert.Equal(t, 2, item.FrontMatter.Occurrences)
	assert.ElementsMatch(t, []string{"sess-1", "sess-2"}, item.FrontMatter.RelatedSessions)

	// The vector twin points back at the item.
	require.Equal(t, 1, f.vector.Count(vectorCollection))
	results, err := f.vector.Search(ctx, "reusing the context after cancel", vector.SearchOptions{Collection: vectorCollection})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, item.Path, results[0].Entry.Metadata["path"])
	assert.True(t, results[0].Entry.Consolidated)

	mu.Lock()
	assert.Equal(t, []string{events.KnowledgeCreated, events.ConsolidationCompleted}, published)
	mu.Unlock()

	// Sessions are distilled once: the next pass finds nothing new.
	report, err = f.loop.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.SessionsScanned)
	assert.Equal(t, 0, report.ItemsWritten)
}

func TestRunOnceSuccessRateGate(t *testing.T) {
	f := newFixture(t, Config{MinOccurrences: 1, MinSuccessRate: 0.5})

	_, err := f.sessions.Create("sess-low", "user-1")
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		require.NoError(t, f.sessions.Append("sess-low", sessionlog.Event{
			Type: sessionlog.EventAgentRunDone,
			Data: map[string]any{"success": false, "output": "Pitfall: repeated failure"},
		}))
	}

	report, err := f.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.SessionsScanned)
	assert.Equal(t, 0, report.Candidates)
	assert.Equal(t, 0, report.ItemsWritten)

	// The score is remembered so the session is not rescanned.
	meta, err := f.sessions.Get("sess-low")
	require.NoError(t, err)
	require.NotNil(t, meta.ValueScore)
	assert.Equal(t, 0.0, *meta.ValueScore)
}

func TestRunOnceSkipsSessionsWithoutRuns(t *testing.T) {
	f := newFixture(t, Config{MinOccurrences: 1})

	_, err := f.sessions.Create("sess-chat", "user-1")
	require.NoError(t, err)
	require.NoError(t, f.sessions.Append("sess-chat", sessionlog.Event{
		Type: sessionlog.EventMessageAdded,
		Data: map[string]any{"content": "Pitfall: should not be extracted"},
	}))

	report, err := f.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.SessionsScanned)

	meta, err := f.sessions.Get("sess-chat")
	require.NoError(t, err)
	assert.Nil(t, meta.ValueScore)
}

func TestRunOnceMinAgeGate(t *testing.T) {
	f := newFixture(t, Config{MinOccurrences: 1, MinAge: 5 * time.Minute})
	// Real clock: the freshly written session is younger than MinAge.
	f.loop.now = time.Now

	addRunSession(t, f, "sess-young", "Pitfall: too fresh to distill", true)

	report, err := f.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.SessionsScanned)
}

func TestRunOnceSuppressesSimilarTitles(t *testing.T) {
	f := newFixture(t, Config{MinOccurrences: 2, MinSuccessRate: 0.5})

	existing := &knowledge.Item{
		FrontMatter: knowledge.FrontMatter{
			Title:    "retry backoff for flaky network uploads",
			Category: knowledge.CategoryPits,
		},
		Body: "seen before",
	}
	written, err := f.knowledge.WriteAuto(existing)
	require.NoError(t, err)
	require.True(t, written)

	near := "Pitfall: retry backoff for flaky network downloads"
	addRunSession(t, f, "sess-1", near, true)
	addRunSession(t, f, "sess-2", near, true)

	report, err := f.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.ItemsWritten)
	assert.Equal(t, 1, report.ItemsSuppressed)
}

func TestRunOnceMergesExactSlug(t *testing.T) {
	f := newFixture(t, Config{MinOccurrences: 2, MinSuccessRate: 0.5})

	existing := &knowledge.Item{
		FrontMatter: knowledge.FrontMatter{
			Title:    "reusing the context after cancel",
			Category: knowledge.CategoryPits,
		},
		Body: "first sighting",
	}
	written, err := f.knowledge.WriteAuto(existing)
	require.NoError(t, err)
	require.True(t, written)

	marker := "Pitfall: reusing the context after cancel"
	addRunSession(t, f, "sess-1", marker, true)
	addRunSession(t, f, "sess-2", marker, true)

	report, err := f.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.ItemsWritten)

	item, err := f.knowledge.Read(knowledge.CategoryPits, "reusing-the-context-after-cancel")
	require.NoError(t, err)
	assert.Equal(t, 2, item.FrontMatter.Occurrences)
	assert.Equal(t, 2, item.FrontMatter.Version)
}

func TestRunOnceRespectsLockedItems(t *testing.T) {
	f := newFixture(t, Config{MinOccurrences: 2, MinSuccessRate: 0.5})

	existing := &knowledge.Item{
		FrontMatter: knowledge.FrontMatter{
			Title:    "reusing the context after cancel",
			Category: knowledge.CategoryPits,
		},
		Body: "curated wording",
	}
	written, err := f.knowledge.WriteAuto(existing)
	require.NoError(t, err)
	require.True(t, written)
	require.NoError(t, f.knowledge.Lock(existing.Path, true))

	marker := "Pitfall: reusing the context after cancel"
	addRunSession(t, f, "sess-1", marker, true)
	addRunSession(t, f, "sess-2", marker, true)

	report, err := f.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.ItemsWritten)
	assert.Equal(t, 1, report.ItemsSuppressed)

	item, err := f.knowledge.ReadPath(existing.Path)
	require.NoError(t, err)
	assert.Equal(t, "curated wording", item.Body)
}

func TestLoopLifecycle(t *testing.T) {
	f := newFixture(t, Config{Interval: 20 * time.Millisecond})
	ctx := context.Background()

	done := make(chan struct{}, 1)
	_, err := f.bus.Subscribe(events.ConsolidationCompleted, func(context.Context, *eventbus.Event) error {
		select {
		case done <- struct{}{}:
		default:
		}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.loop.Start(ctx))
	assert.True(t, f.loop.IsRunning())
	assert.True(t, errs.Is(f.loop.Start(ctx), errs.KindPrecondition))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("no consolidation pass within 2s")
	}

	require.NoError(t, f.loop.Stop())
	assert.False(t, f.loop.IsRunning())
	assert.True(t, errs.Is(f.loop.Stop(), errs.KindPrecondition))
}
