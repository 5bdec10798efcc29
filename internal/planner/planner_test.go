package planner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evoagent/evoagent/internal/common/errs"
	"github.com/evoagent/evoagent/internal/common/logger"
	"github.com/evoagent/evoagent/internal/memory/hybrid"
	"github.com/evoagent/evoagent/internal/memory/knowledge"
	"github.com/evoagent/evoagent/internal/memory/vector"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestAnalyzeSimpleFrontend(t *testing.T) {
	a := Analyze("Add a button to the header")

	assert.Equal(t, ComplexitySimple, a.Complexity)
	assert.Equal(t, []string{CapFrontend}, a.Capabilities)
	assert.Equal(t, ModeA, a.Mode)
	assert.Equal(t, 5*time.Minute, a.EstimateMin)
	assert.Equal(t, 15*time.Minute, a.EstimateMax)
}

func TestAnalyzeMediumBackend(t *testing.T) {
	a := Analyze("add a crud endpoint for reports")

	assert.Equal(t, ComplexityMedium, a.Complexity)
	assert.Equal(t, []string{CapBackend}, a.Capabilities)
	assert.Equal(t, ModeB, a.Mode)
	assert.Contains(t, a.MatchedKeywords, "crud")
	assert.Contains(t, a.MatchedKeywords, "endpoint")
}

func TestAnalyzeComplexManyCapabilities(t *testing.T) {
	a := Analyze("integrate oauth authentication with the api endpoints and database schema")

	assert.Equal(t, ComplexityComplex, a.Complexity)
	assert.Equal(t, []string{CapAuth, CapBackend, CapDatabase}, a.Capabilities)
	assert.Equal(t, ModeC, a.Mode)
	assert.Equal(t, 45*time.Minute, a.EstimateMin)
	assert.Equal(t, 2*time.Hour, a.EstimateMax)
}

func TestAnalyzeVeryComplex(t *testing.T) {
	a := Analyze("migrate the platform to a distributed architecture")

	assert.Equal(t, ComplexityVeryComplex, a.Complexity)
	assert.Equal(t, ModeD, a.Mode)
	assert.Equal(t, 6*time.Hour, a.EstimateMax)
}

func TestAnalyzeSimpleManyAreasEscalates(t *testing.T) {
	a := Analyze("style the login page and deploy")

	assert.Equal(t, ComplexitySimple, a.Complexity)
	assert.Equal(t, []string{CapAuth, CapDeployment, CapFrontend}, a.Capabilities)
	assert.Equal(t, ModeB, a.Mode)
}

func TestAnalyzeLongRequirementWithoutKeywords(t *testing.T) {
	input := "please take care of all of those little things we talked about " +
		"during our long meeting earlier today because they really do matter " +
		"quite a lot to everyone involved"
	a := Analyze(input)

	assert.Equal(t, ComplexityMedium, a.Complexity)
	assert.Equal(t, []string{CapGeneral}, a.Capabilities)
	assert.Equal(t, ModeB, a.Mode)
}

func TestAnalyzeKeywordMatchingIsTokenExact(t *testing.T) {
	// "building" must not hit "ui", "buttons" folds to "button".
	a := Analyze("building more buttons")
	assert.Equal(t, []string{CapFrontend}, a.Capabilities)
	assert.NotContains(t, a.MatchedKeywords, "ui")

	// Hyphenated keywords match as phrases.
	a = Analyze("add real-time updates")
	assert.Equal(t, ComplexityMedium, a.Complexity)
	assert.Contains(t, a.MatchedKeywords, "real-time")
}

func TestPlanModeASingleStep(t *testing.T) {
	p := New(nil, nil, newTestLogger(t))

	plan, err := p.Plan(context.Background(), "task-1", "Add a button to the header")
	require.NoError(t, err)

	assert.NotEmpty(t, plan.ID)
	assert.Equal(t, "task-1", plan.TaskID)
	assert.Equal(t, ModeA, plan.Analysis.Mode)
	assert.False(t, plan.CreatedAt.IsZero())

	require.Len(t, plan.Steps, 1)
	step := plan.Steps[0]
	assert.Equal(t, "step-1", step.ID)
	assert.Equal(t, KindCodewriter, step.AgentKind)
	assert.Equal(t, "Add a button to the header", step.Description)
	assert.Empty(t, step.Dependencies)
	assert.Equal(t, 15*time.Minute, step.Estimate)
}

func TestPlanModeBChain(t *testing.T) {
	p := New(nil, nil, newTestLogger(t))

	plan, err := p.Plan(context.Background(), "task-2", "add a crud endpoint for reports")
	require.NoError(t, err)
	require.Len(t, plan.Steps, 3)

	assert.Equal(t, KindCodewriter, plan.Steps[0].AgentKind)
	assert.Equal(t, KindReviewer, plan.Steps[1].AgentKind)
	assert.Equal(t, KindTester, plan.Steps[2].AgentKind)
	assert.Equal(t, []string{"step-1"}, plan.Steps[1].Dependencies)
	assert.Equal(t, []string{"step-2"}, plan.Steps[2].Dependencies)
	assert.Equal(t, 15*time.Minute, plan.Steps[0].Estimate)
}

func TestPlanModeCParallelWriters(t *testing.T) {
	p := New(nil, nil, newTestLogger(t))

	plan, err := p.Plan(context.Background(), "task-3",
		"integrate oauth authentication with the api endpoints and database schema")
	require.NoError(t, err)
	require.Len(t, plan.Steps, 4)

	for i, capability := range []string{CapAuth, CapBackend, CapDatabase} {
		assert.Equal(t, KindCodewriter, plan.Steps[i].AgentKind)
		assert.Contains(t, plan.Steps[i].Description, capability)
		assert.Empty(t, plan.Steps[i].Dependencies)
	}
	final := plan.Steps[3]
	assert.Equal(t, KindIntegrator, final.AgentKind)
	assert.Equal(t, []string{"step-1", "step-2", "step-3"}, final.Dependencies)
	assert.Equal(t, 30*time.Minute, final.Estimate)
}

func TestPlanModeDIterates(t *testing.T) {
	p := New(nil, nil, newTestLogger(t))

	plan, err := p.Plan(context.Background(), "task-4",
		"migrate the platform to a distributed architecture")
	require.NoError(t, err)
	require.Len(t, plan.Steps, 5)

	kinds := make([]string, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		kinds = append(kinds, s.AgentKind)
	}
	assert.Equal(t, []string{KindPlanner, KindCodewriter, KindPlanner, KindCodewriter, KindIntegrator}, kinds)
	for i := 1; i < len(plan.Steps); i++ {
		assert.Equal(t, []string{plan.Steps[i-1].ID}, plan.Steps[i].Dependencies)
	}
}

func TestPlanEmptyInput(t *testing.T) {
	p := New(nil, nil, newTestLogger(t))

	_, err := p.Plan(context.Background(), "task-5", "   ")
	assert.True(t, errs.IsValidation(err))
}

func TestValidateSteps(t *testing.T) {
	valid := []Step{
		{ID: "step-1", AgentKind: KindCodewriter},
		{ID: "step-2", AgentKind: KindReviewer, Dependencies: []string{"step-1"}},
	}
	assert.NoError(t, ValidateSteps(valid))

	cases := map[string][]Step{
		"empty plan":   {},
		"missing id":   {{AgentKind: KindCodewriter}},
		"duplicate id": {{ID: "a", AgentKind: KindCodewriter}, {ID: "a", AgentKind: KindReviewer}},
		"missing kind": {{ID: "a"}},
		"self dependency": {
			{ID: "a", AgentKind: KindCodewriter, Dependencies: []string{"a"}},
		},
		"forward dependency": {
			{ID: "a", AgentKind: KindCodewriter, Dependencies: []string{"b"}},
			{ID: "b", AgentKind: KindReviewer},
		},
	}
	for name, steps := range cases {
		t.Run(name, func(t *testing.T) {
			assert.True(t, errs.IsValidation(ValidateSteps(steps)))
		})
	}
}

type fakeHistory struct {
	results []hybrid.Result
	err     error
	queries []string
}

func (f *fakeHistory) Search(_ context.Context, query string, _ hybrid.Options) ([]hybrid.Result, error) {
	f.queries = append(f.queries, query)
	return f.results, f.err
}

type fakePlans struct {
	similar []vector.SearchResult
	added   []*vector.Entry
}

func (f *fakePlans) Add(_ context.Context, entry *vector.Entry) (*vector.Entry, error) {
	f.added = append(f.added, entry)
	return entry, nil
}

func (f *fakePlans) Search(_ context.Context, _ string, opts vector.SearchOptions) ([]vector.SearchResult, error) {
	if opts.Collection != PlanCollection {
		return nil, nil
	}
	return f.similar, nil
}

func TestPlanRefinementFoldsRisksAndTools(t *testing.T) {
	history := &fakeHistory{results: []hybrid.Result{
		{
			Key:       "pits/context-reuse.md",
			Title:     "Reusing the context after cancel",
			Knowledge: &knowledge.Item{Category: knowledge.CategoryPits},
		},
		{
			Key:       "patterns/retry.md",
			Title:     "Retry with backoff",
			Knowledge: &knowledge.Item{Category: knowledge.CategoryPatterns},
		},
	}}
	plans := &fakePlans{similar: []vector.SearchResult{
		{Entry: &vector.Entry{
			ID:       "old-plan",
			Metadata: map[string]any{"tools": "editor, git, editor"},
		}},
	}}
	p := New(history, plans, newTestLogger(t))

	plan, err := p.Plan(context.Background(), "task-6", "Add a button to the header")
	require.NoError(t, err)

	assert.Equal(t, []string{"Reusing the context after cancel"}, plan.Risks)
	assert.Equal(t, []string{"Add a button to the header"}, history.queries)

	require.Len(t, plan.Steps, 1)
	assert.Equal(t, []string{"editor", "git"}, plan.Steps[0].RequiredTools)

	require.Len(t, plans.added, 1)
	stored := plans.added[0]
	assert.Equal(t, PlanCollection, stored.Collection)
	assert.Equal(t, plan.Input, stored.Content)
	assert.Equal(t, plan.ID, stored.Metadata["plan_id"])
	assert.Equal(t, "A", stored.Metadata["mode"])
	assert.Equal(t, "simple", stored.Metadata["complexity"])
	assert.Equal(t, "frontend", stored.Metadata["capabilities"])
	assert.Equal(t, "editor,git", stored.Metadata["tools"])
	assert.Equal(t, 1, stored.Metadata["steps"])
}

func TestPlanRefinementFailureDegrades(t *testing.T) {
	history := &fakeHistory{err: errs.E(errs.KindTransient, "search", "index offline")}
	p := New(history, nil, newTestLogger(t))

	plan, err := p.Plan(context.Background(), "task-7", "Add a button to the header")
	require.NoError(t, err)
	assert.Empty(t, plan.Risks)
	require.Len(t, plan.Steps, 1)
}
