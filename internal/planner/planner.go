// Package planner turns a requirement into an executable step plan.
//
// Analysis is deterministic keyword scoring, so the same requirement
// always yields the same complexity, capabilities and mode. The step
// skeleton per mode is then refined with risks and tool hints retrieved
// from memory, and the finished plan is written back to the "plans"
// vector collection so later requirements can learn from it.
package planner

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/evoagent/evoagent/internal/common/errs"
	"github.com/evoagent/evoagent/internal/common/logger"
	"github.com/evoagent/evoagent/internal/common/stringutil"
	"github.com/evoagent/evoagent/internal/memory/hybrid"
	"github.com/evoagent/evoagent/internal/memory/knowledge"
	"github.com/evoagent/evoagent/internal/memory/vector"
)

const (
	// PlanCollection is the vector collection finished plans are stored in.
	PlanCollection = "plans"

	historyLimit = 5
	maxRisks     = 5
)

// Step is one unit of work inside a plan. Dependencies reference step IDs
// that appear earlier in the plan, which keeps every plan acyclic by
// construction.
type Step struct {
	ID            string        `json:"id"`
	AgentKind     string        `json:"agentKind"`
	Description   string        `json:"description"`
	Dependencies  []string      `json:"dependencies,omitempty"`
	Estimate      time.Duration `json:"estimate,omitempty"`
	RequiredTools []string      `json:"requiredTools,omitempty"`
}

// Plan is the full output of planning a requirement.
type Plan struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	Input     string    `json:"input"`
	Analysis  Analysis  `json:"analysis"`
	Steps     []Step    `json:"steps"`
	Risks     []string  `json:"risks,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// HistorySearcher retrieves related knowledge and memories for refinement.
type HistorySearcher interface {
	Search(ctx context.Context, query string, opts hybrid.Options) ([]hybrid.Result, error)
}

// PlanStore persists finished plans and recalls similar past ones.
type PlanStore interface {
	Add(ctx context.Context, entry *vector.Entry) (*vector.Entry, error)
	Search(ctx context.Context, query string, opts vector.SearchOptions) ([]vector.SearchResult, error)
}

// Planner builds plans. History and plan store are optional; without them
// plans are built from analysis alone.
type Planner struct {
	history HistorySearcher
	plans   PlanStore
	logger  *logger.Logger

	now func() time.Time
}

func New(history HistorySearcher, plans PlanStore, log *logger.Logger) *Planner {
	return &Planner{
		history: history,
		plans:   plans,
		logger:  log.WithFields(zap.String("component", "planner")),
		now:     time.Now,
	}
}

// Plan analyzes the requirement, expands the step skeleton for the selected
// mode, refines it against memory and persists the result.
func (p *Planner) Plan(ctx context.Context, taskID, input string) (*Plan, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, errs.E(errs.KindValidation, "planner.plan", "requirement is empty")
	}

	analysis := Analyze(input)
	plan := &Plan{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Input:     input,
		Analysis:  analysis,
		Steps:     skeleton(analysis, input),
		CreatedAt: p.now().UTC(),
	}

	p.refine(ctx, plan)

	if err := ValidateSteps(plan.Steps); err != nil {
		return nil, err
	}

	p.persist(ctx, plan)

	p.logger.Info("plan created",
		zap.String("plan_id", plan.ID),
		zap.String("task_id", taskID),
		zap.String("input", stringutil.Ellipsize(input, 80)),
		zap.String("mode", string(analysis.Mode)),
		zap.String("complexity", string(analysis.Complexity)),
		zap.Int("steps", len(plan.Steps)))
	return plan, nil
}

// refine folds retrieved memory into the plan: pitfall titles become risks,
// and tools recorded on similar past plans become tool hints on the writer
// steps. Retrieval failures degrade to an unrefined plan.
func (p *Planner) refine(ctx context.Context, plan *Plan) {
	if p.history != nil {
		results, err := p.history.Search(ctx, plan.Input, hybrid.Options{Limit: historyLimit})
		if err != nil {
			p.logger.Warn("plan refinement search failed", zap.Error(err))
		} else {
			for _, res := range results {
				if res.Knowledge != nil && res.Knowledge.Category == knowledge.CategoryPits {
					plan.Risks = append(plan.Risks, res.Title)
				}
			}
			if len(plan.Risks) > maxRisks {
				plan.Risks = plan.Risks[:maxRisks]
			}
		}
	}

	if p.plans == nil {
		return
	}
	similar, err := p.plans.Search(ctx, plan.Input, vector.SearchOptions{
		Collection: PlanCollection,
		Limit:      3,
	})
	if err != nil {
		p.logger.Warn("similar plan lookup failed", zap.Error(err))
		return
	}
	var hints []string
	for _, res := range similar {
		raw, _ := res.Entry.Metadata["tools"].(string)
		for _, tool := range strings.Split(raw, ",") {
			if tool = strings.TrimSpace(tool); tool != "" {
				hints = append(hints, tool)
			}
		}
	}
	if len(hints) == 0 {
		return
	}
	hints = dedupeStrings(hints)
	for i := range plan.Steps {
		if plan.Steps[i].AgentKind == KindCodewriter {
			plan.Steps[i].RequiredTools = dedupeStrings(append(plan.Steps[i].RequiredTools, hints...))
		}
	}
}

// persist writes the plan into the plan collection. Failures only log;
// the plan is still returned to the caller.
func (p *Planner) persist(ctx context.Context, plan *Plan) {
	if p.plans == nil {
		return
	}
	var tools []string
	for _, s := range plan.Steps {
		tools = append(tools, s.RequiredTools...)
	}
	tools = dedupeStrings(tools)
	_, err := p.plans.Add(ctx, &vector.Entry{
		Collection: PlanCollection,
		Content:    plan.Input,
		Metadata: map[string]any{
			"plan_id":      plan.ID,
			"mode":         string(plan.Analysis.Mode),
			"complexity":   string(plan.Analysis.Complexity),
			"capabilities": strings.Join(plan.Analysis.Capabilities, ","),
			"tools":        strings.Join(tools, ","),
			"steps":        len(plan.Steps),
		},
	})
	if err != nil {
		p.logger.Warn("failed to persist plan", zap.String("plan_id", plan.ID), zap.Error(err))
	}
}

// ValidateSteps checks that IDs are unique and non-empty, every step has an
// agent kind, and dependencies only reference earlier steps.
func ValidateSteps(steps []Step) error {
	if len(steps) == 0 {
		return errs.E(errs.KindValidation, "planner.validate", "plan has no steps")
	}
	seen := make(map[string]bool, len(steps))
	for i, s := range steps {
		if s.ID == "" {
			return errs.E(errs.KindValidation, "planner.validate", "step %d has no id", i)
		}
		if seen[s.ID] {
			return errs.E(errs.KindValidation, "planner.validate", "duplicate step id %q", s.ID)
		}
		if s.AgentKind == "" {
			return errs.E(errs.KindValidation, "planner.validate", "step %q has no agent kind", s.ID)
		}
		for _, dep := range s.Dependencies {
			if dep == s.ID {
				return errs.E(errs.KindValidation, "planner.validate", "step %q depends on itself", s.ID)
			}
			if !seen[dep] {
				return errs.E(errs.KindValidation, "planner.validate",
					"step %q depends on unknown or later step %q", s.ID, dep)
			}
		}
		seen[s.ID] = true
	}
	return nil
}

func dedupeStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
