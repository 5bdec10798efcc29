package planner

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"
)

// Complexity buckets a requirement by how much coordination it needs.
type Complexity string

const (
	ComplexitySimple      Complexity = "simple"
	ComplexityMedium      Complexity = "medium"
	ComplexityComplex     Complexity = "complex"
	ComplexityVeryComplex Complexity = "very-complex"
)

// Mode is the execution shape a plan expands into.
type Mode string

const (
	ModeA Mode = "A" // single specialist
	ModeB Mode = "B" // write, review, test under one orchestrator
	ModeC Mode = "C" // parallel writers, then integrate
	ModeD Mode = "D" // iterative: plan, execute, evaluate, execute, integrate
)

// Capability tags a requirement can demand.
const (
	CapFrontend   = "frontend"
	CapBackend    = "backend"
	CapDatabase   = "database"
	CapAuth       = "auth"
	CapTesting    = "testing"
	CapDeployment = "deployment"
	CapGeneral    = "general"
)

// Agent kinds the step skeletons dispatch to.
const (
	KindPlanner    = "planner"
	KindCodewriter = "codewriter"
	KindReviewer   = "reviewer"
	KindTester     = "tester"
	KindIntegrator = "integrator"
)

// Analysis is the deterministic read of a requirement.
type Analysis struct {
	Complexity      Complexity    `json:"complexity"`
	Capabilities    []string      `json:"capabilities"`
	MatchedKeywords []string      `json:"matchedKeywords,omitempty"`
	EstimateMin     time.Duration `json:"estimateMin"`
	EstimateMax     time.Duration `json:"estimateMax"`
	Mode            Mode          `json:"mode"`
}

// Keyword families. Matching is token-exact for plain words (with a light
// plural fold) and substring for phrases, so "building" does not hit "ui".
var veryComplexKeywords = []string{
	"migrate", "migration", "rewrite", "architecture", "distributed",
	"microservice", "multi-tenant", "platform", "overhaul",
}

var complexKeywords = []string{
	"integrate", "integration", "authentication", "authorization",
	"realtime", "real-time", "pipeline", "concurrent", "scalable",
	"websocket", "oauth",
}

var mediumKeywords = []string{
	"api", "endpoint", "database", "crud", "dashboard", "report",
	"refactor", "form", "validation", "cache",
}

var capabilityKeywords = map[string][]string{
	CapFrontend: {
		"ui", "frontend", "react", "vue", "page", "component", "css",
		"layout", "form", "button", "header", "style",
	},
	CapBackend: {
		"api", "endpoint", "server", "backend", "service", "handler",
		"route", "webhook",
	},
	CapDatabase: {
		"database", "sql", "schema", "migration", "query", "table",
		"index", "storage", "postgres", "sqlite",
	},
	CapAuth: {
		"auth", "authentication", "authorization", "login", "oauth",
		"session", "token", "permission", "password",
	},
	CapTesting: {
		"test", "testing", "coverage", "regression", "e2e",
	},
	CapDeployment: {
		"deploy", "deployment", "docker", "kubernetes", "ci", "release",
		"rollout",
	},
}

// durationTable maps complexity to the estimated duration range.
var durationTable = map[Complexity][2]time.Duration{
	ComplexitySimple:      {5 * time.Minute, 15 * time.Minute},
	ComplexityMedium:      {15 * time.Minute, 45 * time.Minute},
	ComplexityComplex:     {45 * time.Minute, 2 * time.Hour},
	ComplexityVeryComplex: {2 * time.Hour, 6 * time.Hour},
}

// Analyze derives complexity, capabilities, duration range and execution
// mode from the requirement text alone. Same input, same analysis.
func Analyze(input string) Analysis {
	lower := strings.ToLower(input)
	tokens := tokenize(lower)

	var matched []string
	count := func(keywords []string) int {
		hits := 0
		for _, k := range keywords {
			if keywordMatches(lower, tokens, k) {
				hits++
				matched = append(matched, k)
			}
		}
		return hits
	}

	veryHits := count(veryComplexKeywords)
	complexHits := count(complexKeywords)
	mediumHits := count(mediumKeywords)

	var complexity Complexity
	switch {
	case veryHits > 0:
		complexity = ComplexityVeryComplex
	case complexHits >= 2, complexHits == 1 && mediumHits >= 2, mediumHits >= 4:
		complexity = ComplexityComplex
	case complexHits == 1, mediumHits >= 1, len(strings.Fields(input)) > 24:
		complexity = ComplexityMedium
	default:
		complexity = ComplexitySimple
	}

	var caps []string
	for capability, keywords := range capabilityKeywords {
		for _, k := range keywords {
			if keywordMatches(lower, tokens, k) {
				caps = append(caps, capability)
				break
			}
		}
	}
	if len(caps) == 0 {
		caps = []string{CapGeneral}
	}
	sort.Strings(caps)

	dur := durationTable[complexity]
	return Analysis{
		Complexity:      complexity,
		Capabilities:    caps,
		MatchedKeywords: matched,
		EstimateMin:     dur[0],
		EstimateMax:     dur[1],
		Mode:            selectMode(complexity, len(caps)),
	}
}

// selectMode applies the mode table. Complex work with three or more
// capability areas fans out (C); simple work needing more than two areas
// escalates to the orchestrated shape (B).
func selectMode(c Complexity, capCount int) Mode {
	switch c {
	case ComplexityVeryComplex:
		return ModeD
	case ComplexityComplex:
		if capCount >= 3 {
			return ModeC
		}
		return ModeB
	case ComplexityMedium:
		return ModeB
	default:
		if capCount <= 2 {
			return ModeA
		}
		return ModeB
	}
}

// skeleton expands the canonical step list for a mode.
func skeleton(a Analysis, input string) []Step {
	perStep := func(n int) time.Duration {
		if n <= 0 {
			return 0
		}
		return a.EstimateMax / time.Duration(n)
	}

	switch a.Mode {
	case ModeA:
		return []Step{{
			ID:          "step-1",
			AgentKind:   KindCodewriter,
			Description: input,
			Estimate:    a.EstimateMax,
		}}

	case ModeC:
		var steps []Step
		var writerIDs []string
		est := perStep(len(a.Capabilities) + 1)
		for i, capability := range a.Capabilities {
			id := fmt.Sprintf("step-%d", i+1)
			writerIDs = append(writerIDs, id)
			steps = append(steps, Step{
				ID:          id,
				AgentKind:   KindCodewriter,
				Description: fmt.Sprintf("Implement the %s changes for: %s", capability, input),
				Estimate:    est,
			})
		}
		steps = append(steps, Step{
			ID:           fmt.Sprintf("step-%d", len(a.Capabilities)+1),
			AgentKind:    KindIntegrator,
			Description:  "Integrate the parallel work and resolve conflicts",
			Dependencies: writerIDs,
			Estimate:     est,
		})
		return steps

	case ModeD:
		est := perStep(5)
		return []Step{
			{ID: "step-1", AgentKind: KindPlanner,
				Description: fmt.Sprintf("Break the requirement into phases: %s", input), Estimate: est},
			{ID: "step-2", AgentKind: KindCodewriter,
				Description: "Execute the first phase", Dependencies: []string{"step-1"}, Estimate: est},
			{ID: "step-3", AgentKind: KindPlanner,
				Description: "Evaluate progress and plan the remaining phases", Dependencies: []string{"step-2"}, Estimate: est},
			{ID: "step-4", AgentKind: KindCodewriter,
				Description: "Execute the remaining phases", Dependencies: []string{"step-3"}, Estimate: est},
			{ID: "step-5", AgentKind: KindIntegrator,
				Description: "Integrate all phases and finalize", Dependencies: []string{"step-4"}, Estimate: est},
		}

	default: // ModeB
		est := perStep(3)
		return []Step{
			{ID: "step-1", AgentKind: KindCodewriter,
				Description: fmt.Sprintf("Implement: %s", input), Estimate: est},
			{ID: "step-2", AgentKind: KindReviewer,
				Description: "Review the implementation", Dependencies: []string{"step-1"}, Estimate: est},
			{ID: "step-3", AgentKind: KindTester,
				Description: "Test the implementation", Dependencies: []string{"step-2"}, Estimate: est},
		}
	}
}

func keywordMatches(lower string, tokens map[string]bool, keyword string) bool {
	plain := true
	for _, r := range keyword {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			plain = false
			break
		}
	}
	if !plain {
		return strings.Contains(lower, keyword)
	}
	return tokens[keyword]
}

// tokenize builds the token set with a trailing-s plural fold.
func tokenize(lower string) map[string]bool {
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make(map[string]bool, len(fields)*2)
	for _, f := range fields {
		tokens[f] = true
		if trimmed := strings.TrimSuffix(f, "s"); trimmed != "" {
			tokens[trimmed] = true
		}
	}
	return tokens
}
