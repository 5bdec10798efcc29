package consolidation

import (
	"strings"

	"github.com/evoagent/evoagent/internal/memory/knowledge"
)

const maxTitleLen = 80

// candidate is one extracted pattern before aggregation.
type candidate struct {
	title    string
	category string
	body     string
	tags     []string
	count    int
	sessions []string
}

// markers map line prefixes to knowledge categories. Matching is
// case-insensitive on the trimmed line start.
var markers = []struct {
	prefix   string
	category string
	tag      string
}{
	{"decision:", knowledge.CategoryDecisions, "decision"},
	{"decided:", knowledge.CategoryDecisions, "decision"},
	{"pitfall:", knowledge.CategoryPits, "pitfall"},
	{"gotcha:", knowledge.CategoryPits, "pitfall"},
	{"error:", knowledge.CategoryPits, "error"},
	{"failed:", knowledge.CategoryPits, "error"},
	{"solution:", knowledge.CategorySolutions, "solution"},
	{"fix:", knowledge.CategorySolutions, "fix"},
	{"workaround:", knowledge.CategorySolutions, "workaround"},
}

// extractCandidates scans one payload text for marker lines and fenced
// code blocks. Marker lines become candidates in the marker's category;
// fenced blocks become pattern candidates titled by their first code
// line. An unterminated fence is dropped.
func extractCandidates(text string) []candidate {
	var out []candidate

	inFence := false
	var fenceInfo string
	var fenceLines []string

	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)

		if strings.HasPrefix(line, "```") {
			if inFence {
				if c, ok := fenceCandidate(fenceInfo, fenceLines); ok {
					out = append(out, c)
				}
				inFence = false
				fenceInfo = ""
				fenceLines = nil
			} else {
				inFence = true
				fenceInfo = strings.TrimSpace(strings.TrimPrefix(line, "```"))
			}
			continue
		}
		if inFence {
			fenceLines = append(fenceLines, raw)
			continue
		}

		lower := strings.ToLower(line)
		for _, m := range markers {
			if !strings.HasPrefix(lower, m.prefix) {
				continue
			}
			rest := strings.TrimSpace(line[len(m.prefix):])
			if rest != "" {
				out = append(out, candidate{
					title:    truncate(rest, maxTitleLen),
					category: m.category,
					body:     rest,
					tags:     []string{m.tag},
				})
			}
			break
		}
	}
	return out
}

// fenceCandidate builds a pattern candidate from a fenced block. The
// title comes from the first non-empty code line, so identical snippets
// aggregate across sessions.
func fenceCandidate(info string, lines []string) (candidate, bool) {
	title := ""
	for _, l := range lines {
		if t := strings.TrimSpace(l); t != "" {
			title = t
			break
		}
	}
	if title == "" {
		return candidate{}, false
	}
	var tags []string
	if info != "" {
		tags = []string{info}
	}
	return candidate{
		title:    truncate(title, maxTitleLen),
		category: knowledge.CategoryPatterns,
		body:     "```" + info + "\n" + strings.Join(lines, "\n") + "\n```",
		tags:     tags,
	}, true
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return strings.TrimSpace(string(runes[:n]))
}
