// Package hybrid fuses keyword search over the knowledge base with
// semantic search over the vector store using Reciprocal Rank Fusion.
package hybrid

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/sync/errgroup"

	"github.com/evoagent/evoagent/internal/common/errs"
	"github.com/evoagent/evoagent/internal/common/logger"
	"github.com/evoagent/evoagent/internal/memory/knowledge"
	"github.com/evoagent/evoagent/internal/memory/vector"
)

// Source labels carried on fused results.
const (
	SourceKnowledge = "knowledge"
	SourceVector    = "vector"
)

// Defaults applied by Search when an option is zero.
const (
	DefaultRRFK           = 60
	DefaultLimit          = 10
	DefaultWeight         = 0.5
	DefaultDedupThreshold = 0.85
	DefaultCollection     = "knowledge"
)

// KnowledgeSearcher is the keyword side of the fusion.
type KnowledgeSearcher interface {
	SearchContent(term string) ([]knowledge.SearchResult, error)
}

// VectorSearcher is the semantic side of the fusion.
type VectorSearcher interface {
	Search(ctx context.Context, query string, opts vector.SearchOptions) ([]vector.SearchResult, error)
}

// Options tunes one Search call.
type Options struct {
	KnowledgeWeight float64
	VectorWeight    float64
	Limit           int
	RRFK            int
	Collection      string  // vector collection, DefaultCollection when empty
	DedupThreshold  float64 // Jaccard threshold on body token sets
}

// Result is one fused document.
type Result struct {
	Key     string   `json:"key"`
	Title   string   `json:"title,omitempty"`
	Body    string   `json:"body,omitempty"`
	Score   float64  `json:"score"`
	Sources []string `json:"sources"`

	Knowledge *knowledge.Item `json:"knowledge,omitempty"`
	Vector    *vector.Entry   `json:"vector,omitempty"`
}

// Searcher runs both searches and fuses their rankings.
type Searcher struct {
	knowledge KnowledgeSearcher
	vector    VectorSearcher
	logger    *logger.Logger
}

func New(k KnowledgeSearcher, v VectorSearcher, log *logger.Logger) *Searcher {
	return &Searcher{knowledge: k, vector: v, logger: log}
}

// Search runs the two searches in parallel, fuses with RRF, deduplicates
// near-identical bodies and returns the top results.
//
// A vector entry whose metadata carries a "path" string shares identity
// with the knowledge item at that path, so consolidated items collect
// rank evidence from both sides.
func (s *Searcher) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	const op = "hybrid.search"
	if strings.TrimSpace(query) == "" {
		return nil, errs.E(errs.KindValidation, op, "query is required")
	}
	opts = withDefaults(opts)

	type payload struct {
		title string
		body  string
		item  *knowledge.Item
		entry *vector.Entry
	}
	docs := make(map[string]*payload)
	var knowledgeKeys, vectorKeys []string

	g, gctx := errgroup.WithContext(ctx)
	var kResults []knowledge.SearchResult
	var vResults []vector.SearchResult
	g.Go(func() error {
		var err error
		kResults, err = s.knowledge.SearchContent(query)
		return err
	})
	g.Go(func() error {
		var err error
		vResults, err = s.vector.Search(gctx, query, vector.SearchOptions{
			Collection: opts.Collection,
			Limit:      opts.Limit * 2,
		})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, errs.Wrap(errs.KindInternal, op, err)
	}

	for _, r := range kResults {
		key := r.Item.Path
		knowledgeKeys = append(knowledgeKeys, key)
		p := docs[key]
		if p == nil {
			p = &payload{}
			docs[key] = p
		}
		p.item = r.Item
		p.title = r.Item.FrontMatter.Title
		p.body = r.Item.Body
	}
	for _, r := range vResults {
		key := r.Entry.ID
		if path, ok := r.Entry.Metadata["path"].(string); ok && path != "" {
			key = path
		}
		vectorKeys = append(vectorKeys, key)
		p := docs[key]
		if p == nil {
			p = &payload{}
			docs[key] = p
		}
		p.entry = r.Entry
		if p.item == nil {
			p.body = r.Entry.Content
			if title, ok := r.Entry.Metadata["title"].(string); ok {
				p.title = title
			}
		}
	}

	fused := Fuse([]RankedList{
		{Source: SourceKnowledge, Weight: opts.KnowledgeWeight, Keys: knowledgeKeys},
		{Source: SourceVector, Weight: opts.VectorWeight, Keys: vectorKeys},
	}, opts.RRFK)

	results := make([]Result, 0, len(fused))
	for _, f := range fused {
		r := Result{Key: f.Key, Score: f.Score, Sources: f.Sources}
		if p := docs[f.Key]; p != nil {
			r.Title = p.title
			r.Body = p.body
			r.Knowledge = p.item
			r.Vector = p.entry
		}
		results = append(results, r)
	}

	results = dedupe(results, opts.DedupThreshold)
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

func withDefaults(opts Options) Options {
	if opts.KnowledgeWeight == 0 && opts.VectorWeight == 0 {
		opts.KnowledgeWeight = DefaultWeight
		opts.VectorWeight = DefaultWeight
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.RRFK <= 0 {
		opts.RRFK = DefaultRRFK
	}
	if opts.Collection == "" {
		opts.Collection = DefaultCollection
	}
	if opts.DedupThreshold <= 0 {
		opts.DedupThreshold = DefaultDedupThreshold
	}
	return opts
}

// RankedList is one source's ranking, best first.
type RankedList struct {
	Source string
	Weight float64
	Keys   []string
}

// Fused is one document's aggregate across sources.
type Fused struct {
	Key     string
	Score   float64
	Sources []string
}

// Fuse merges rankings with Reciprocal Rank Fusion: each appearance of a
// key contributes weight/(rrfK+rank) with rank starting at 1, weights
// normalized over all lists. Improving a key's rank in one list never
// worsens its fused position. Ordering is score descending, key ascending
// on ties.
func Fuse(lists []RankedList, rrfK int) []Fused {
	if rrfK <= 0 {
		rrfK = DefaultRRFK
	}
	var totalWeight float64
	for _, l := range lists {
		totalWeight += l.Weight
	}

	byKey := make(map[string]*Fused)
	var order []string
	for _, l := range lists {
		w := l.Weight
		if totalWeight > 0 {
			w /= totalWeight
		} else if len(lists) > 0 {
			w = 1 / float64(len(lists))
		}
		for i, key := range l.Keys {
			f := byKey[key]
			if f == nil {
				f = &Fused{Key: key}
				byKey[key] = f
				order = append(order, key)
			}
			f.Score += w / float64(rrfK+i+1)
			f.Sources = mergeSources(f.Sources, []string{l.Source})
		}
	}

	out := make([]Fused, 0, len(order))
	for _, key := range order {
		out = append(out, *byKey[key])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// dedupe collapses results whose bodies are near-identical by Jaccard
// similarity on token sets. The higher-ranked result survives and absorbs
// the duplicate's source labels.
func dedupe(results []Result, threshold float64) []Result {
	if len(results) < 2 {
		return results
	}
	out := make([]Result, 0, len(results))
	sets := make([]map[string]struct{}, 0, len(results))
	for _, r := range results {
		set := tokenSet(r.Body)
		merged := false
		for i := range out {
			if jaccard(set, sets[i]) >= threshold {
				out[i].Sources = mergeSources(out[i].Sources, r.Sources)
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, r)
			sets = append(sets, set)
		}
	}
	return out
}

// jaccard computes intersection over union. Two empty sets count as
// identical.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
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

func mergeSources(dst, src []string) []string {
	for _, s := range src {
		found := false
		for _, d := range dst {
			if d == s {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, s)
		}
	}
	return dst
}
