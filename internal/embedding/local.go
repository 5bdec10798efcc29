package embedding

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"

	"github.com/evoagent/evoagent/internal/common/errs"
)

const (
	defaultLocalModel = "hash-projection-1"
	// DefaultDimension matches the embedding.dimension config default.
	DefaultDimension = 256
)

// Local is the deterministic offline provider. It projects word tokens
// onto a fixed-dimension vector by hashing, so texts sharing tokens land
// near each other while the whole pipeline stays reproducible.
type Local struct {
	model     string
	dimension int
}

// NewLocal creates the local hash-projection provider.
func NewLocal(model string, dimension int) *Local {
	if model == "" {
		model = defaultLocalModel
	}
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	return &Local{model: model, dimension: dimension}
}

func (l *Local) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.KindPrecondition, "embedding.embed", err)
	}

	vec := make([]float32, l.dimension)
	for _, token := range tokenize(text) {
		h := fnv.New64a()
		h.Write([]byte(token))
		sum := h.Sum64()
		// Spread each token over four buckets so collisions on one
		// bucket do not erase the token's contribution.
		for k := 0; k < 4; k++ {
			idx := int((sum >> (k * 16)) % uint64(l.dimension))
			vec[idx]++
		}
	}
	return Normalize(vec), nil
}

func (l *Local) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := l.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (l *Local) Dimension() int {
	return l.dimension
}

func (l *Local) Model() string {
	return l.model
}

// tokenize lowercases and splits on any non-letter, non-digit rune.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
