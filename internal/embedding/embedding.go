// Package embedding defines the text embedding contract plus a
// deterministic local provider, so vector search works offline.
package embedding

import (
	"context"
	"math"

	"github.com/evoagent/evoagent/internal/common/config"
	"github.com/evoagent/evoagent/internal/common/errs"
)

// Provider turns text into fixed-dimension vectors.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension is the length of every vector this provider returns.
	Dimension() int
	// Model returns the configured model name.
	Model() string
}

// New builds the provider named by the configuration.
func New(cfg config.EmbeddingConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "local", "hash":
		return NewLocal(cfg.Model, cfg.Dimension), nil
	default:
		return nil, errs.E(errs.KindValidation, "embedding.new",
			"unsupported embedding provider %q (supported: local)", cfg.Provider)
	}
}

// Cosine returns the cosine similarity of two vectors in [-1, 1]. Vectors
// of mismatched length or zero magnitude score 0.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// Normalize scales the vector to unit length in place and returns it. The
// zero vector is returned unchanged.
func Normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	inv := 1 / math.Sqrt(norm)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}
