package provider

import (
	"context"
	"math"
)

// Local is a deterministic hashing embedder used for offline runs and tests.
// Identical text always produces the same unit vector, so retrieval stays
// stable without any network dependency.
type Local struct {
	Dim int
}

func NewLocal(dim int) *Local {
	if dim <= 0 {
		dim = 64
	}
	return &Local{Dim: dim}
}

func (p *Local) Dimensions() int { return p.Dim }

func (p *Local) EstimateCost(inputs []string) float64 { return 0 }

func (p *Local) Cost(usage Usage) float64 { return 0 }

func (p *Local) Embed(ctx context.Context, inputs []string) (*EmbedResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vectors := make([][]float32, len(inputs))
	var tokens int64
	for i, text := range inputs {
		vec := make([]float32, p.Dim)
		for j, b := range []byte(text) {
			vec[j%p.Dim] += float32(b) / 255.0
		}
		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		if norm > 0 {
			inv := float32(1.0 / math.Sqrt(norm))
			for j := range vec {
				vec[j] *= inv
			}
		}
		vectors[i] = vec
		tokens += int64(len(text) / 4)
	}
	return &EmbedResponse{
		Vectors: vectors,
		Usage:   Usage{PromptTokens: tokens, TotalTokens: tokens},
		Model:   "local-hash",
	}, nil
}
