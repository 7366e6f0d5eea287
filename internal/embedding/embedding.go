// Package embedding provides a pluggable interface for text embedding providers.
package embedding

import (
	"context"
	"math"
)

// Vector is a float32 embedding vector.
type Vector = []float32

// Provider generates embedding vectors from text.
type Provider interface {
	Embed(ctx context.Context, text string) (Vector, error)
	EmbedBatch(ctx context.Context, texts []string) ([]Vector, error)
	// Dims is the fixed length of every vector the provider returns.
	Dims() int
	// Name identifies the provider and model, e.g. "hash" or "ollama/all-minilm".
	Name() string
	// Semantic reports whether vectors carry meaning beyond lexical overlap.
	Semantic() bool
}

// Similarity computes cosine similarity between two vectors.
// It returns 0 when either vector is empty or zero, or the lengths differ.
func Similarity(a, b Vector) float64 {
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
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Normalize scales v to unit length in place. Zero vectors are left as is.
func Normalize(v Vector) Vector {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	for i, x := range v {
		v[i] = float32(float64(x) / norm)
	}
	return v
}

// Mean returns the normalized element-wise mean of vs. All vectors must share
// a length; the first vector's length wins and mismatched vectors are skipped.
func Mean(vs []Vector) Vector {
	if len(vs) == 0 {
		return nil
	}
	dims := len(vs[0])
	acc := make([]float64, dims)
	n := 0
	for _, v := range vs {
		if len(v) != dims {
			continue
		}
		for i, x := range v {
			acc[i] += float64(x)
		}
		n++
	}
	out := make(Vector, dims)
	for i := range acc {
		out[i] = float32(acc[i] / float64(n))
	}
	return Normalize(out)
}
