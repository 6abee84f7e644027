package optimizer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/davidbz/tollgate/internal/domain"
)

const maxCachedEmbeddings = 256

var errZeroVector = errors.New("embedding has zero magnitude")

// Embedder turns text into a vector.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float64, error)
}

// EmbeddingEstimator scores candidates by cosine similarity between the
// embeddings of the original and candidate prompts.
type EmbeddingEstimator struct {
	embedder Embedder

	mu    sync.Mutex
	cache map[string][]float64
}

// NewEmbeddingEstimator wraps an embedder.
func NewEmbeddingEstimator(embedder Embedder) *EmbeddingEstimator {
	return &EmbeddingEstimator{
		embedder: embedder,
		mu:       sync.Mutex{},
		cache:    make(map[string][]float64),
	}
}

// Estimate implements AccuracyEstimator.
func (e *EmbeddingEstimator) Estimate(ctx context.Context, original, candidate domain.Payload) (float64, error) {
	base, err := e.embed(ctx, promptText(original), true)
	if err != nil {
		return 0, err
	}
	other, err := e.embed(ctx, promptText(candidate), false)
	if err != nil {
		return 0, err
	}
	return cosine(base, other)
}

func (e *EmbeddingEstimator) embed(ctx context.Context, text string, cache bool) ([]float64, error) {
	if cache {
		e.mu.Lock()
		vec, ok := e.cache[text]
		e.mu.Unlock()
		if ok {
			return vec, nil
		}
	}

	vec, err := e.embedder.Generate(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed prompt: %w", err)
	}

	if cache {
		e.mu.Lock()
		if len(e.cache) >= maxCachedEmbeddings {
			e.cache = make(map[string][]float64)
		}
		e.cache[text] = vec
		e.mu.Unlock()
	}
	return vec, nil
}

func promptText(p domain.Payload) string {
	parts := make([]string, 0, len(p.Messages))
	for _, m := range p.Messages {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n")
}

func cosine(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("embedding dimensions differ: %d vs %d", len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0, errZeroVector
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}
