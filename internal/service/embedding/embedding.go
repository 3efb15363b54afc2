// Package embedding provides vector embedding generation for semantic
// retrieval.
//
// Defines a Provider interface, a Gemini implementation, and a caching
// client that layers an in-process LRU and the persistent cache table over
// any provider. The interface allows swapping providers without changing
// consumers.
package embedding

import (
	"context"

	"github.com/pgvector/pgvector-go"
)

// Task is the retrieval role of the text being embedded. Asymmetric
// embedding models place indexed documents and the queries run against
// them in different regions of the vector space, so every embed call
// declares which side it is on.
type Task string

const (
	// TaskDocument marks corpus text being indexed for later retrieval.
	TaskDocument Task = "RETRIEVAL_DOCUMENT"
	// TaskQuery marks text used to search the corpus.
	TaskQuery Task = "RETRIEVAL_QUERY"
)

// Provider generates vector embeddings from text.
type Provider interface {
	// Embed generates a single embedding vector from text.
	Embed(ctx context.Context, text string, task Task) (pgvector.Vector, error)

	// EmbedBatch generates embeddings for multiple texts under one task.
	EmbedBatch(ctx context.Context, texts []string, task Task) ([]pgvector.Vector, error)

	// Dimensions returns the embedding vector dimensionality.
	Dimensions() int

	// ModelID identifies the model, used for cache keying.
	ModelID() string
}

// NoopProvider returns zero vectors. Used when no API key is configured;
// retrieval degrades to the no-context path.
type NoopProvider struct {
	dims int
}

// NewNoopProvider creates a provider that returns zero vectors.
func NewNoopProvider(dims int) *NoopProvider {
	return &NoopProvider{dims: dims}
}

// Dimensions returns the embedding vector size.
func (p *NoopProvider) Dimensions() int {
	return p.dims
}

// ModelID identifies the noop provider.
func (p *NoopProvider) ModelID() string {
	return "noop"
}

// Embed returns a zero vector.
func (p *NoopProvider) Embed(_ context.Context, _ string, _ Task) (pgvector.Vector, error) {
	return pgvector.NewVector(make([]float32, p.dims)), nil
}

// EmbedBatch returns zero vectors.
func (p *NoopProvider) EmbedBatch(_ context.Context, texts []string, _ Task) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i := range vecs {
		vecs[i] = pgvector.NewVector(make([]float32, p.dims))
	}
	return vecs, nil
}
