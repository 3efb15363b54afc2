package hanrei

import "context"

// EmbeddingProvider replaces the built-in Gemini embedding provider.
// Implementations must return vectors of a fixed dimensionality matching
// the deployment's HANREI_EMBEDDING_DIMENSIONS.
type EmbeddingProvider interface {
	// Embed generates a single embedding vector from text. taskHint is the
	// asymmetric-embedding task ("RETRIEVAL_DOCUMENT" or "RETRIEVAL_QUERY");
	// providers without task-aware models may ignore it.
	Embed(ctx context.Context, text, taskHint string) ([]float32, error)

	// Dimensions returns the embedding vector dimensionality.
	Dimensions() int

	// ModelID identifies the model, used for cache keying.
	ModelID() string
}

// Generator replaces the built-in Gemini text generator behind the
// classifier. The generator receives the fully rendered classification
// prompt and returns the raw model response; retry, circuit breaking, and
// fallback stay with the host.
type Generator interface {
	// Generate produces a completion for the prompt.
	Generate(ctx context.Context, prompt string) (string, error)

	// ModelVersion identifies the backing model for result provenance.
	ModelVersion() string
}
