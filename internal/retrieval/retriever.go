// Package retrieval assembles the reference context handed to the LLM:
// bucket selection against centroids, chunk-level similarity scoring, and
// an equal chunk budget across selected buckets.
package retrieval

import (
	"context"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/hanrei/internal/chunk"
	"github.com/ashita-ai/hanrei/internal/config"
	"github.com/ashita-ai/hanrei/internal/fault"
	"github.com/ashita-ai/hanrei/internal/model"
	"github.com/ashita-ai/hanrei/internal/service/embedding"
	"github.com/ashita-ai/hanrei/internal/vectormath"
)

// BucketSelector picks buckets relevant to a query embedding.
type BucketSelector interface {
	SelectRelevant(ctx context.Context, query []float32, topK int, minSimilarity float64) ([]model.BucketMatch, error)
}

// DocumentStore loads bucket member documents.
type DocumentStore interface {
	GetDocuments(ctx context.Context, ids []uuid.UUID) ([]model.Document, error)
}

// Embedder turns chunk text into vectors. Reference chunks are stable, so
// the caching client makes repeat scoring nearly free.
type Embedder interface {
	Embed(ctx context.Context, text string, task embedding.Task) (pgvector.Vector, error)
}

// Retriever builds ContextBlocks for classification inputs.
type Retriever struct {
	selector BucketSelector
	store    DocumentStore
	embedder Embedder
	cfg      config.RetrievalConfig
	logger   *slog.Logger
}

// New creates a Retriever.
func New(selector BucketSelector, store DocumentStore, embedder Embedder, cfg config.RetrievalConfig, logger *slog.Logger) *Retriever {
	return &Retriever{selector: selector, store: store, embedder: embedder, cfg: cfg, logger: logger}
}

// EmptyBlock is the sentinel returned when no bucket clears the similarity
// threshold. The classifier is told there is no relevant context and the
// confidence calculator penalizes the result.
func EmptyBlock() model.ContextBlock {
	return model.ContextBlock{PrimaryBucketName: model.EmptyBucketName}
}

// GetContext selects relevant buckets for a query embedding and assembles
// the top-scoring chunks under the configured budget.
func (r *Retriever) GetContext(ctx context.Context, query []float32) (model.ContextBlock, error) {
	matches, err := r.selector.SelectRelevant(ctx, query, r.cfg.TopKBuckets, r.cfg.MinBucketSimilarity)
	if err != nil {
		return model.ContextBlock{}, err
	}
	return r.assemble(ctx, query, matches)
}

// GetContextAmong builds context against a caller-supplied bucket list
// instead of querying storage. Batch classification loads the buckets once
// and reuses them for every document.
func (r *Retriever) GetContextAmong(ctx context.Context, query []float32, buckets []model.Bucket) (model.ContextBlock, error) {
	q := vectormath.Normalize(query)
	var matches []model.BucketMatch
	for _, b := range buckets {
		if b.Centroid == nil {
			continue
		}
		sim := vectormath.CosineSimilarity(q, b.Centroid.Slice())
		if sim >= r.cfg.MinBucketSimilarity {
			matches = append(matches, model.BucketMatch{Bucket: b, Similarity: sim})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Bucket.ID.String() < matches[j].Bucket.ID.String()
	})
	if r.cfg.TopKBuckets > 0 && len(matches) > r.cfg.TopKBuckets {
		matches = matches[:r.cfg.TopKBuckets]
	}
	return r.assemble(ctx, query, matches)
}

func (r *Retriever) assemble(ctx context.Context, query []float32, matches []model.BucketMatch) (model.ContextBlock, error) {
	if len(matches) == 0 {
		return EmptyBlock(), nil
	}

	q := vectormath.Normalize(query)
	budgets := splitBudget(len(matches), r.cfg.MaxContextChunks)

	block := model.ContextBlock{
		PrimaryBucketID:   matches[0].Bucket.ID,
		PrimaryBucketName: matches[0].Bucket.Name,
	}
	for i, m := range matches {
		block.Buckets = append(block.Buckets, model.BucketSummary{
			BucketID:   m.Bucket.ID,
			Name:       m.Bucket.Name,
			Similarity: m.Similarity,
		})

		chunks, err := r.scoreBucketChunks(ctx, q, m.Bucket)
		if err != nil {
			return model.ContextBlock{}, err
		}
		if len(chunks) > budgets[i] {
			chunks = chunks[:budgets[i]]
		}
		block.Chunks = append(block.Chunks, chunks...)
	}

	// Global ordering: best chunk first regardless of bucket.
	sort.Slice(block.Chunks, func(i, j int) bool {
		return block.Chunks[i].Similarity > block.Chunks[j].Similarity
	})
	if len(block.Chunks) > r.cfg.MaxContextChunks {
		block.Chunks = block.Chunks[:r.cfg.MaxContextChunks]
	}
	for _, c := range block.Chunks {
		block.TotalSimilarity += c.Similarity
	}
	return block, nil
}

// scoreBucketChunks chunks every member document of a bucket and scores each
// chunk against the query, best first. Chunk embeddings use the query task
// hint so they land in the same vector space as the query.
func (r *Retriever) scoreBucketChunks(ctx context.Context, query []float32, b model.Bucket) ([]model.ContextChunk, error) {
	docs, err := r.store.GetDocuments(ctx, b.DocumentIDs)
	if err != nil {
		return nil, err
	}

	var out []model.ContextChunk
	for _, d := range docs {
		if d.SeverityLabel == nil {
			continue
		}
		for _, ch := range chunk.Split(d.Text, r.cfg.ChunkSize, r.cfg.ChunkOverlap) {
			vec, err := r.embedder.Embed(ctx, ch.Text, embedding.TaskQuery)
			if err != nil {
				return nil, fault.Wrap(fault.KindOf(err), err, "retrieval: embed chunk of %s", d.ID)
			}
			out = append(out, model.ContextChunk{
				SourceDocumentID: d.ID,
				SourceFilename:   d.Metadata.Filename,
				SourceSeverity:   *d.SeverityLabel,
				BucketID:         b.ID,
				Text:             ch.Text,
				Similarity:       vectormath.CosineSimilarity(query, vec.Slice()),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	return out, nil
}

// splitBudget divides the chunk budget equally across the selected buckets,
// giving each at least one slot even when the budget runs short.
func splitBudget(buckets, budget int) []int {
	out := make([]int, buckets)
	if budget <= 0 || buckets == 0 {
		return out
	}
	share := budget / buckets
	if share < 1 {
		share = 1
	}
	for i := range out {
		out[i] = share
	}
	return out
}
