package retrieval

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hanrei/internal/config"
	"github.com/ashita-ai/hanrei/internal/model"
	"github.com/ashita-ai/hanrei/internal/service/embedding"
)

type fakeSelector struct {
	matches []model.BucketMatch
}

func (f *fakeSelector) SelectRelevant(_ context.Context, _ []float32, topK int, _ float64) ([]model.BucketMatch, error) {
	if len(f.matches) > topK {
		return f.matches[:topK], nil
	}
	return f.matches, nil
}

type fakeStore struct {
	docs map[uuid.UUID]model.Document
}

func (f *fakeStore) GetDocuments(_ context.Context, ids []uuid.UUID) ([]model.Document, error) {
	var out []model.Document
	for _, id := range ids {
		if d, ok := f.docs[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

// axisEmbedder maps keyword prefixes to unit axes so similarity is
// predictable: "alpha..." scores 1.0 against an alpha query, 0 otherwise.
type axisEmbedder struct {
	lastTask embedding.Task
}

func (e *axisEmbedder) Embed(_ context.Context, text string, task embedding.Task) (pgvector.Vector, error) {
	e.lastTask = task
	switch {
	case strings.HasPrefix(text, "alpha"):
		return pgvector.NewVector([]float32{1, 0, 0}), nil
	case strings.HasPrefix(text, "beta"):
		return pgvector.NewVector([]float32{0, 1, 0}), nil
	default:
		return pgvector.NewVector([]float32{0, 0, 1}), nil
	}
}

func sev(s model.Severity) *model.Severity { return &s }

func testRetrieverFixture() (*Retriever, uuid.UUID) {
	bucketID := uuid.New()
	docA := model.Document{
		ID: uuid.New(), Text: "alpha clause about liquidated damages", Role: model.RoleReference,
		SeverityLabel: sev(model.SeverityHigh),
		Metadata:      model.DocumentMetadata{Filename: "high.txt"},
	}
	docB := model.Document{
		ID: uuid.New(), Text: "beta boilerplate notices section", Role: model.RoleReference,
		SeverityLabel: sev(model.SeverityLow),
		Metadata:      model.DocumentMetadata{Filename: "low.txt"},
	}
	bucket := model.Bucket{ID: bucketID, Name: "bucket_01", DocumentIDs: []uuid.UUID{docA.ID, docB.ID}}

	sel := &fakeSelector{matches: []model.BucketMatch{{Bucket: bucket, Similarity: 0.9}}}
	store := &fakeStore{docs: map[uuid.UUID]model.Document{docA.ID: docA, docB.ID: docB}}
	cfg := config.RetrievalConfig{
		TopKBuckets: 3, MinBucketSimilarity: 0.7, MaxContextChunks: 10,
		ChunkSize: 500, ChunkOverlap: 50,
	}
	return New(sel, store, &axisEmbedder{}, cfg, slog.New(slog.DiscardHandler)), bucketID
}

func TestGetContextRanksRelevantChunksFirst(t *testing.T) {
	r, bucketID := testRetrieverFixture()

	block, err := r.GetContext(context.Background(), []float32{1, 0, 0})
	require.NoError(t, err)
	require.False(t, block.Empty())
	assert.Equal(t, bucketID, block.PrimaryBucketID)
	require.Len(t, block.Chunks, 2)
	assert.Contains(t, block.Chunks[0].Text, "alpha")
	assert.InDelta(t, 1.0, block.Chunks[0].Similarity, 1e-6)
	assert.InDelta(t, 0.0, block.Chunks[1].Similarity, 1e-6)
}

func TestGetContextNoMatchesReturnsSentinel(t *testing.T) {
	r := New(&fakeSelector{}, &fakeStore{}, &axisEmbedder{},
		config.RetrievalConfig{TopKBuckets: 3, MaxContextChunks: 10, ChunkSize: 500, ChunkOverlap: 50},
		slog.New(slog.DiscardHandler))

	block, err := r.GetContext(context.Background(), []float32{1, 0, 0})
	require.NoError(t, err)
	assert.True(t, block.Empty())
	assert.Equal(t, model.EmptyBucketName, block.PrimaryBucketName)
}

func TestGetContextEmbedsChunksWithQueryTask(t *testing.T) {
	emb := &axisEmbedder{}
	bucketID := uuid.New()
	doc := model.Document{
		ID: uuid.New(), Text: "alpha clause", Role: model.RoleReference,
		SeverityLabel: sev(model.SeverityHigh),
	}
	sel := &fakeSelector{matches: []model.BucketMatch{{
		Bucket:     model.Bucket{ID: bucketID, Name: "bucket_01", DocumentIDs: []uuid.UUID{doc.ID}},
		Similarity: 0.9,
	}}}
	store := &fakeStore{docs: map[uuid.UUID]model.Document{doc.ID: doc}}
	r := New(sel, store, emb,
		config.RetrievalConfig{TopKBuckets: 3, MaxContextChunks: 10, ChunkSize: 500, ChunkOverlap: 50},
		slog.New(slog.DiscardHandler))

	_, err := r.GetContext(context.Background(), []float32{1, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, embedding.TaskQuery, emb.lastTask)
}

func TestGetContextAmongUsesSuppliedBuckets(t *testing.T) {
	docID := uuid.New()
	store := &fakeStore{docs: map[uuid.UUID]model.Document{docID: {
		ID: docID, Text: "alpha precedent", Role: model.RoleReference,
		SeverityLabel: sev(model.SeverityHigh),
	}}}
	near := pgvector.NewVector([]float32{1, 0, 0})
	far := pgvector.NewVector([]float32{0, 0, 1})
	buckets := []model.Bucket{
		{ID: uuid.New(), Name: "far", Centroid: &far},
		{ID: uuid.New(), Name: "near", Centroid: &near, DocumentIDs: []uuid.UUID{docID}},
	}
	// Selector that fails if consulted: the supplied buckets must be used.
	r := New(nil, store, &axisEmbedder{},
		config.RetrievalConfig{TopKBuckets: 3, MinBucketSimilarity: 0.7, MaxContextChunks: 10, ChunkSize: 500, ChunkOverlap: 50},
		slog.New(slog.DiscardHandler))

	block, err := r.GetContextAmong(context.Background(), []float32{1, 0, 0}, buckets)
	require.NoError(t, err)
	require.False(t, block.Empty())
	assert.Equal(t, "near", block.PrimaryBucketName)
	require.Len(t, block.Buckets, 1)
}

func TestSplitBudgetEqualShares(t *testing.T) {
	budgets := splitBudget(2, 10)
	assert.Equal(t, []int{5, 5}, budgets)

	budgets = splitBudget(3, 10)
	assert.Equal(t, []int{3, 3, 3}, budgets)
}

func TestSplitBudgetFewerSlotsThanBuckets(t *testing.T) {
	// Every selected bucket keeps at least one slot; the global cap trims
	// the overshoot later.
	budgets := splitBudget(3, 2)
	assert.Equal(t, []int{1, 1, 1}, budgets)
}

func TestRenderGroupsBySeverity(t *testing.T) {
	block := model.ContextBlock{
		PrimaryBucketID:   uuid.New(),
		PrimaryBucketName: "bucket_01",
		Buckets:           []model.BucketSummary{{Name: "bucket_01", Similarity: 0.9}},
		Chunks: []model.ContextChunk{
			{SourceSeverity: model.SeverityLow, SourceFilename: "low.txt", Text: "mild clause", Similarity: 0.95},
			{SourceSeverity: model.SeverityCritical, SourceFilename: "crit.txt", Text: "termination for cause", Similarity: 0.80},
		},
	}
	out := Render(block)
	critIdx := strings.Index(out, "Precedents labeled CRITICAL")
	lowIdx := strings.Index(out, "Precedents labeled LOW")
	require.NotEqual(t, -1, critIdx)
	require.NotEqual(t, -1, lowIdx)
	assert.Less(t, critIdx, lowIdx, "CRITICAL group should render before LOW")
}

func TestRenderTruncatesLongChunks(t *testing.T) {
	long := strings.Repeat("x", 400)
	block := model.ContextBlock{
		PrimaryBucketName: "bucket_01",
		Chunks: []model.ContextChunk{
			{SourceSeverity: model.SeverityHigh, SourceFilename: "a.txt", Text: long, Similarity: 0.9},
		},
	}
	out := Render(block)
	assert.Contains(t, out, strings.Repeat("x", 300)+"...")
	assert.NotContains(t, out, strings.Repeat("x", 301))
}

func TestRenderEmptyBlock(t *testing.T) {
	out := Render(EmptyBlock())
	assert.Contains(t, out, "No relevant reference context")
}
