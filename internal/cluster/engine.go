package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/hanrei/internal/config"
	"github.com/ashita-ai/hanrei/internal/fault"
	"github.com/ashita-ai/hanrei/internal/model"
	"github.com/ashita-ai/hanrei/internal/storage"
	"github.com/ashita-ai/hanrei/internal/vectormath"
)

// Engine maintains the bucket set: full rebuilds from the reference corpus,
// incremental assignment of new references, stale-centroid recomputation,
// and admin merge/split operations.
type Engine struct {
	store  *storage.DB
	cfg    config.ClusteringConfig
	logger *slog.Logger
}

// NewEngine creates a bucket engine.
func NewEngine(store *storage.DB, cfg config.ClusteringConfig, logger *slog.Logger) *Engine {
	return &Engine{store: store, cfg: cfg, logger: logger}
}

// Rebuild reclusters the entire embedded reference corpus and atomically
// replaces the bucket set. Bucket names are positional; descriptions carry
// the member severity mix so operators can see what a bucket holds.
func (e *Engine) Rebuild(ctx context.Context) ([]model.Bucket, error) {
	docs, err := e.store.ListEmbeddedReferences(ctx)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		if err := e.store.ReplaceBuckets(ctx, nil); err != nil {
			return nil, err
		}
		return nil, nil
	}

	vecs := make([][]float32, len(docs))
	for i, d := range docs {
		vecs[i] = vectormath.Normalize(d.Embedding.Slice())
	}

	result, k := SelectK(vecs, e.cfg.MinK, e.cfg.MaxK, e.cfg.NInit, e.cfg.MaxIter, e.cfg.RandomSeed)
	e.logger.Info("bucket rebuild clustered corpus",
		"documents", len(docs), "k", k, "inertia", result.Inertia)

	buckets := make([]model.Bucket, k)
	memberDocs := make([][]model.Document, k)
	for i, d := range docs {
		c := result.Assignments[i]
		buckets[c].DocumentIDs = append(buckets[c].DocumentIDs, d.ID)
		memberDocs[c] = append(memberDocs[c], d)
	}
	for c := range buckets {
		v := pgvector.NewVector(result.Centroids[c])
		buckets[c].Centroid = &v
		buckets[c].Name = fmt.Sprintf("bucket_%02d", c+1)
		buckets[c].Description = describeMembers(memberDocs[c])
	}

	if err := e.store.ReplaceBuckets(ctx, buckets); err != nil {
		return nil, err
	}
	return buckets, nil
}

// Assign places a newly embedded reference into its nearest bucket without
// reclustering, flagging that bucket's centroid stale. With no buckets yet
// it triggers a full rebuild instead.
func (e *Engine) Assign(ctx context.Context, doc model.Document) (uuid.UUID, error) {
	if doc.Embedding == nil {
		return uuid.Nil, fault.New(fault.KindInvalidInput, "cluster: document %s has no embedding", doc.ID)
	}
	buckets, err := e.store.ListBuckets(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	if len(buckets) == 0 {
		rebuilt, err := e.Rebuild(ctx)
		if err != nil {
			return uuid.Nil, err
		}
		for _, b := range rebuilt {
			for _, id := range b.DocumentIDs {
				if id == doc.ID {
					return b.ID, nil
				}
			}
		}
		return uuid.Nil, fault.New(fault.KindInternal, "cluster: document %s missing after rebuild", doc.ID)
	}

	query := vectormath.Normalize(doc.Embedding.Slice())
	best := buckets[0]
	bestSim := -1.0
	for _, b := range buckets {
		if b.Centroid == nil {
			continue
		}
		if sim := vectormath.CosineSimilarity(query, b.Centroid.Slice()); sim > bestSim {
			best, bestSim = b, sim
		}
	}
	if err := e.store.AddBucketMember(ctx, best.ID, doc.ID); err != nil {
		return uuid.Nil, err
	}
	return best.ID, nil
}

// RecomputeStale refreshes the centroid of every bucket flagged stale.
// Returns the number of buckets refreshed.
func (e *Engine) RecomputeStale(ctx context.Context) (int, error) {
	stale, err := e.store.ListStaleBuckets(ctx)
	if err != nil {
		return 0, err
	}
	for _, b := range stale {
		if err := e.recompute(ctx, b); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

func (e *Engine) recompute(ctx context.Context, b model.Bucket) error {
	docs, err := e.store.GetDocuments(ctx, b.DocumentIDs)
	if err != nil {
		return err
	}
	var vecs [][]float32
	for _, d := range docs {
		if d.Embedding != nil {
			vecs = append(vecs, d.Embedding.Slice())
		}
	}
	if len(vecs) == 0 {
		return fault.New(fault.KindInternal, "cluster: bucket %s has no embedded members", b.ID)
	}
	centroid := pgvector.NewVector(vectormath.NormalizedMean(vecs))
	return e.store.UpdateBucketCentroid(ctx, b.ID, &centroid)
}

// SelectRelevant scores a query embedding against all bucket centroids and
// returns up to topK buckets at or above minSimilarity, best first. An empty
// result means the caller should proceed with the no-context sentinel.
func (e *Engine) SelectRelevant(ctx context.Context, query []float32, topK int, minSimilarity float64) ([]model.BucketMatch, error) {
	buckets, err := e.store.ListBuckets(ctx)
	if err != nil {
		return nil, err
	}
	q := vectormath.Normalize(query)

	var matches []model.BucketMatch
	for _, b := range buckets {
		if b.Centroid == nil {
			continue
		}
		sim := vectormath.CosineSimilarity(q, b.Centroid.Slice())
		if sim >= minSimilarity {
			matches = append(matches, model.BucketMatch{Bucket: b, Similarity: sim})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Bucket.ID.String() < matches[j].Bucket.ID.String()
	})
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// Merge combines two or more buckets into one, recomputing the merged
// centroid, then rebuilds descriptions. The merged bucket keeps the first
// ID's identity.
func (e *Engine) Merge(ctx context.Context, ids []uuid.UUID) (model.Bucket, error) {
	if len(ids) < 2 {
		return model.Bucket{}, fault.New(fault.KindInvalidInput, "cluster: merge needs at least two buckets")
	}
	buckets, err := e.store.ListBuckets(ctx)
	if err != nil {
		return model.Bucket{}, err
	}
	byID := make(map[uuid.UUID]model.Bucket, len(buckets))
	for _, b := range buckets {
		byID[b.ID] = b
	}

	var merged model.Bucket
	keep := make([]model.Bucket, 0, len(buckets)-len(ids)+1)
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		b, ok := byID[id]
		if !ok {
			return model.Bucket{}, fault.New(fault.KindNotFound, "cluster: bucket not found: %s", id)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		if merged.ID == uuid.Nil {
			merged = b
		} else {
			merged.DocumentIDs = append(merged.DocumentIDs, b.DocumentIDs...)
		}
	}
	for _, b := range buckets {
		if !seen[b.ID] {
			keep = append(keep, b)
		}
	}

	docs, err := e.store.GetDocuments(ctx, merged.DocumentIDs)
	if err != nil {
		return model.Bucket{}, err
	}
	var vecs [][]float32
	for _, d := range docs {
		if d.Embedding != nil {
			vecs = append(vecs, d.Embedding.Slice())
		}
	}
	if len(vecs) > 0 {
		v := pgvector.NewVector(vectormath.NormalizedMean(vecs))
		merged.Centroid = &v
	}
	merged.Description = describeMembers(docs)
	merged.CentroidStale = false

	keep = append(keep, merged)
	if err := e.store.ReplaceBuckets(ctx, keep); err != nil {
		return model.Bucket{}, err
	}
	return merged, nil
}

// SplitBucket reclusters one bucket's members into n parts and replaces it.
// n must be at least 2 and no larger than the bucket's embedded membership.
func (e *Engine) SplitBucket(ctx context.Context, id uuid.UUID, n int) ([]model.Bucket, error) {
	if n < 2 {
		return nil, fault.New(fault.KindInvalidInput, "cluster: split needs at least two parts, got %d", n)
	}
	buckets, err := e.store.ListBuckets(ctx)
	if err != nil {
		return nil, err
	}
	var target *model.Bucket
	keep := make([]model.Bucket, 0, len(buckets)+n-1)
	for i := range buckets {
		if buckets[i].ID == id {
			target = &buckets[i]
		} else {
			keep = append(keep, buckets[i])
		}
	}
	if target == nil {
		return nil, fault.New(fault.KindNotFound, "cluster: bucket not found: %s", id)
	}
	if len(target.DocumentIDs) < n {
		return nil, fault.New(fault.KindInvalidInput, "cluster: bucket %s too small to split into %d", id, n)
	}

	docs, err := e.store.GetDocuments(ctx, target.DocumentIDs)
	if err != nil {
		return nil, err
	}
	vecs := make([][]float32, 0, len(docs))
	embedded := make([]model.Document, 0, len(docs))
	for _, d := range docs {
		if d.Embedding != nil {
			vecs = append(vecs, vectormath.Normalize(d.Embedding.Slice()))
			embedded = append(embedded, d)
		}
	}
	if len(vecs) < n {
		return nil, fault.New(fault.KindInvalidInput, "cluster: bucket %s has too few embedded members for %d parts", id, n)
	}

	result := KMeans(vecs, n, e.cfg.NInit, e.cfg.MaxIter, e.cfg.RandomSeed)
	parts := make([]model.Bucket, n)
	members := make([][]model.Document, n)
	for i, d := range embedded {
		c := result.Assignments[i]
		parts[c].DocumentIDs = append(parts[c].DocumentIDs, d.ID)
		members[c] = append(members[c], d)
	}
	for c := range parts {
		v := pgvector.NewVector(result.Centroids[c])
		parts[c].Centroid = &v
		parts[c].Name = fmt.Sprintf("%s_%c", target.Name, 'a'+c)
		parts[c].Description = describeMembers(members[c])
	}

	keep = append(keep, parts...)
	if err := e.store.ReplaceBuckets(ctx, keep); err != nil {
		return nil, err
	}
	return parts, nil
}

// Validate cross-checks bucket state against the document corpus.
func (e *Engine) Validate(ctx context.Context) (model.BucketValidationReport, error) {
	return e.store.ValidateBuckets(ctx)
}

// describeMembers summarizes a bucket's member severity mix, e.g.
// "12 documents: 7 HIGH, 3 MEDIUM, 2 LOW".
func describeMembers(docs []model.Document) string {
	if len(docs) == 0 {
		return "empty"
	}
	counts := make(map[model.Severity]int)
	for _, d := range docs {
		if d.SeverityLabel != nil {
			counts[*d.SeverityLabel]++
		}
	}
	parts := make([]string, 0, len(counts))
	for _, s := range []model.Severity{model.SeverityCritical, model.SeverityHigh, model.SeverityMedium, model.SeverityLow} {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, s))
		}
	}
	return fmt.Sprintf("%d documents: %s", len(docs), strings.Join(parts, ", "))
}
