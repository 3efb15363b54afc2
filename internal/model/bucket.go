package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// Bucket is a semantic cluster of reference documents. The centroid is the
// L2-normalized mean of member embeddings as of the last recompute; between
// an incremental add and the next recompute it is stale but still usable for
// approximate selection.
type Bucket struct {
	ID            uuid.UUID        `json:"bucket_id"`
	Name          string           `json:"bucket_name"`
	Description   string           `json:"description,omitempty"`
	Centroid      *pgvector.Vector `json:"-"`
	DocumentIDs   []uuid.UUID      `json:"document_ids"`
	DocumentCount int              `json:"document_count"`
	CentroidStale bool             `json:"centroid_stale"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// EmptyBucketName is the sentinel name used when retrieval selects no bucket.
// The classifier is told "no relevant context" and confidence is penalized
// downstream via the insufficient-context warning.
const EmptyBucketName = "no_relevant_context"

// BucketMatch pairs a bucket with its similarity to a query embedding.
type BucketMatch struct {
	Bucket     Bucket  `json:"bucket"`
	Similarity float64 `json:"similarity"`
}

// BucketValidationReport lists corpus/bucket inconsistencies found by the
// bucket engine's validate pass. All slices empty means the state is coherent.
type BucketValidationReport struct {
	MissingDocumentIDs  []uuid.UUID `json:"missing_document_ids"`
	OrphanDocumentIDs   []uuid.UUID `json:"orphan_document_ids"`
	CountMismatchIDs    []uuid.UUID `json:"count_mismatch_bucket_ids"`
	EmptyBucketIDs      []uuid.UUID `json:"empty_bucket_ids"`
	DuplicateMembership []uuid.UUID `json:"duplicate_membership_document_ids"`
}

// Clean reports whether the validation found nothing to fix.
func (r BucketValidationReport) Clean() bool {
	return len(r.MissingDocumentIDs) == 0 &&
		len(r.OrphanDocumentIDs) == 0 &&
		len(r.CountMismatchIDs) == 0 &&
		len(r.EmptyBucketIDs) == 0 &&
		len(r.DuplicateMembership) == 0
}
