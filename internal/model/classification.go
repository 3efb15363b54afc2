package model

import (
	"time"

	"github.com/google/uuid"
)

// Evidence references one chunk that contributed to a classification.
// Chunk text is capped at MaxEvidenceChars on construction.
type Evidence struct {
	SourceDocumentID uuid.UUID `json:"source_document_id"`
	ChunkText        string    `json:"chunk_text"`
	Similarity       float64   `json:"similarity"`
	BucketID         uuid.UUID `json:"bucket_id"`
}

// MaxEvidenceChars bounds the stored chunk text per evidence entry.
const MaxEvidenceChars = 5000

// ContextChunk is a ranked retrieval chunk inside a ContextBlock, annotated
// with its source document's filename and severity label.
type ContextChunk struct {
	SourceDocumentID uuid.UUID `json:"source_document_id"`
	SourceFilename   string    `json:"source_filename"`
	SourceSeverity   Severity  `json:"source_severity"`
	BucketID         uuid.UUID `json:"bucket_id"`
	Text             string    `json:"text"`
	Similarity       float64   `json:"similarity"`
}

// BucketSummary is the per-bucket metadata carried on a ContextBlock.
type BucketSummary struct {
	BucketID   uuid.UUID `json:"bucket_id"`
	Name       string    `json:"name"`
	Similarity float64   `json:"similarity"`
}

// ContextBlock is the retrieval result handed to the LLM. Immutable once built.
type ContextBlock struct {
	PrimaryBucketID   uuid.UUID       `json:"primary_bucket_id"`
	PrimaryBucketName string          `json:"primary_bucket_name"`
	Buckets           []BucketSummary `json:"buckets"`
	Chunks            []ContextChunk  `json:"chunks"`
	TotalSimilarity   float64         `json:"total_similarity"`
}

// Empty reports whether retrieval found no usable context.
func (c ContextBlock) Empty() bool { return len(c.Chunks) == 0 }

// ConfidenceFactors is the five-factor breakdown behind a final confidence.
// The first four are in [0,1]; Calibration is a multiplicative adjustment in
// [0.5, 1.5].
type ConfidenceFactors struct {
	Model           float64 `json:"model"`
	ChunkSimilarity float64 `json:"chunk_similarity"`
	RuleSupport     float64 `json:"rule_support"`
	EvidenceQuality float64 `json:"evidence_quality"`
	Calibration     float64 `json:"calibration"`
}

// WarningLevel grades how suspect a final confidence is.
type WarningLevel string

const (
	WarningLow      WarningLevel = "low"
	WarningMedium   WarningLevel = "medium"
	WarningHigh     WarningLevel = "high"
	WarningCritical WarningLevel = "critical"
)

// WarningReason enumerates the conditions that flag a classification for review.
type WarningReason string

const (
	ReasonLowModelConfidence   WarningReason = "LOW_MODEL_CONFIDENCE"
	ReasonLowChunkSimilarity   WarningReason = "LOW_CHUNK_SIMILARITY"
	ReasonPoorEvidenceQuality  WarningReason = "POOR_EVIDENCE_QUALITY"
	ReasonNoRuleSupport        WarningReason = "NO_RULE_SUPPORT"
	ReasonConflictingRules     WarningReason = "CONFLICTING_RULES"
	ReasonHistoricalInaccuracy WarningReason = "HISTORICAL_INACCURACY"
	ReasonExtremeSeverity      WarningReason = "EXTREME_SEVERITY_PREDICTION"
	ReasonInsufficientContext  WarningReason = "INSUFFICIENT_CONTEXT"
	ReasonModelUncertainty     WarningReason = "MODEL_UNCERTAINTY"
	ReasonInconsistentEvidence WarningReason = "INCONSISTENT_EVIDENCE"
)

// ConfidenceWarning is the structured record attached to a low-confidence result.
type ConfidenceWarning struct {
	Level   WarningLevel    `json:"level"`
	Reasons []WarningReason `json:"reasons"`
}

// HasReason reports whether the warning carries the given reason.
func (w ConfidenceWarning) HasReason(r WarningReason) bool {
	for _, reason := range w.Reasons {
		if reason == r {
			return true
		}
	}
	return false
}

// ReviewState records human-review feedback on a stored classification.
// FinalLabel is the reviewer's corrected label; it feeds historical calibration.
type ReviewState struct {
	Reviewed   bool       `json:"reviewed"`
	FinalLabel *Severity  `json:"final_label,omitempty"`
	ReviewedBy *string    `json:"reviewed_by,omitempty"`
	ReviewedAt *time.Time `json:"reviewed_at,omitempty"`
}

// ClassificationResult is the persisted outcome of one pipeline run.
type ClassificationResult struct {
	ID              uuid.UUID          `json:"id"`
	DocumentID      uuid.UUID          `json:"document_id"`
	Label           Severity           `json:"label"`
	Confidence      float64            `json:"confidence"`
	Rationale       string             `json:"rationale"`
	Evidence        []Evidence         `json:"evidence"`
	PrimaryBucketID uuid.UUID          `json:"primary_bucket_id"`
	AppliedRuleIDs  []uuid.UUID        `json:"applied_rule_ids"`
	Routing         Routing            `json:"routing_decision"`
	Factors         ConfidenceFactors  `json:"confidence_factors"`
	Warning         *ConfidenceWarning `json:"confidence_warning,omitempty"`
	Review          ReviewState        `json:"review"`
	ModelVersion    string             `json:"model_version"`
	Fallback        bool               `json:"fallback"`
	CreatedAt       time.Time          `json:"created_at"`
}

// FallbackRationalePrefix marks results produced by the degraded keyword
// classifier so downstream consumers can observe the degradation.
const FallbackRationalePrefix = "FALLBACK: "
