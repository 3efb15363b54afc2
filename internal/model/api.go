package model

import (
	"time"

	"github.com/google/uuid"
)

// MaxDocumentBytes bounds the text of a single classification or reference
// document. Larger inputs are rejected before touching the embedding pipeline.
const MaxDocumentBytes = 1 << 20 // 1 MB

// MaxBatchSize bounds the number of documents in one batch request.
const MaxBatchSize = 50

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeUnavailable   = "SERVICE_UNAVAILABLE"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// ClassifyRequest is the request body for POST /v1/classify.
type ClassifyRequest struct {
	Text     string   `json:"text"`
	Filename string   `json:"filename,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// Document converts the request into an unlabelled classification document.
func (r ClassifyRequest) Document() Document {
	return Document{
		Text: r.Text,
		Role: RoleClassification,
		Metadata: DocumentMetadata{
			Filename:   r.Filename,
			Tags:       r.Tags,
			UploadDate: time.Now().UTC(),
			FileSize:   int64(len(r.Text)),
		},
	}
}

// BatchClassifyRequest is the request body for POST /v1/classify/batch.
type BatchClassifyRequest struct {
	Documents []ClassifyRequest `json:"documents"`
}

// BatchClassifyItem is one entry in a batch classification response.
type BatchClassifyItem struct {
	Index  int                   `json:"index"`
	Result *ClassificationResult `json:"result,omitempty"`
	Error  string                `json:"error,omitempty"`
}

// ReprocessRequest is the request body for POST /v1/classifications/{id}/reprocess.
type ReprocessRequest struct {
	Force bool `json:"force"`
}

// ReviewRequest is the request body for POST /v1/classifications/{id}/review.
type ReviewRequest struct {
	FinalLabel Severity `json:"final_label"`
	ReviewedBy string   `json:"reviewed_by"`
}

// ReferenceRequest is the request body for POST /v1/references.
type ReferenceRequest struct {
	Text          string   `json:"text"`
	SeverityLabel Severity `json:"severity_label"`
	Filename      string   `json:"filename,omitempty"`
	Tags          []string `json:"tags,omitempty"`
}

// Document converts the request into a labelled reference document.
func (r ReferenceRequest) Document() Document {
	label := r.SeverityLabel
	return Document{
		Text:          r.Text,
		Role:          RoleReference,
		SeverityLabel: &label,
		Metadata: DocumentMetadata{
			Filename:   r.Filename,
			Tags:       r.Tags,
			UploadDate: time.Now().UTC(),
			FileSize:   int64(len(r.Text)),
		},
	}
}

// BulkReferenceRequest is the request body for POST /v1/references/bulk.
type BulkReferenceRequest struct {
	References []ReferenceRequest `json:"references"`
}

// BulkReferenceItem is one entry in a bulk reference ingest response.
type BulkReferenceItem struct {
	Index      int        `json:"index"`
	DocumentID *uuid.UUID `json:"document_id,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// RuleRequest is the request body for rule create and update.
type RuleRequest struct {
	Name              string         `json:"name"`
	Description       string         `json:"description,omitempty"`
	Conditions        []Condition    `json:"conditions"`
	ConditionLogic    ConditionLogic `json:"condition_logic"`
	SeverityOverride  Severity       `json:"severity_override"`
	Priority          int            `json:"priority"`
	Active            bool           `json:"active"`
	Author            string         `json:"author,omitempty"`
	ChangeDescription string         `json:"change_description,omitempty"`
}

// Rule converts the request into a Rule (ID unset; storage assigns it).
func (r RuleRequest) Rule() Rule {
	return Rule{
		Name:             r.Name,
		Description:      r.Description,
		Conditions:       r.Conditions,
		ConditionLogic:   r.ConditionLogic,
		SeverityOverride: r.SeverityOverride,
		Priority:         r.Priority,
		Active:           r.Active,
		CreatedBy:        r.Author,
	}
}

// MergeBucketsRequest is the request body for POST /v1/buckets/merge.
type MergeBucketsRequest struct {
	BucketIDs []uuid.UUID `json:"bucket_ids"`
}

// SplitBucketRequest is the optional request body for
// POST /v1/buckets/{bucket_id}/split. Parts defaults to 2.
type SplitBucketRequest struct {
	Parts int `json:"parts"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	UptimeSecs int64             `json:"uptime_seconds"`
	Components map[string]string `json:"components"`
}
