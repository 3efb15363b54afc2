package model

import (
	"time"

	"github.com/google/uuid"
)

// AuditEventKind is the closed enumeration of pipeline audit events.
type AuditEventKind string

const (
	EventClassificationStarted   AuditEventKind = "classification_started"
	EventContextRetrieved        AuditEventKind = "context_retrieved"
	EventEvidenceCollected       AuditEventKind = "evidence_collected"
	EventRuleApplied             AuditEventKind = "rule_applied"
	EventRuleOverride            AuditEventKind = "rule_override"
	EventConfidenceWarning       AuditEventKind = "confidence_warning"
	EventClassificationCompleted AuditEventKind = "classification_completed"
	EventClassificationFailed    AuditEventKind = "classification_failed"
	EventResultStored            AuditEventKind = "result_stored"
	EventReprocessingStarted     AuditEventKind = "reprocessing_started"
	EventReprocessingCompleted   AuditEventKind = "reprocessing_completed"
	EventBucketCreated           AuditEventKind = "bucket_created"
	EventBucketUpdated           AuditEventKind = "bucket_updated"
	EventRuleCreated             AuditEventKind = "rule_created"
	EventRuleUpdated             AuditEventKind = "rule_updated"
	EventRuleDeleted             AuditEventKind = "rule_deleted"
	EventSystemError             AuditEventKind = "system_error"
)

// AuditSeverity grades an audit event.
type AuditSeverity string

const (
	AuditInfo     AuditSeverity = "info"
	AuditWarning  AuditSeverity = "warning"
	AuditError    AuditSeverity = "error"
	AuditCritical AuditSeverity = "critical"
)

// ErrorRecord captures a failure inside an audit event.
type ErrorRecord struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Context string `json:"context,omitempty"`
}

// PerfMetrics are optional per-operation timings attached to an event.
type PerfMetrics struct {
	DurationMS int64 `json:"duration_ms"`
}

// DecisionTrail is the complete per-classification payload attached to the
// classification_completed event: inputs, intermediate outputs, timings, and
// the final decision.
type DecisionTrail struct {
	InputSummary      string            `json:"input_summary"`
	SelectedBucketIDs []uuid.UUID       `json:"selected_bucket_ids"`
	BucketEvidence    map[string]int    `json:"bucket_evidence_counts"`
	LLMLabel          Severity          `json:"llm_label"`
	LLMConfidence     float64           `json:"llm_confidence"`
	LLMRationale      string            `json:"llm_rationale"`
	Factors           ConfidenceFactors `json:"factors"`
	FinalLabel        Severity          `json:"final_label"`
	FinalConfidence   float64           `json:"final_confidence"`
	Routing           Routing           `json:"routing"`
	ProcessingMS      int64             `json:"processing_ms"`
}

// AuditEvent is an append-only record of one pipeline stage. Events within a
// session are ordered by (Timestamp, Sequence); there is no cross-session
// ordering guarantee.
type AuditEvent struct {
	ID               uuid.UUID      `json:"id"`
	Kind             AuditEventKind `json:"event_type"`
	Severity         AuditSeverity  `json:"severity"`
	Timestamp        time.Time      `json:"timestamp"`
	Sequence         int64          `json:"sequence"`
	SessionID        *uuid.UUID     `json:"session_id,omitempty"`
	DocumentID       *uuid.UUID     `json:"document_id,omitempty"`
	ClassificationID *uuid.UUID     `json:"classification_id,omitempty"`
	BucketID         *uuid.UUID     `json:"bucket_id,omitempty"`
	RuleID           *uuid.UUID     `json:"rule_id,omitempty"`
	Details          map[string]any `json:"details,omitempty"`
	Trail            *DecisionTrail `json:"decision_trail,omitempty"`
	Error            *ErrorRecord   `json:"error,omitempty"`
	Perf             *PerfMetrics   `json:"perf,omitempty"`
}
