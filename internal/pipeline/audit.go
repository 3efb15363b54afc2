package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hanrei/internal/model"
)

// AuditSink persists audit events.
type AuditSink interface {
	AppendAuditEvent(ctx context.Context, e model.AuditEvent) error
}

// Recorder emits audit events. Each classification run gets its own Session
// whose sequence counter totally orders that session's events even when
// timestamps collide.
type Recorder struct {
	sink   AuditSink
	logger *slog.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(sink AuditSink, logger *slog.Logger) *Recorder {
	return &Recorder{sink: sink, logger: logger}
}

// Session starts a new audit session.
func (r *Recorder) Session() *AuditSession {
	return &AuditSession{rec: r, id: uuid.New()}
}

// AuditSession scopes audit events to one pipeline run.
type AuditSession struct {
	rec *Recorder
	id  uuid.UUID
	seq atomic.Int64
}

// ID returns the session identifier.
func (s *AuditSession) ID() uuid.UUID {
	return s.id
}

// Emit stamps and persists one event. Audit failures are logged but never
// fail the pipeline; losing one trail entry is better than losing the
// classification.
func (s *AuditSession) Emit(ctx context.Context, e model.AuditEvent) {
	e.ID = uuid.New()
	e.Timestamp = time.Now().UTC()
	e.Sequence = s.seq.Add(1)
	sid := s.id
	e.SessionID = &sid
	if e.Severity == "" {
		e.Severity = model.AuditInfo
	}

	if err := s.rec.sink.AppendAuditEvent(ctx, e); err != nil {
		s.rec.logger.Error("audit event write failed",
			"event_type", e.Kind, "session_id", s.id, "error", err)
	}
}

// EmitError records a failure event with its error payload.
func (s *AuditSession) EmitError(ctx context.Context, kind model.AuditEventKind, docID *uuid.UUID, stage string, err error) {
	s.Emit(ctx, model.AuditEvent{
		Kind:       kind,
		Severity:   model.AuditError,
		DocumentID: docID,
		Error: &model.ErrorRecord{
			Type:    stage,
			Message: err.Error(),
		},
	})
}
