package storage

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/hanrei/internal/fault"
	"github.com/ashita-ai/hanrei/internal/model"
)

const auditColumns = `id, event_type, severity, timestamp, sequence, session_id,
	document_id, classification_id, bucket_id, rule_id, details, trail, error_record, perf`

// AppendAuditEvent inserts one audit event. The table is append-only: there
// are no update or delete methods, and the schema revokes them from the
// application role.
func (db *DB) AppendAuditEvent(ctx context.Context, e model.AuditEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	details, err := marshalNullable(e.Details)
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "storage: marshal audit details")
	}
	trail, err := marshalNullable(e.Trail)
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "storage: marshal decision trail")
	}
	errRec, err := marshalNullable(e.Error)
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "storage: marshal error record")
	}
	perf, err := marshalNullable(e.Perf)
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "storage: marshal perf metrics")
	}

	if _, err := db.pool.Exec(ctx,
		`INSERT INTO audit_events (`+auditColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, e.Kind, e.Severity, e.Timestamp, e.Sequence, e.SessionID,
		e.DocumentID, e.ClassificationID, e.BucketID, e.RuleID,
		details, trail, errRec, perf,
	); err != nil {
		return wrapErr(err, "storage: append audit event")
	}
	return nil
}

// AuditFilter narrows an audit query. Zero values mean "any".
type AuditFilter struct {
	SessionID  *uuid.UUID
	DocumentID *uuid.UUID
	Kind       model.AuditEventKind
	Since      time.Time
	Limit      int
}

// ListAuditEvents returns matching events in session order:
// timestamp ascending, sequence breaking sub-millisecond ties.
func (db *DB) ListAuditEvents(ctx context.Context, f AuditFilter) ([]model.AuditEvent, error) {
	q := `SELECT ` + auditColumns + ` FROM audit_events WHERE 1=1`
	args := []any{}
	n := 1
	if f.SessionID != nil {
		q += ` AND session_id = $` + itoa(n)
		args = append(args, *f.SessionID)
		n++
	}
	if f.DocumentID != nil {
		q += ` AND document_id = $` + itoa(n)
		args = append(args, *f.DocumentID)
		n++
	}
	if f.Kind != "" {
		q += ` AND event_type = $` + itoa(n)
		args = append(args, f.Kind)
		n++
	}
	if !f.Since.IsZero() {
		q += ` AND timestamp >= $` + itoa(n)
		args = append(args, f.Since)
		n++
	}
	q += ` ORDER BY timestamp ASC, sequence ASC`
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	q += ` LIMIT $` + itoa(n)
	args = append(args, limit)

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, wrapErr(err, "storage: list audit events")
	}
	defer rows.Close()

	var out []model.AuditEvent
	for rows.Next() {
		e, err := scanAuditEvent(rows)
		if err != nil {
			return nil, wrapErr(err, "storage: scan audit event")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err, "storage: iterate audit events")
	}
	return out, nil
}

func scanAuditEvent(row pgx.Row) (model.AuditEvent, error) {
	var (
		e       model.AuditEvent
		details []byte
		trail   []byte
		errRec  []byte
		perf    []byte
	)
	err := row.Scan(
		&e.ID, &e.Kind, &e.Severity, &e.Timestamp, &e.Sequence, &e.SessionID,
		&e.DocumentID, &e.ClassificationID, &e.BucketID, &e.RuleID,
		&details, &trail, &errRec, &perf,
	)
	if err != nil {
		return model.AuditEvent{}, err
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return model.AuditEvent{}, err
		}
	}
	if len(trail) > 0 {
		e.Trail = &model.DecisionTrail{}
		if err := json.Unmarshal(trail, e.Trail); err != nil {
			return model.AuditEvent{}, err
		}
	}
	if len(errRec) > 0 {
		e.Error = &model.ErrorRecord{}
		if err := json.Unmarshal(errRec, e.Error); err != nil {
			return model.AuditEvent{}, err
		}
	}
	if len(perf) > 0 {
		e.Perf = &model.PerfMetrics{}
		if err := json.Unmarshal(perf, e.Perf); err != nil {
			return model.AuditEvent{}, err
		}
	}
	return e, nil
}

// marshalNullable returns nil for nil-ish values so the column stays NULL.
func marshalNullable(v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if x == nil {
			return nil, nil
		}
	case *model.DecisionTrail:
		if x == nil {
			return nil, nil
		}
	case *model.ErrorRecord:
		if x == nil {
			return nil, nil
		}
	case *model.PerfMetrics:
		if x == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
