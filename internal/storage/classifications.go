package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/hanrei/internal/fault"
	"github.com/ashita-ai/hanrei/internal/model"
)

const classificationColumns = `id, document_id, label, confidence, rationale, evidence,
	primary_bucket_id, applied_rule_ids, routing, factors, warning,
	reviewed, final_label, reviewed_by, reviewed_at, model_version, fallback, created_at`

// CreateClassification persists a pipeline result.
func (db *DB) CreateClassification(ctx context.Context, c model.ClassificationResult) (model.ClassificationResult, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	evidence, err := json.Marshal(c.Evidence)
	if err != nil {
		return model.ClassificationResult{}, fault.Wrap(fault.KindInternal, err, "storage: marshal evidence")
	}
	factors, err := json.Marshal(c.Factors)
	if err != nil {
		return model.ClassificationResult{}, fault.Wrap(fault.KindInternal, err, "storage: marshal factors")
	}
	var warning []byte
	if c.Warning != nil {
		if warning, err = json.Marshal(c.Warning); err != nil {
			return model.ClassificationResult{}, fault.Wrap(fault.KindInternal, err, "storage: marshal warning")
		}
	}

	err = WithRetry(ctx, writeRetries, writeRetryDelay, func() error {
		_, execErr := db.pool.Exec(ctx,
			`INSERT INTO classifications (`+classificationColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
			c.ID, c.DocumentID, c.Label, c.Confidence, c.Rationale, evidence,
			c.PrimaryBucketID, c.AppliedRuleIDs, c.Routing, factors, warning,
			c.Review.Reviewed, c.Review.FinalLabel, c.Review.ReviewedBy, c.Review.ReviewedAt,
			c.ModelVersion, c.Fallback, c.CreatedAt,
		)
		return execErr
	})
	if err != nil {
		return model.ClassificationResult{}, wrapErr(err, "storage: create classification")
	}
	return c, nil
}

// GetClassification retrieves one result by ID.
func (db *DB) GetClassification(ctx context.Context, id uuid.UUID) (model.ClassificationResult, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+classificationColumns+` FROM classifications WHERE id = $1`, id)
	c, err := scanClassification(row)
	if err != nil {
		return model.ClassificationResult{}, wrapErr(err, "storage: get classification %s", id)
	}
	return c, nil
}

// LatestClassification returns the newest result for a document.
func (db *DB) LatestClassification(ctx context.Context, documentID uuid.UUID) (model.ClassificationResult, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+classificationColumns+` FROM classifications
		 WHERE document_id = $1 ORDER BY created_at DESC LIMIT 1`, documentID)
	c, err := scanClassification(row)
	if err != nil {
		return model.ClassificationResult{}, wrapErr(err, "storage: latest classification for %s", documentID)
	}
	return c, nil
}

// ListClassifications returns results for a document, newest first.
func (db *DB) ListClassifications(ctx context.Context, documentID uuid.UUID, limit int) ([]model.ClassificationResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+classificationColumns+` FROM classifications
		 WHERE document_id = $1 ORDER BY created_at DESC LIMIT $2`, documentID, limit)
	if err != nil {
		return nil, wrapErr(err, "storage: list classifications")
	}
	defer rows.Close()

	var out []model.ClassificationResult
	for rows.Next() {
		c, err := scanClassification(rows)
		if err != nil {
			return nil, wrapErr(err, "storage: scan classification")
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err, "storage: iterate classifications")
	}
	return out, nil
}

// ReviewClassification records a human reviewer's final label. A second
// review overwrites the first; the audit trail keeps both.
func (db *DB) ReviewClassification(ctx context.Context, id uuid.UUID, finalLabel model.Severity, reviewedBy string) error {
	if !model.ValidSeverity(finalLabel) {
		return fault.New(fault.KindInvalidInput, "storage: unknown severity %q", finalLabel)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE classifications SET reviewed = TRUE, final_label = $1, reviewed_by = $2, reviewed_at = now()
		 WHERE id = $3`, finalLabel, reviewedBy, id)
	if err != nil {
		return wrapErr(err, "storage: review classification")
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.KindNotFound, "storage: classification not found: %s", id)
	}
	return nil
}

// CalibrationSample is one reviewed classification used for historical
// accuracy estimation: the predicted label and confidence, and whether the
// reviewer confirmed the prediction.
type CalibrationSample struct {
	Label      model.Severity
	Confidence float64
	Correct    bool
}

// CalibrationSamples returns reviewed classifications from the trailing
// window. Fallback results are excluded; they would drag accuracy down for
// reasons unrelated to the model.
func (db *DB) CalibrationSamples(ctx context.Context, window time.Duration) ([]CalibrationSample, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT label, confidence, label = final_label FROM classifications
		 WHERE reviewed AND final_label IS NOT NULL AND NOT fallback AND reviewed_at >= $1`,
		time.Now().UTC().Add(-window))
	if err != nil {
		return nil, wrapErr(err, "storage: calibration samples")
	}
	defer rows.Close()

	var out []CalibrationSample
	for rows.Next() {
		var s CalibrationSample
		if err := rows.Scan(&s.Label, &s.Confidence, &s.Correct); err != nil {
			return nil, wrapErr(err, "storage: scan calibration sample")
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err, "storage: iterate calibration samples")
	}
	return out, nil
}

func scanClassification(row pgx.Row) (model.ClassificationResult, error) {
	var (
		c        model.ClassificationResult
		evidence []byte
		factors  []byte
		warning  []byte
	)
	err := row.Scan(
		&c.ID, &c.DocumentID, &c.Label, &c.Confidence, &c.Rationale, &evidence,
		&c.PrimaryBucketID, &c.AppliedRuleIDs, &c.Routing, &factors, &warning,
		&c.Review.Reviewed, &c.Review.FinalLabel, &c.Review.ReviewedBy, &c.Review.ReviewedAt,
		&c.ModelVersion, &c.Fallback, &c.CreatedAt,
	)
	if err != nil {
		return model.ClassificationResult{}, err
	}
	if err := json.Unmarshal(evidence, &c.Evidence); err != nil {
		return model.ClassificationResult{}, err
	}
	if err := json.Unmarshal(factors, &c.Factors); err != nil {
		return model.ClassificationResult{}, err
	}
	if len(warning) > 0 {
		c.Warning = &model.ConfidenceWarning{}
		if err := json.Unmarshal(warning, c.Warning); err != nil {
			return model.ClassificationResult{}, err
		}
	}
	return c, nil
}
