package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/hanrei/internal/fault"
	"github.com/ashita-ai/hanrei/internal/model"
)

// CreateRule inserts a rule and its first version snapshot in one transaction.
func (db *DB) CreateRule(ctx context.Context, r model.Rule, author, changeDescription string) (model.Rule, error) {
	if err := r.Validate(); err != nil {
		return model.Rule{}, err
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	conditions, err := json.Marshal(r.Conditions)
	if err != nil {
		return model.Rule{}, fault.Wrap(fault.KindInternal, err, "storage: marshal conditions")
	}

	err = WithRetry(ctx, writeRetries, writeRetryDelay, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return wrapErr(err, "storage: begin create rule")
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if _, err := tx.Exec(ctx,
			`INSERT INTO rules (id, name, description, conditions, condition_logic, severity_override,
			 priority, active, created_by, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			r.ID, r.Name, r.Description, conditions, r.ConditionLogic, r.SeverityOverride,
			r.Priority, r.Active, r.CreatedBy, r.CreatedAt, r.UpdatedAt,
		); err != nil {
			return wrapErr(err, "storage: create rule")
		}

		if err := insertRuleVersion(ctx, tx, r, 1, author, changeDescription); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return wrapErr(err, "storage: commit create rule")
		}
		return nil
	})
	if err != nil {
		return model.Rule{}, err
	}
	return r, nil
}

// UpdateRule replaces a rule's mutable fields and appends a version snapshot.
func (db *DB) UpdateRule(ctx context.Context, r model.Rule, author, changeDescription string) (model.Rule, error) {
	if err := r.Validate(); err != nil {
		return model.Rule{}, err
	}
	r.UpdatedAt = time.Now().UTC()

	conditions, err := json.Marshal(r.Conditions)
	if err != nil {
		return model.Rule{}, fault.Wrap(fault.KindInternal, err, "storage: marshal conditions")
	}

	err = WithRetry(ctx, writeRetries, writeRetryDelay, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return wrapErr(err, "storage: begin update rule")
		}
		defer func() { _ = tx.Rollback(ctx) }()

		tag, err := tx.Exec(ctx,
			`UPDATE rules SET name = $1, description = $2, conditions = $3, condition_logic = $4,
			 severity_override = $5, priority = $6, active = $7, updated_at = $8
			 WHERE id = $9`,
			r.Name, r.Description, conditions, r.ConditionLogic,
			r.SeverityOverride, r.Priority, r.Active, r.UpdatedAt, r.ID,
		)
		if err != nil {
			return wrapErr(err, "storage: update rule")
		}
		if tag.RowsAffected() == 0 {
			return fault.New(fault.KindNotFound, "storage: rule not found: %s", r.ID)
		}

		var latest int
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM rule_versions WHERE rule_id = $1`, r.ID,
		).Scan(&latest); err != nil {
			return wrapErr(err, "storage: latest rule version")
		}
		if err := insertRuleVersion(ctx, tx, r, latest+1, author, changeDescription); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return wrapErr(err, "storage: commit update rule")
		}
		return nil
	})
	if err != nil {
		return model.Rule{}, err
	}
	return r, nil
}

// DeleteRule removes a rule. Version history survives for audit.
func (db *DB) DeleteRule(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return wrapErr(err, "storage: delete rule")
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.KindNotFound, "storage: rule not found: %s", id)
	}
	return nil
}

// GetRule retrieves one rule.
func (db *DB) GetRule(ctx context.Context, id uuid.UUID) (model.Rule, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, name, description, conditions, condition_logic, severity_override,
		 priority, active, created_by, created_at, updated_at FROM rules WHERE id = $1`, id)
	r, err := scanRule(row)
	if err != nil {
		return model.Rule{}, wrapErr(err, "storage: get rule %s", id)
	}
	return r, nil
}

// ListActiveRules returns active rules in evaluation order:
// priority descending, then ID ascending for deterministic ties.
func (db *DB) ListActiveRules(ctx context.Context) ([]model.Rule, error) {
	return db.listRules(ctx, true)
}

// ListRules returns all rules in evaluation order.
func (db *DB) ListRules(ctx context.Context) ([]model.Rule, error) {
	return db.listRules(ctx, false)
}

func (db *DB) listRules(ctx context.Context, activeOnly bool) ([]model.Rule, error) {
	q := `SELECT id, name, description, conditions, condition_logic, severity_override,
	 priority, active, created_by, created_at, updated_at FROM rules`
	if activeOnly {
		q += ` WHERE active`
	}
	q += ` ORDER BY priority DESC, id ASC`

	rows, err := db.pool.Query(ctx, q)
	if err != nil {
		return nil, wrapErr(err, "storage: list rules")
	}
	defer rows.Close()

	var out []model.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, wrapErr(err, "storage: scan rule")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err, "storage: iterate rules")
	}
	return out, nil
}

// ListRuleVersions returns a rule's snapshots, newest first.
func (db *DB) ListRuleVersions(ctx context.Context, ruleID uuid.UUID) ([]model.RuleVersion, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, rule_id, version, snapshot, author, change_description, created_at
		 FROM rule_versions WHERE rule_id = $1 ORDER BY version DESC`, ruleID)
	if err != nil {
		return nil, wrapErr(err, "storage: list rule versions")
	}
	defer rows.Close()

	var out []model.RuleVersion
	for rows.Next() {
		var (
			v        model.RuleVersion
			snapshot []byte
		)
		if err := rows.Scan(&v.ID, &v.RuleID, &v.Version, &snapshot, &v.Author, &v.ChangeDescription, &v.CreatedAt); err != nil {
			return nil, wrapErr(err, "storage: scan rule version")
		}
		if err := json.Unmarshal(snapshot, &v.Snapshot); err != nil {
			return nil, fault.Wrap(fault.KindInternal, err, "storage: unmarshal rule snapshot")
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err, "storage: iterate rule versions")
	}
	return out, nil
}

// RecordRuleApplication updates a rule's effectiveness counters after the
// pipeline applies it. confidenceDelta is final minus pre-override
// confidence; overrode reports whether the rule changed the label.
func (db *DB) RecordRuleApplication(ctx context.Context, ruleID uuid.UUID, overrode bool, confidenceDelta float64) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO rule_stats (rule_id, applications, successful_overrides, confidence_delta_sum, last_applied_at)
		VALUES ($1, 1, $2, $3, now())
		ON CONFLICT (rule_id) DO UPDATE SET
			applications = rule_stats.applications + 1,
			successful_overrides = rule_stats.successful_overrides + $2,
			confidence_delta_sum = rule_stats.confidence_delta_sum + $3,
			last_applied_at = now()`,
		ruleID, boolToInt(overrode), confidenceDelta)
	if err != nil {
		return wrapErr(err, "storage: record rule application")
	}
	return nil
}

// GetRuleStats returns one rule's effectiveness counters. A rule never
// applied yields zero counters, not KindNotFound.
func (db *DB) GetRuleStats(ctx context.Context, ruleID uuid.UUID) (model.RuleStats, error) {
	stats := model.RuleStats{RuleID: ruleID}
	var deltaSum float64
	err := db.pool.QueryRow(ctx,
		`SELECT applications, successful_overrides, confidence_delta_sum, last_applied_at
		 FROM rule_stats WHERE rule_id = $1`, ruleID,
	).Scan(&stats.Applications, &stats.SuccessfulOverrides, &deltaSum, &stats.LastAppliedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return stats, nil
		}
		return model.RuleStats{}, wrapErr(err, "storage: get rule stats")
	}
	if stats.Applications > 0 {
		stats.MeanConfidenceDelta = deltaSum / float64(stats.Applications)
	}
	return stats, nil
}

func insertRuleVersion(ctx context.Context, tx pgx.Tx, r model.Rule, version int, author, changeDescription string) error {
	snapshot, err := json.Marshal(r)
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "storage: marshal rule snapshot")
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO rule_versions (id, rule_id, version, snapshot, author, change_description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), r.ID, version, snapshot, author, changeDescription, time.Now().UTC(),
	); err != nil {
		return wrapErr(err, "storage: insert rule version")
	}
	return nil
}

func scanRule(row pgx.Row) (model.Rule, error) {
	var (
		r          model.Rule
		conditions []byte
	)
	err := row.Scan(
		&r.ID, &r.Name, &r.Description, &conditions, &r.ConditionLogic,
		&r.SeverityOverride, &r.Priority, &r.Active, &r.CreatedBy,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return model.Rule{}, err
	}
	if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
		return model.Rule{}, err
	}
	return r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
