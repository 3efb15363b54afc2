package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/hanrei/internal/fault"
	"github.com/ashita-ai/hanrei/internal/model"
)

// ReplaceBuckets atomically swaps the entire bucket set for the one produced
// by a rebuild. Membership rows are replaced in the same transaction so a
// concurrent retrieval never observes a half-built clustering.
func (db *DB) ReplaceBuckets(ctx context.Context, buckets []model.Bucket) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return wrapErr(err, "storage: begin bucket replace")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM bucket_members`); err != nil {
		return wrapErr(err, "storage: clear bucket members")
	}
	if _, err := tx.Exec(ctx, `DELETE FROM buckets`); err != nil {
		return wrapErr(err, "storage: clear buckets")
	}

	now := time.Now().UTC()
	for i := range buckets {
		b := &buckets[i]
		if b.ID == uuid.Nil {
			b.ID = uuid.New()
		}
		if b.CreatedAt.IsZero() {
			b.CreatedAt = now
		}
		b.UpdatedAt = now
		b.DocumentCount = len(b.DocumentIDs)

		if _, err := tx.Exec(ctx,
			`INSERT INTO buckets (id, name, description, centroid, document_count, centroid_stale, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			b.ID, b.Name, b.Description, b.Centroid, b.DocumentCount, b.CentroidStale, b.CreatedAt, b.UpdatedAt,
		); err != nil {
			return wrapErr(err, "storage: insert bucket %s", b.Name)
		}
		for _, docID := range b.DocumentIDs {
			if _, err := tx.Exec(ctx,
				`INSERT INTO bucket_members (bucket_id, document_id) VALUES ($1, $2)`,
				b.ID, docID,
			); err != nil {
				return wrapErr(err, "storage: insert bucket member")
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return wrapErr(err, "storage: commit bucket replace")
	}
	return nil
}

// GetBucket retrieves one bucket with its membership.
func (db *DB) GetBucket(ctx context.Context, id uuid.UUID) (model.Bucket, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, name, description, centroid, document_count, centroid_stale, created_at, updated_at
		 FROM buckets WHERE id = $1`, id)
	b, err := scanBucket(row)
	if err != nil {
		return model.Bucket{}, wrapErr(err, "storage: get bucket %s", id)
	}
	if b.DocumentIDs, err = db.bucketMembers(ctx, id); err != nil {
		return model.Bucket{}, err
	}
	return b, nil
}

// ListBuckets returns all buckets with membership, sorted by name.
func (db *DB) ListBuckets(ctx context.Context) ([]model.Bucket, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, name, description, centroid, document_count, centroid_stale, created_at, updated_at
		 FROM buckets ORDER BY name`)
	if err != nil {
		return nil, wrapErr(err, "storage: list buckets")
	}
	defer rows.Close()

	var out []model.Bucket
	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			return nil, wrapErr(err, "storage: scan bucket")
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err, "storage: iterate buckets")
	}

	for i := range out {
		if out[i].DocumentIDs, err = db.bucketMembers(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AddBucketMember appends a document to a bucket and flags the centroid stale.
// Membership is exclusive; the insert fails with KindDuplicate if the
// document already belongs to any bucket.
func (db *DB) AddBucketMember(ctx context.Context, bucketID, documentID uuid.UUID) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return wrapErr(err, "storage: begin add member")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO bucket_members (bucket_id, document_id) VALUES ($1, $2)`,
		bucketID, documentID,
	); err != nil {
		return wrapErr(err, "storage: add bucket member")
	}
	tag, err := tx.Exec(ctx,
		`UPDATE buckets SET document_count = document_count + 1, centroid_stale = TRUE, updated_at = now()
		 WHERE id = $1`, bucketID)
	if err != nil {
		return wrapErr(err, "storage: flag centroid stale")
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.KindNotFound, "storage: bucket not found: %s", bucketID)
	}
	return wrapCommit(tx.Commit(ctx), "storage: commit add member")
}

// UpdateBucketCentroid stores a freshly recomputed centroid and clears the
// stale flag.
func (db *DB) UpdateBucketCentroid(ctx context.Context, id uuid.UUID, centroid *pgvector.Vector) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE buckets SET centroid = $1, centroid_stale = FALSE, updated_at = now() WHERE id = $2`,
		centroid, id)
	if err != nil {
		return wrapErr(err, "storage: update centroid")
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.KindNotFound, "storage: bucket not found: %s", id)
	}
	return nil
}

// ListStaleBuckets returns buckets whose centroid needs recomputation.
func (db *DB) ListStaleBuckets(ctx context.Context) ([]model.Bucket, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, name, description, centroid, document_count, centroid_stale, created_at, updated_at
		 FROM buckets WHERE centroid_stale ORDER BY updated_at`)
	if err != nil {
		return nil, wrapErr(err, "storage: list stale buckets")
	}
	defer rows.Close()

	var out []model.Bucket
	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			return nil, wrapErr(err, "storage: scan bucket")
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err, "storage: iterate stale buckets")
	}
	for i := range out {
		if out[i].DocumentIDs, err = db.bucketMembers(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ValidateBuckets cross-checks bucket membership against documents:
// members pointing at missing documents, references in no bucket,
// document_count drift, and empty buckets.
func (db *DB) ValidateBuckets(ctx context.Context) (model.BucketValidationReport, error) {
	var report model.BucketValidationReport

	rows, err := db.pool.Query(ctx, `
		SELECT bm.document_id FROM bucket_members bm
		LEFT JOIN documents d ON d.id = bm.document_id
		WHERE d.id IS NULL`)
	if err != nil {
		return report, wrapErr(err, "storage: validate missing documents")
	}
	report.MissingDocumentIDs, err = collectUUIDs(rows)
	if err != nil {
		return report, err
	}

	rows, err = db.pool.Query(ctx, `
		SELECT d.id FROM documents d
		LEFT JOIN bucket_members bm ON bm.document_id = d.id
		WHERE d.role = $1 AND d.embedding IS NOT NULL AND bm.document_id IS NULL`,
		model.RoleReference)
	if err != nil {
		return report, wrapErr(err, "storage: validate orphan references")
	}
	report.OrphanDocumentIDs, err = collectUUIDs(rows)
	if err != nil {
		return report, err
	}

	rows, err = db.pool.Query(ctx, `
		SELECT b.id FROM buckets b
		LEFT JOIN bucket_members bm ON bm.bucket_id = b.id
		GROUP BY b.id, b.document_count
		HAVING b.document_count <> COUNT(bm.document_id)`)
	if err != nil {
		return report, wrapErr(err, "storage: validate counts")
	}
	report.CountMismatchIDs, err = collectUUIDs(rows)
	if err != nil {
		return report, err
	}

	rows, err = db.pool.Query(ctx, `
		SELECT b.id FROM buckets b
		LEFT JOIN bucket_members bm ON bm.bucket_id = b.id
		GROUP BY b.id HAVING COUNT(bm.document_id) = 0`)
	if err != nil {
		return report, wrapErr(err, "storage: validate empty buckets")
	}
	report.EmptyBucketIDs, err = collectUUIDs(rows)
	if err != nil {
		return report, err
	}

	// A primary key on (document_id) makes duplicates impossible at write
	// time; the check stays for corpora imported before that constraint.
	rows, err = db.pool.Query(ctx, `
		SELECT document_id FROM bucket_members
		GROUP BY document_id HAVING COUNT(*) > 1`)
	if err != nil {
		return report, wrapErr(err, "storage: validate duplicate membership")
	}
	report.DuplicateMembership, err = collectUUIDs(rows)
	if err != nil {
		return report, err
	}

	return report, nil
}

func (db *DB) bucketMembers(ctx context.Context, bucketID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT document_id FROM bucket_members WHERE bucket_id = $1 ORDER BY document_id`, bucketID)
	if err != nil {
		return nil, wrapErr(err, "storage: bucket members")
	}
	return collectUUIDs(rows)
}

func collectUUIDs(rows pgx.Rows) ([]uuid.UUID, error) {
	defer rows.Close()
	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, wrapErr(err, "storage: scan uuid")
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err, "storage: iterate uuids")
	}
	return out, nil
}

func scanBucket(row pgx.Row) (model.Bucket, error) {
	var b model.Bucket
	err := row.Scan(
		&b.ID, &b.Name, &b.Description, &b.Centroid,
		&b.DocumentCount, &b.CentroidStale, &b.CreatedAt, &b.UpdatedAt,
	)
	return b, err
}

func wrapCommit(err error, msg string) error {
	if err != nil {
		return wrapErr(err, "%s", msg)
	}
	return nil
}
