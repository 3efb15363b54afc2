package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/hanrei/internal/fault"
	"github.com/ashita-ai/hanrei/internal/model"
)

const documentColumns = `id, text, content_hash, role, severity_label,
	filename, upload_date, file_size, tags, uploader_id, embedding, created_at`

// CreateDocument inserts a document. A content-hash collision with an
// existing document fails with KindDuplicate carrying the existing ID.
func (db *DB) CreateDocument(ctx context.Context, d model.Document) (model.Document, error) {
	if err := d.Validate(); err != nil {
		return model.Document{}, err
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.ContentHash == "" {
		d.ContentHash = model.ContentHash(d.Text)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	if existing, err := db.FindDocumentByHash(ctx, d.ContentHash); err == nil {
		return model.Document{}, fault.New(fault.KindDuplicate,
			"storage: document with identical content already exists: %s", existing.ID)
	} else if !fault.Is(err, fault.KindNotFound) {
		return model.Document{}, err
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO documents (`+documentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.Text, d.ContentHash, d.Role, d.SeverityLabel,
		d.Metadata.Filename, d.Metadata.UploadDate, d.Metadata.FileSize,
		d.Metadata.Tags, d.Metadata.UploaderID, d.Embedding, d.CreatedAt,
	)
	if err != nil {
		return model.Document{}, wrapErr(err, "storage: create document")
	}
	return d, nil
}

// GetDocument retrieves a document by ID.
func (db *DB) GetDocument(ctx context.Context, id uuid.UUID) (model.Document, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	d, err := scanDocument(row)
	if err != nil {
		return model.Document{}, wrapErr(err, "storage: get document %s", id)
	}
	return d, nil
}

// GetDocuments retrieves documents by ID, preserving request order.
// Missing IDs are silently dropped.
func (db *DB) GetDocuments(ctx context.Context, ids []uuid.UUID) ([]model.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, wrapErr(err, "storage: get documents")
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]model.Document, len(ids))
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, wrapErr(err, "storage: scan document")
		}
		byID[d.ID] = d
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err, "storage: iterate documents")
	}

	out := make([]model.Document, 0, len(byID))
	for _, id := range ids {
		if d, ok := byID[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

// FindDocumentByHash looks up a document by its normalized content hash.
func (db *DB) FindDocumentByHash(ctx context.Context, hash string) (model.Document, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE content_hash = $1`, hash)
	d, err := scanDocument(row)
	if err != nil {
		return model.Document{}, wrapErr(err, "storage: find document by hash")
	}
	return d, nil
}

// ReferenceFilter narrows a reference listing. A nil Label matches any
// severity; Tags requires every listed tag to be present.
type ReferenceFilter struct {
	Label *model.Severity
	Tags  []string
}

// ListReferenceDocuments returns labeled reference documents matching the
// filter, newest first.
func (db *DB) ListReferenceDocuments(ctx context.Context, f ReferenceFilter, limit, offset int) ([]model.Document, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + documentColumns + ` FROM documents WHERE role = $1`
	args := []any{model.RoleReference}
	if f.Label != nil {
		args = append(args, *f.Label)
		q += fmt.Sprintf(` AND severity_label = $%d`, len(args))
	}
	if len(f.Tags) > 0 {
		args = append(args, f.Tags)
		q += fmt.Sprintf(` AND tags @> $%d`, len(args))
	}
	args = append(args, limit, offset)
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, wrapErr(err, "storage: list reference documents")
	}
	defer rows.Close()
	return collectDocuments(rows)
}

// ListEmbeddedReferences returns every reference document that has an
// embedding. This is the clustering engine's working set.
func (db *DB) ListEmbeddedReferences(ctx context.Context) ([]model.Document, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+documentColumns+` FROM documents
		 WHERE role = $1 AND embedding IS NOT NULL ORDER BY created_at`,
		model.RoleReference)
	if err != nil {
		return nil, wrapErr(err, "storage: list embedded references")
	}
	defer rows.Close()
	return collectDocuments(rows)
}

// UpdateDocumentEmbedding stores the embedding computed for a document.
func (db *DB) UpdateDocumentEmbedding(ctx context.Context, id uuid.UUID, embedding *pgvector.Vector) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE documents SET embedding = $1 WHERE id = $2`, embedding, id)
	if err != nil {
		return wrapErr(err, "storage: update document embedding")
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.KindNotFound, "storage: document not found: %s", id)
	}
	return nil
}

// DeleteDocument removes a document. Classifications referencing it survive;
// bucket membership rows cascade.
func (db *DB) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return wrapErr(err, "storage: delete document")
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.KindNotFound, "storage: document not found: %s", id)
	}
	return nil
}

// CountDocuments returns document counts by role.
func (db *DB) CountDocuments(ctx context.Context, role model.DocumentRole) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM documents WHERE role = $1`, role).Scan(&n)
	if err != nil {
		return 0, wrapErr(err, "storage: count documents")
	}
	return n, nil
}

func scanDocument(row pgx.Row) (model.Document, error) {
	var d model.Document
	err := row.Scan(
		&d.ID, &d.Text, &d.ContentHash, &d.Role, &d.SeverityLabel,
		&d.Metadata.Filename, &d.Metadata.UploadDate, &d.Metadata.FileSize,
		&d.Metadata.Tags, &d.Metadata.UploaderID, &d.Embedding, &d.CreatedAt,
	)
	return d, err
}

func collectDocuments(rows pgx.Rows) ([]model.Document, error) {
	var out []model.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, wrapErr(err, "storage: scan document")
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err, "storage: iterate documents")
	}
	return out, nil
}
