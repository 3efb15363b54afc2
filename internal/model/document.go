package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// DocumentRole separates curated reference material from classification inputs.
type DocumentRole string

const (
	RoleReference      DocumentRole = "reference"
	RoleClassification DocumentRole = "classification"
)

// DocumentMetadata carries the file-level context stored alongside a document.
type DocumentMetadata struct {
	Filename   string    `json:"filename"`
	UploadDate time.Time `json:"upload_date"`
	FileSize   int64     `json:"file_size"`
	Tags       []string  `json:"tags"`
	UploaderID *string   `json:"uploader_id,omitempty"`
}

// Document is a stored legal document. Reference documents carry a severity
// label and form the retrieval corpus; classification documents are unlabelled
// inputs. The invariant reference ⇒ label present (and classification ⇒ label
// absent) is enforced by Validate and by the storage layer.
type Document struct {
	ID            uuid.UUID        `json:"id"`
	Text          string           `json:"text"`
	ContentHash   string           `json:"content_hash"`
	Role          DocumentRole     `json:"document_type"`
	SeverityLabel *Severity        `json:"severity_label,omitempty"`
	Metadata      DocumentMetadata `json:"metadata"`
	Embedding     *pgvector.Vector `json:"-"`
	CreatedAt     time.Time        `json:"created_at"`
}

// ContentHash computes the SHA-256 of normalized document text, used for
// duplicate detection on reference ingest. Normalization collapses whitespace
// so trivially reformatted copies hash identically.
func ContentHash(text string) string {
	normalized := strings.Join(strings.Fields(text), " ")
	sum := sha256.Sum256([]byte(strings.ToLower(normalized)))
	return hex.EncodeToString(sum[:])
}

// Validate checks the role/label invariant and basic field presence.
func (d Document) Validate() error {
	if strings.TrimSpace(d.Text) == "" {
		return errEmptyText
	}
	switch d.Role {
	case RoleReference:
		if d.SeverityLabel == nil {
			return errReferenceWithoutLabel
		}
		if !ValidSeverity(*d.SeverityLabel) {
			return errUnknownSeverity
		}
	case RoleClassification:
		if d.SeverityLabel != nil {
			return errClassificationWithLabel
		}
	default:
		return errUnknownRole
	}
	return nil
}
