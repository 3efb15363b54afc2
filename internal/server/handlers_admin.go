package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hanrei/internal/model"
	"github.com/ashita-ai/hanrei/internal/storage"
)

// HandleCreateReference handles POST /v1/references.
func (h *Handlers) HandleCreateReference(w http.ResponseWriter, r *http.Request) {
	var req model.ReferenceRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if len(req.Text) > model.MaxDocumentBytes {
		writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput, "document text too large")
		return
	}

	doc, err := h.pipeline.AddReference(r.Context(), req.Document())
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, doc)
}

// HandleBulkReferences handles POST /v1/references/bulk. Items are ingested
// independently: one bad document does not sink the rest.
func (h *Handlers) HandleBulkReferences(w http.ResponseWriter, r *http.Request) {
	var req model.BulkReferenceRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if len(req.References) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "no references provided")
		return
	}

	items := make([]model.BulkReferenceItem, len(req.References))
	for i, ref := range req.References {
		items[i] = model.BulkReferenceItem{Index: i}
		doc, err := h.pipeline.AddReference(r.Context(), ref.Document())
		if err != nil {
			items[i].Error = err.Error()
			continue
		}
		id := doc.ID
		items[i].DocumentID = &id
	}
	writeJSON(w, r, http.StatusOK, items)
}

// HandleListReferences handles GET /v1/references. Supported filters:
// label (severity), tags (comma-separated, all must match), limit, offset.
func (h *Handlers) HandleListReferences(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			offset = n
		}
	}

	var filter storage.ReferenceFilter
	if v := r.URL.Query().Get("label"); v != "" {
		label := model.Severity(strings.ToUpper(v))
		if !model.ValidSeverity(label) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown severity label")
			return
		}
		filter.Label = &label
	}
	if v := r.URL.Query().Get("tags"); v != "" {
		for _, tag := range strings.Split(v, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				filter.Tags = append(filter.Tags, tag)
			}
		}
	}

	docs, err := h.db.ListReferenceDocuments(r.Context(), filter, limit+1, offset)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	hasMore := len(docs) > limit
	if hasMore {
		docs = docs[:limit]
	}
	writeList(w, r, docs, hasMore, limit, offset)
}

// HandleGetDocument handles GET /v1/documents/{document_id}.
func (h *Handlers) HandleGetDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "document_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid document id")
		return
	}
	doc, err := h.db.GetDocument(r.Context(), id)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, doc)
}

// HandleDeleteReference handles DELETE /v1/references/{document_id}.
func (h *Handlers) HandleDeleteReference(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "document_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid document id")
		return
	}
	doc, err := h.db.GetDocument(r.Context(), id)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	if doc.Role != model.RoleReference {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "document is not a reference")
		return
	}
	if err := h.db.DeleteDocument(r.Context(), id); err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"deleted": true})
}

// HandleCreateRule handles POST /v1/rules.
func (h *Handlers) HandleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req model.RuleRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	rule := req.Rule()
	if err := rule.Validate(); err != nil {
		writeFault(w, r, err)
		return
	}

	created, err := h.db.CreateRule(r.Context(), rule, req.Author, req.ChangeDescription)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleListRules handles GET /v1/rules. ?active=true narrows to active rules.
func (h *Handlers) HandleListRules(w http.ResponseWriter, r *http.Request) {
	var (
		ruleSet []model.Rule
		err     error
	)
	if r.URL.Query().Get("active") == "true" {
		ruleSet, err = h.db.ListActiveRules(r.Context())
	} else {
		ruleSet, err = h.db.ListRules(r.Context())
	}
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, ruleSet)
}

// HandleGetRule handles GET /v1/rules/{rule_id}.
func (h *Handlers) HandleGetRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "rule_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid rule id")
		return
	}
	rule, err := h.db.GetRule(r.Context(), id)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rule)
}

// HandleUpdateRule handles PUT /v1/rules/{rule_id}. Every update appends an
// immutable version snapshot.
func (h *Handlers) HandleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "rule_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid rule id")
		return
	}

	var req model.RuleRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	rule := req.Rule()
	rule.ID = id
	if err := rule.Validate(); err != nil {
		writeFault(w, r, err)
		return
	}

	updated, err := h.db.UpdateRule(r.Context(), rule, req.Author, req.ChangeDescription)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, updated)
}

// HandleDeleteRule handles DELETE /v1/rules/{rule_id}.
func (h *Handlers) HandleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "rule_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid rule id")
		return
	}
	if err := h.db.DeleteRule(r.Context(), id); err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"deleted": true})
}

// HandleRuleVersions handles GET /v1/rules/{rule_id}/versions.
func (h *Handlers) HandleRuleVersions(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "rule_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid rule id")
		return
	}
	versions, err := h.db.ListRuleVersions(r.Context(), id)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, versions)
}

// HandleRuleStats handles GET /v1/rules/{rule_id}/stats.
func (h *Handlers) HandleRuleStats(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "rule_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid rule id")
		return
	}
	stats, err := h.db.GetRuleStats(r.Context(), id)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

// HandleListBuckets handles GET /v1/buckets.
func (h *Handlers) HandleListBuckets(w http.ResponseWriter, r *http.Request) {
	buckets, err := h.db.ListBuckets(r.Context())
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, buckets)
}

// HandleGetBucket handles GET /v1/buckets/{bucket_id}.
func (h *Handlers) HandleGetBucket(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "bucket_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid bucket id")
		return
	}
	bucket, err := h.db.GetBucket(r.Context(), id)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, bucket)
}

// HandleRebuildBuckets handles POST /v1/buckets/rebuild. Reclusters the
// whole reference corpus; slow on large corpora.
func (h *Handlers) HandleRebuildBuckets(w http.ResponseWriter, r *http.Request) {
	buckets, err := h.pipeline.RebuildBuckets(r.Context())
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, buckets)
}

// HandleMergeBuckets handles POST /v1/buckets/merge.
func (h *Handlers) HandleMergeBuckets(w http.ResponseWriter, r *http.Request) {
	var req model.MergeBucketsRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if len(req.BucketIDs) < 2 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "merge requires at least two buckets")
		return
	}

	merged, err := h.engine.Merge(r.Context(), req.BucketIDs)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, merged)
}

// HandleSplitBucket handles POST /v1/buckets/{bucket_id}/split. An optional
// body sets the number of parts; it defaults to 2.
func (h *Handlers) HandleSplitBucket(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "bucket_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid bucket id")
		return
	}

	req := model.SplitBucketRequest{Parts: 2}
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
			handleDecodeError(w, r, err)
			return
		}
		if req.Parts == 0 {
			req.Parts = 2
		}
	}

	parts, err := h.engine.SplitBucket(r.Context(), id, req.Parts)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, parts)
}

// HandleValidateBuckets handles GET /v1/buckets/validate.
func (h *Handlers) HandleValidateBuckets(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.Validate(r.Context())
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"clean":  report.Clean(),
		"report": report,
	})
}

// HandleRecomputeCentroids handles POST /v1/buckets/recompute.
func (h *Handlers) HandleRecomputeCentroids(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.RecomputeStale(r.Context())
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"recomputed": n})
}

// HandleAuditEvents handles GET /v1/audit. Supported filters: session_id,
// document_id, event_type, since (RFC 3339), limit.
func (h *Handlers) HandleAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.AuditFilter{
		Kind:  model.AuditEventKind(q.Get("event_type")),
		Limit: queryInt(r, "limit", 100),
	}

	if v := q.Get("session_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid session_id")
			return
		}
		filter.SessionID = &id
	}
	if v := q.Get("document_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid document_id")
			return
		}
		filter.DocumentID = &id
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid since timestamp")
			return
		}
		filter.Since = since
	}

	events, err := h.db.ListAuditEvents(r.Context(), filter)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, events)
}
