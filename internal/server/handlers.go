package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/hanrei/internal/breaker"
	"github.com/ashita-ai/hanrei/internal/cluster"
	"github.com/ashita-ai/hanrei/internal/model"
	"github.com/ashita-ai/hanrei/internal/pipeline"
	"github.com/ashita-ai/hanrei/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	pipeline            *pipeline.Pipeline
	engine              *cluster.Engine
	llmBreaker          *breaker.Breaker
	storeBreaker        *breaker.Breaker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): LLMBreaker, StoreBreaker.
type HandlersDeps struct {
	DB                  *storage.DB
	Pipeline            *pipeline.Pipeline
	Engine              *cluster.Engine
	LLMBreaker          *breaker.Breaker
	StoreBreaker        *breaker.Breaker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		pipeline:            d.Pipeline,
		engine:              d.Engine,
		llmBreaker:          d.LLMBreaker,
		storeBreaker:        d.StoreBreaker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleClassify handles POST /v1/classify.
func (h *Handlers) HandleClassify(w http.ResponseWriter, r *http.Request) {
	var req model.ClassifyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if len(req.Text) > model.MaxDocumentBytes {
		writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput, "document text too large")
		return
	}

	result, err := h.pipeline.Classify(r.Context(), req.Document())
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// HandleClassifyBatch handles POST /v1/classify/batch.
func (h *Handlers) HandleClassifyBatch(w http.ResponseWriter, r *http.Request) {
	var req model.BatchClassifyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if len(req.Documents) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "batch is empty")
		return
	}
	if len(req.Documents) > model.MaxBatchSize {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"batch exceeds "+strconv.Itoa(model.MaxBatchSize)+" documents")
		return
	}

	docs := make([]model.Document, len(req.Documents))
	for i, d := range req.Documents {
		if len(d.Text) > model.MaxDocumentBytes {
			writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput,
				"document "+strconv.Itoa(i)+" text too large")
			return
		}
		docs[i] = d.Document()
	}

	items := h.pipeline.ClassifyBatch(r.Context(), docs)
	out := make([]model.BatchClassifyItem, len(items))
	for i, item := range items {
		out[i] = model.BatchClassifyItem{Index: item.Index}
		result := item.Result
		out[i].Result = &result
		if item.Err != nil {
			out[i].Error = item.Err.Error()
		}
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleReprocess handles POST /v1/classifications/{classification_id}/reprocess.
func (h *Handlers) HandleReprocess(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "classification_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid classification id")
		return
	}

	var req model.ReprocessRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
			handleDecodeError(w, r, err)
			return
		}
	}

	result, err := h.pipeline.Reprocess(r.Context(), id, req.Force)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// HandleGetClassification handles GET /v1/classifications/{classification_id}.
func (h *Handlers) HandleGetClassification(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "classification_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid classification id")
		return
	}

	result, err := h.db.GetClassification(r.Context(), id)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// HandleListClassifications handles GET /v1/documents/{document_id}/classifications.
func (h *Handlers) HandleListClassifications(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "document_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid document id")
		return
	}
	limit := queryInt(r, "limit", 20)

	results, err := h.db.ListClassifications(r.Context(), id, limit+1)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	hasMore := len(results) > limit
	if hasMore {
		results = results[:limit]
	}
	writeList(w, r, results, hasMore, limit, 0)
}

// HandleReview handles POST /v1/classifications/{classification_id}/review.
func (h *Handlers) HandleReview(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "classification_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid classification id")
		return
	}

	var req model.ReviewRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if !model.ValidSeverity(req.FinalLabel) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown severity label")
		return
	}
	if req.ReviewedBy == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "reviewed_by is required")
		return
	}

	if err := h.pipeline.Review(r.Context(), id, req.FinalLabel, req.ReviewedBy); err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"reviewed": true})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]string{}
	status := "ok"

	if err := h.db.Ping(r.Context()); err != nil {
		components["database"] = "down"
		status = "degraded"
	} else {
		components["database"] = "ok"
	}
	if h.llmBreaker != nil {
		components["llm_breaker"] = h.llmBreaker.State()
		if h.llmBreaker.State() == "open" {
			status = "degraded"
		}
	}
	if h.storeBreaker != nil {
		components["store_breaker"] = h.storeBreaker.State()
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, model.HealthResponse{
		Status:     status,
		Version:    h.version,
		UptimeSecs: int64(time.Since(h.startedAt).Seconds()),
		Components: components,
	})
}

// queryInt parses an integer query parameter with a default.
func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}
