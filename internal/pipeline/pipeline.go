// Package pipeline orchestrates the classification flow: document intake,
// embedding, context retrieval, LLM classification, rule overrides,
// confidence calculation, persistence, and the audit trail around it all.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/hanrei/internal/breaker"
	"github.com/ashita-ai/hanrei/internal/classifier"
	"github.com/ashita-ai/hanrei/internal/confidence"
	"github.com/ashita-ai/hanrei/internal/config"
	"github.com/ashita-ai/hanrei/internal/fault"
	"github.com/ashita-ai/hanrei/internal/model"
	"github.com/ashita-ai/hanrei/internal/retrieval"
	"github.com/ashita-ai/hanrei/internal/rules"
	"github.com/ashita-ai/hanrei/internal/service/embedding"
	"github.com/ashita-ai/hanrei/internal/telemetry"
)

// reprocessFreshness is how recent a classification must be for Reprocess
// to refuse without force.
const reprocessFreshness = time.Hour

// batchConcurrency bounds parallel items within a batch.
const batchConcurrency = 4

// Store is the persistence surface the pipeline depends on.
type Store interface {
	CreateDocument(ctx context.Context, d model.Document) (model.Document, error)
	FindDocumentByHash(ctx context.Context, hash string) (model.Document, error)
	GetDocument(ctx context.Context, id uuid.UUID) (model.Document, error)
	UpdateDocumentEmbedding(ctx context.Context, id uuid.UUID, embedding *pgvector.Vector) error
	CreateClassification(ctx context.Context, c model.ClassificationResult) (model.ClassificationResult, error)
	GetClassification(ctx context.Context, id uuid.UUID) (model.ClassificationResult, error)
	LatestClassification(ctx context.Context, documentID uuid.UUID) (model.ClassificationResult, error)
	ReviewClassification(ctx context.Context, id uuid.UUID, finalLabel model.Severity, reviewedBy string) error
	ListActiveRules(ctx context.Context) ([]model.Rule, error)
	RecordRuleApplication(ctx context.Context, ruleID uuid.UUID, overrode bool, confidenceDelta float64) error
	ListBuckets(ctx context.Context) ([]model.Bucket, error)
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string, task embedding.Task) (pgvector.Vector, error)
}

// ContextRetriever assembles reference context for a query embedding,
// either against stored buckets or a caller-supplied snapshot of them.
type ContextRetriever interface {
	GetContext(ctx context.Context, query []float32) (model.ContextBlock, error)
	GetContextAmong(ctx context.Context, query []float32, buckets []model.Bucket) (model.ContextBlock, error)
}

// Labeler produces the raw LLM (or fallback) verdict.
type Labeler interface {
	Classify(ctx context.Context, doc model.Document, renderedContext string) (classifier.Outcome, error)
}

// BucketAssigner places new references into buckets.
type BucketAssigner interface {
	Assign(ctx context.Context, doc model.Document) (uuid.UUID, error)
	Rebuild(ctx context.Context) ([]model.Bucket, error)
	RecomputeStale(ctx context.Context) (int, error)
}

// Calibrator supplies the historical-accuracy confidence factor.
type Calibrator interface {
	FactorFor(ctx context.Context, predicted float64, label model.Severity) float64
	Invalidate()
}

// Pipeline wires the classification stages together.
type Pipeline struct {
	store        Store
	embedder     Embedder
	retriever    ContextRetriever
	labeler      Labeler
	buckets      BucketAssigner
	calculator   *confidence.Calculator
	calibrator   Calibrator
	audit        *Recorder
	storeBreaker *breaker.Breaker
	metrics      *telemetry.PipelineMetrics
	logger       *slog.Logger

	embedTimeout time.Duration
	llmTimeout   time.Duration
	storeTimeout time.Duration
	batchDelay   time.Duration
}

// New creates a Pipeline.
func New(
	store Store,
	embedder Embedder,
	retriever ContextRetriever,
	labeler Labeler,
	buckets BucketAssigner,
	calculator *confidence.Calculator,
	calibrator Calibrator,
	audit *Recorder,
	storeBreaker *breaker.Breaker,
	metrics *telemetry.PipelineMetrics,
	cfg config.Config,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		store:        store,
		embedder:     embedder,
		retriever:    retriever,
		labeler:      labeler,
		buckets:      buckets,
		calculator:   calculator,
		calibrator:   calibrator,
		audit:        audit,
		storeBreaker: storeBreaker,
		metrics:      metrics,
		logger:       logger,
		embedTimeout: cfg.Embedding.Timeout,
		llmTimeout:   cfg.LLM.Timeout,
		storeTimeout: cfg.StoreTimeout,
		batchDelay:   cfg.BatchDelay,
	}
}

// Classify runs the full pipeline for one document. The document is
// persisted first; an identical text (by content hash) reuses the stored
// document instead of failing. The returned result is valid even when its
// persistence failed; that failure is logged and audited, never surfaced.
func (p *Pipeline) Classify(ctx context.Context, doc model.Document) (model.ClassificationResult, error) {
	doc.Role = model.RoleClassification
	doc.SeverityLabel = nil
	if err := doc.Validate(); err != nil {
		return model.ClassificationResult{}, err
	}

	stored, err := p.intakeDocument(ctx, doc)
	if err != nil {
		return model.ClassificationResult{}, err
	}
	return p.classifyStored(ctx, stored, nil)
}

// classifyStored runs the stages for an already-persisted document. A
// non-nil bucket list is used as the retrieval snapshot instead of querying
// storage; batch runs load it once.
func (p *Pipeline) classifyStored(ctx context.Context, doc model.Document, buckets []model.Bucket) (model.ClassificationResult, error) {
	session := p.audit.Session()
	started := time.Now()
	docID := doc.ID

	session.Emit(ctx, model.AuditEvent{
		Kind:       model.EventClassificationStarted,
		DocumentID: &docID,
		Details:    map[string]any{"text_chars": len(doc.Text), "filename": doc.Metadata.Filename},
	})

	block := p.retrieveContext(ctx, session, doc, buckets)

	outcome, err := p.classifyWithTimeout(ctx, doc, block)
	if err != nil {
		p.emitFailure(ctx, session, &docID, "llm", err, time.Since(started))
		return model.ClassificationResult{}, err
	}

	ruleDecision, preOverride := p.applyRules(ctx, session, doc, &outcome)

	calibration := p.calibrator.FactorFor(ctx, outcome.Confidence, outcome.Label)
	confResult := p.calculator.Compute(confidence.Inputs{
		Label:           outcome.Label,
		ModelConfidence: outcome.Confidence,
		Context:         block,
		Rules:           ruleDecision,
		Calibration:     calibration,
	})

	if confResult.Warning != nil {
		session.Emit(ctx, model.AuditEvent{
			Kind:       model.EventConfidenceWarning,
			Severity:   model.AuditWarning,
			DocumentID: &docID,
			Details: map[string]any{
				"level":   confResult.Warning.Level,
				"reasons": confResult.Warning.Reasons,
			},
		})
	}

	result := model.ClassificationResult{
		ID:              uuid.New(),
		DocumentID:      doc.ID,
		Label:           outcome.Label,
		Confidence:      confResult.Confidence,
		Rationale:       outcome.Rationale,
		Evidence:        evidenceFromContext(block),
		PrimaryBucketID: block.PrimaryBucketID,
		AppliedRuleIDs:  ruleDecision.AppliedRuleIDs(),
		Routing:         confResult.Routing,
		Factors:         confResult.Factors,
		Warning:         confResult.Warning,
		ModelVersion:    outcome.ModelVersion,
		Fallback:        outcome.Fallback,
		CreatedAt:       time.Now().UTC(),
	}

	p.recordRuleStats(ctx, ruleDecision, preOverride, result.Confidence-outcome.Confidence)
	p.persistResult(ctx, session, &result)

	elapsed := time.Since(started)
	session.Emit(ctx, model.AuditEvent{
		Kind:             model.EventClassificationCompleted,
		DocumentID:       &docID,
		ClassificationID: &result.ID,
		Trail:            buildTrail(doc, block, outcome, preOverride, ruleDecision, confResult, elapsed),
		Perf:             &model.PerfMetrics{DurationMS: elapsed.Milliseconds()},
	})
	p.countResult(ctx, result, elapsed)

	return result, nil
}

// intakeDocument stores the document, reusing an existing row on a content
// hash collision.
func (p *Pipeline) intakeDocument(ctx context.Context, doc model.Document) (model.Document, error) {
	sctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()

	stored, err := p.store.CreateDocument(sctx, doc)
	if err == nil {
		return stored, nil
	}
	if !fault.Is(err, fault.KindDuplicate) {
		return model.Document{}, err
	}
	existing, ferr := p.store.FindDocumentByHash(sctx, model.ContentHash(doc.Text))
	if ferr != nil {
		return model.Document{}, ferr
	}
	p.logger.Debug("classification input matched existing document", "document_id", existing.ID)
	return existing, nil
}

// retrieveContext embeds the document and assembles reference context.
// Failures degrade to the empty block: classification proceeds without
// context and the confidence calculator penalizes the result.
func (p *Pipeline) retrieveContext(ctx context.Context, session *AuditSession, doc model.Document, buckets []model.Bucket) model.ContextBlock {
	docID := doc.ID

	ectx, cancel := context.WithTimeout(ctx, p.embedTimeout)
	defer cancel()
	vec, err := p.embedder.Embed(ectx, doc.Text, embedding.TaskQuery)
	if err != nil {
		p.logger.Warn("embedding failed, classifying without context", "document_id", doc.ID, "error", err)
		session.EmitError(ctx, model.EventSystemError, &docID, "embedding", err)
		return retrieval.EmptyBlock()
	}

	var block model.ContextBlock
	if buckets != nil {
		block, err = p.retriever.GetContextAmong(ctx, vec.Slice(), buckets)
	} else {
		block, err = p.retriever.GetContext(ctx, vec.Slice())
	}
	if err != nil {
		p.logger.Warn("retrieval failed, classifying without context", "document_id", doc.ID, "error", err)
		session.EmitError(ctx, model.EventSystemError, &docID, "retrieval", err)
		return retrieval.EmptyBlock()
	}

	bucketIDs := make([]string, len(block.Buckets))
	for i, b := range block.Buckets {
		bucketIDs[i] = b.BucketID.String()
	}
	session.Emit(ctx, model.AuditEvent{
		Kind:       model.EventContextRetrieved,
		DocumentID: &docID,
		Details: map[string]any{
			"buckets":          bucketIDs,
			"primary_bucket":   block.PrimaryBucketName,
			"chunks":           len(block.Chunks),
			"total_similarity": block.TotalSimilarity,
		},
	})
	session.Emit(ctx, model.AuditEvent{
		Kind:       model.EventEvidenceCollected,
		DocumentID: &docID,
		Details:    map[string]any{"evidence_count": len(block.Chunks)},
	})
	return block
}

func (p *Pipeline) classifyWithTimeout(ctx context.Context, doc model.Document, block model.ContextBlock) (classifier.Outcome, error) {
	lctx, cancel := context.WithTimeout(ctx, p.llmTimeout)
	defer cancel()
	return p.labeler.Classify(lctx, doc, retrieval.Render(block))
}

// applyRules evaluates the active rule set, mutating the outcome when an
// override wins. Returns the decision and the pre-override label.
func (p *Pipeline) applyRules(ctx context.Context, session *AuditSession, doc model.Document, outcome *classifier.Outcome) (rules.Decision, model.Severity) {
	preOverride := outcome.Label
	docID := doc.ID

	sctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()
	ruleSet, err := p.store.ListActiveRules(sctx)
	if err != nil {
		p.logger.Warn("rule load failed, classifying without rules", "error", err)
		session.EmitError(ctx, model.EventSystemError, &docID, "rules", err)
		return rules.Decision{}, preOverride
	}

	decision := rules.Evaluate(doc, ruleSet)
	for _, a := range decision.Applied {
		ruleID := a.Rule.ID
		session.Emit(ctx, model.AuditEvent{
			Kind:       model.EventRuleApplied,
			DocumentID: &docID,
			RuleID:     &ruleID,
			Details:    map[string]any{"rule_name": a.Rule.Name, "evidence": a.Evidence},
		})
	}

	if decision.Override != nil && *decision.Override != outcome.Label {
		override := *decision.Override
		session.Emit(ctx, model.AuditEvent{
			Kind:       model.EventRuleOverride,
			DocumentID: &docID,
			Details: map[string]any{
				"from": outcome.Label,
				"to":   override,
			},
		})
		outcome.Label = override
		outcome.Rationale = rules.AppendOverrideRationale(outcome.Rationale, decision.Applied)
		if p.metrics != nil {
			p.metrics.RuleOverrides.Add(ctx, 1)
		}
	}
	return decision, preOverride
}

// recordRuleStats updates per-rule usage counters. The delta is the shift
// between the raw model confidence and the final score, attributed to each
// applied rule.
func (p *Pipeline) recordRuleStats(ctx context.Context, d rules.Decision, preOverride model.Severity, confidenceDelta float64) {
	overrode := d.Override != nil && *d.Override != preOverride
	for _, a := range d.Applied {
		sctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
		if err := p.store.RecordRuleApplication(sctx, a.Rule.ID, overrode, confidenceDelta); err != nil {
			p.logger.Warn("rule stats update failed", "rule_id", a.Rule.ID, "error", err)
		}
		cancel()
	}
}

// persistResult stores the classification under the store breaker. A
// persistence failure is logged and audited; the in-memory result is still
// returned to the caller.
func (p *Pipeline) persistResult(ctx context.Context, session *AuditSession, result *model.ClassificationResult) {
	docID := result.DocumentID
	err := p.storeBreaker.Do(func() error {
		sctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
		defer cancel()
		_, err := p.store.CreateClassification(sctx, *result)
		return err
	})
	if err != nil {
		p.logger.Error("classification persistence failed", "classification_id", result.ID, "error", err)
		session.EmitError(ctx, model.EventSystemError, &docID, "persistence", err)
		return
	}
	session.Emit(ctx, model.AuditEvent{
		Kind:             model.EventResultStored,
		DocumentID:       &docID,
		ClassificationID: &result.ID,
	})
}

// BatchItem is one outcome in a batch classification.
type BatchItem struct {
	Index  int
	Result model.ClassificationResult
	Err    error
}

// ClassifyBatch classifies documents concurrently with a bounded pool,
// staggering submissions to avoid a thundering herd on the providers. The
// bucket list is loaded once up front and shared by every item. A failed
// item yields a degraded MEDIUM result routed to triage rather than
// sinking the batch.
func (p *Pipeline) ClassifyBatch(ctx context.Context, docs []model.Document) []BatchItem {
	buckets := p.loadBuckets(ctx)

	items := make([]BatchItem, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)

	for i, doc := range docs {
		if i > 0 {
			select {
			case <-time.After(p.batchDelay):
			case <-gctx.Done():
			}
		}
		g.Go(func() error {
			result, err := p.classifyBatchItem(gctx, doc, buckets)
			if err != nil {
				p.logger.Error("batch item failed", "index", i, "error", err)
				items[i] = BatchItem{Index: i, Result: degradedResult(doc, err), Err: err}
				return nil
			}
			items[i] = BatchItem{Index: i, Result: result}
			return nil
		})
	}
	_ = g.Wait()
	return items
}

// loadBuckets snapshots the bucket list for a batch. On failure each item
// falls back to its own storage-backed selection.
func (p *Pipeline) loadBuckets(ctx context.Context) []model.Bucket {
	sctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()
	buckets, err := p.store.ListBuckets(sctx)
	if err != nil {
		p.logger.Warn("bucket snapshot failed, batch items will select individually", "error", err)
		return nil
	}
	return buckets
}

func (p *Pipeline) classifyBatchItem(ctx context.Context, doc model.Document, buckets []model.Bucket) (model.ClassificationResult, error) {
	doc.Role = model.RoleClassification
	doc.SeverityLabel = nil
	if err := doc.Validate(); err != nil {
		return model.ClassificationResult{}, err
	}
	stored, err := p.intakeDocument(ctx, doc)
	if err != nil {
		return model.ClassificationResult{}, err
	}
	return p.classifyStored(ctx, stored, buckets)
}

// degradedResult is the placeholder for a batch item whose pipeline run
// failed outright: MEDIUM at zero confidence, routed to triage, with the
// failure spelled out in the rationale.
func degradedResult(doc model.Document, cause error) model.ClassificationResult {
	return model.ClassificationResult{
		ID:         uuid.New(),
		DocumentID: doc.ID,
		Label:      model.SeverityMedium,
		Confidence: 0,
		Rationale:  fmt.Sprintf("Classification failed (%s); defaulted to MEDIUM pending manual triage.", cause),
		Routing:    model.RouteHumanTriage,
		Fallback:   true,
		CreatedAt:  time.Now().UTC(),
	}
}

// Reprocess reruns classification for the document behind a prior
// classification. When that classification is newer than an hour it is
// returned as-is unless force is set.
func (p *Pipeline) Reprocess(ctx context.Context, classificationID uuid.UUID, force bool) (model.ClassificationResult, error) {
	prior, err := p.store.GetClassification(ctx, classificationID)
	if err != nil {
		return model.ClassificationResult{}, err
	}
	doc, err := p.store.GetDocument(ctx, prior.DocumentID)
	if err != nil {
		return model.ClassificationResult{}, err
	}

	if !force && time.Since(prior.CreatedAt) < reprocessFreshness {
		p.logger.Debug("reprocess skipped, classification is recent",
			"classification_id", classificationID)
		return prior, nil
	}

	session := p.audit.Session()
	started := time.Now()
	docID := doc.ID
	session.Emit(ctx, model.AuditEvent{
		Kind:             model.EventReprocessingStarted,
		DocumentID:       &docID,
		ClassificationID: &classificationID,
		Details:          map[string]any{"force": force},
	})

	result, err := p.classifyStored(ctx, doc, nil)
	if err != nil {
		p.emitFailure(ctx, session, &docID, "reprocess", err, time.Since(started))
		return model.ClassificationResult{}, err
	}

	session.Emit(ctx, model.AuditEvent{
		Kind:             model.EventReprocessingCompleted,
		DocumentID:       &docID,
		ClassificationID: &result.ID,
		Details: map[string]any{
			"old_label":        prior.Label,
			"new_label":        result.Label,
			"confidence_delta": result.Confidence - prior.Confidence,
		},
	})
	return result, nil
}

// emitFailure records a classification_failed event carrying the error kind,
// message, and how long the run took before dying.
func (p *Pipeline) emitFailure(ctx context.Context, session *AuditSession, docID *uuid.UUID, stage string, err error, elapsed time.Duration) {
	session.Emit(ctx, model.AuditEvent{
		Kind:       model.EventClassificationFailed,
		Severity:   model.AuditError,
		DocumentID: docID,
		Error: &model.ErrorRecord{
			Type:    string(fault.KindOf(err)),
			Message: err.Error(),
			Context: stage,
		},
		Perf: &model.PerfMetrics{DurationMS: elapsed.Milliseconds()},
	})
}

// AddReference ingests a labeled reference document: dedup, embed, persist
// the vector, and place it into a bucket.
func (p *Pipeline) AddReference(ctx context.Context, doc model.Document) (model.Document, error) {
	doc.Role = model.RoleReference
	if err := doc.Validate(); err != nil {
		return model.Document{}, err
	}

	sctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	stored, err := p.store.CreateDocument(sctx, doc)
	cancel()
	if err != nil {
		return model.Document{}, err
	}

	ectx, cancel := context.WithTimeout(ctx, p.embedTimeout)
	vec, err := p.embedder.Embed(ectx, stored.Text, embedding.TaskDocument)
	cancel()
	if err != nil {
		// The reference is stored but unusable for retrieval until embedded;
		// a later bucket rebuild will pick it up once embedding succeeds.
		p.logger.Error("reference embedding failed", "document_id", stored.ID, "error", err)
		return stored, fault.Wrap(fault.KindOf(err), err, "pipeline: embed reference")
	}
	stored.Embedding = &vec

	sctx, cancel = context.WithTimeout(ctx, p.storeTimeout)
	err = p.store.UpdateDocumentEmbedding(sctx, stored.ID, stored.Embedding)
	cancel()
	if err != nil {
		return stored, err
	}

	bucketID, err := p.buckets.Assign(ctx, stored)
	if err != nil {
		return stored, err
	}

	session := p.audit.Session()
	docID := stored.ID
	session.Emit(ctx, model.AuditEvent{
		Kind:       model.EventBucketUpdated,
		DocumentID: &docID,
		BucketID:   &bucketID,
		Details:    map[string]any{"action": "member_added"},
	})
	return stored, nil
}

// RebuildBuckets reclusters the reference corpus.
func (p *Pipeline) RebuildBuckets(ctx context.Context) ([]model.Bucket, error) {
	buckets, err := p.buckets.Rebuild(ctx)
	if err != nil {
		return nil, err
	}
	session := p.audit.Session()
	for _, b := range buckets {
		bucketID := b.ID
		session.Emit(ctx, model.AuditEvent{
			Kind:     model.EventBucketCreated,
			BucketID: &bucketID,
			Details:  map[string]any{"name": b.Name, "documents": b.DocumentCount},
		})
	}
	return buckets, nil
}

// Review records a human reviewer's final label and invalidates the
// calibration snapshot so the feedback takes effect promptly.
func (p *Pipeline) Review(ctx context.Context, classificationID uuid.UUID, finalLabel model.Severity, reviewedBy string) error {
	sctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()
	if err := p.store.ReviewClassification(sctx, classificationID, finalLabel, reviewedBy); err != nil {
		return err
	}
	p.calibrator.Invalidate()
	return nil
}

// evidenceFromContext converts retrieval chunks into stored evidence,
// capping each chunk's text.
func evidenceFromContext(block model.ContextBlock) []model.Evidence {
	if block.Empty() {
		return []model.Evidence{}
	}
	out := make([]model.Evidence, len(block.Chunks))
	for i, ch := range block.Chunks {
		text := ch.Text
		if len(text) > model.MaxEvidenceChars {
			text = text[:model.MaxEvidenceChars]
		}
		out[i] = model.Evidence{
			SourceDocumentID: ch.SourceDocumentID,
			ChunkText:        text,
			Similarity:       ch.Similarity,
			BucketID:         ch.BucketID,
		}
	}
	return out
}

func buildTrail(doc model.Document, block model.ContextBlock, outcome classifier.Outcome, llmLabel model.Severity, d rules.Decision, conf confidence.Result, elapsed time.Duration) *model.DecisionTrail {
	bucketIDs := make([]uuid.UUID, len(block.Buckets))
	evidenceCounts := make(map[string]int, len(block.Buckets))
	for i, b := range block.Buckets {
		bucketIDs[i] = b.BucketID
	}
	for _, ch := range block.Chunks {
		evidenceCounts[ch.BucketID.String()]++
	}

	summary := doc.Text
	if len(summary) > 200 {
		summary = summary[:200] + "..."
	}
	return &model.DecisionTrail{
		InputSummary:      summary,
		SelectedBucketIDs: bucketIDs,
		BucketEvidence:    evidenceCounts,
		LLMLabel:          llmLabel,
		LLMConfidence:     outcome.Confidence,
		LLMRationale:      outcome.Rationale,
		Factors:           conf.Factors,
		FinalLabel:        outcome.Label,
		FinalConfidence:   conf.Confidence,
		Routing:           conf.Routing,
		ProcessingMS:      elapsed.Milliseconds(),
	}
}

func (p *Pipeline) countResult(ctx context.Context, result model.ClassificationResult, elapsed time.Duration) {
	if p.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("label", string(result.Label)),
		attribute.String("routing", string(result.Routing)),
	)
	p.metrics.Classifications.Add(ctx, 1, attrs)
	p.metrics.PipelineDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	if result.Fallback {
		p.metrics.Fallbacks.Add(ctx, 1)
	}
	if result.Warning != nil {
		p.metrics.Warnings.Add(ctx, 1,
			metric.WithAttributes(attribute.String("level", string(result.Warning.Level))))
	}
}
