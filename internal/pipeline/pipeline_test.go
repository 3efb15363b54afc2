package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hanrei/internal/breaker"
	"github.com/ashita-ai/hanrei/internal/classifier"
	"github.com/ashita-ai/hanrei/internal/confidence"
	"github.com/ashita-ai/hanrei/internal/config"
	"github.com/ashita-ai/hanrei/internal/fault"
	"github.com/ashita-ai/hanrei/internal/model"
	"github.com/ashita-ai/hanrei/internal/service/embedding"
)

type fakeStore struct {
	mu              sync.Mutex
	documents       map[uuid.UUID]model.Document
	byHash          map[string]uuid.UUID
	classifications []model.ClassificationResult
	activeRules     []model.Rule
	ruleHits        []uuid.UUID
	latest          map[uuid.UUID]model.ClassificationResult
	reviewed        []uuid.UUID
	buckets         []model.Bucket
	listBucketCalls int

	failCreateClassification bool
	failEmbeddingUpdate      bool
	embeddingUpdates         int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		documents: map[uuid.UUID]model.Document{},
		byHash:    map[string]uuid.UUID{},
		latest:    map[uuid.UUID]model.ClassificationResult{},
	}
}

func (f *fakeStore) CreateDocument(_ context.Context, d model.Document) (model.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hash := model.ContentHash(d.Text)
	if _, dup := f.byHash[hash]; dup {
		return model.Document{}, fault.New(fault.KindDuplicate, "document exists")
	}
	d.ID = uuid.New()
	d.ContentHash = hash
	d.CreatedAt = time.Now().UTC()
	f.documents[d.ID] = d
	f.byHash[hash] = d.ID
	return d, nil
}

func (f *fakeStore) FindDocumentByHash(_ context.Context, hash string) (model.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byHash[hash]
	if !ok {
		return model.Document{}, fault.New(fault.KindNotFound, "no document with hash")
	}
	return f.documents[id], nil
}

func (f *fakeStore) GetDocument(_ context.Context, id uuid.UUID) (model.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.documents[id]
	if !ok {
		return model.Document{}, fault.New(fault.KindNotFound, "document %s", id)
	}
	return d, nil
}

func (f *fakeStore) UpdateDocumentEmbedding(_ context.Context, id uuid.UUID, embedding *pgvector.Vector) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failEmbeddingUpdate {
		return fault.New(fault.KindUnavailable, "store down")
	}
	d := f.documents[id]
	d.Embedding = embedding
	f.documents[id] = d
	f.embeddingUpdates++
	return nil
}

func (f *fakeStore) CreateClassification(_ context.Context, c model.ClassificationResult) (model.ClassificationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreateClassification {
		return model.ClassificationResult{}, fault.New(fault.KindUnavailable, "store down")
	}
	f.classifications = append(f.classifications, c)
	f.latest[c.DocumentID] = c
	return c, nil
}

func (f *fakeStore) GetClassification(_ context.Context, id uuid.UUID) (model.ClassificationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.classifications {
		if c.ID == id {
			return c, nil
		}
	}
	return model.ClassificationResult{}, fault.New(fault.KindNotFound, "classification %s", id)
}

func (f *fakeStore) LatestClassification(_ context.Context, documentID uuid.UUID) (model.ClassificationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.latest[documentID]
	if !ok {
		return model.ClassificationResult{}, fault.New(fault.KindNotFound, "no classification for document")
	}
	return c, nil
}

func (f *fakeStore) ReviewClassification(_ context.Context, id uuid.UUID, _ model.Severity, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reviewed = append(f.reviewed, id)
	return nil
}

func (f *fakeStore) ListActiveRules(_ context.Context) ([]model.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeRules, nil
}

func (f *fakeStore) RecordRuleApplication(_ context.Context, ruleID uuid.UUID, _ bool, _ float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ruleHits = append(f.ruleHits, ruleID)
	return nil
}

func (f *fakeStore) ListBuckets(_ context.Context) ([]model.Bucket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listBucketCalls++
	return f.buckets, nil
}

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	tasks []embedding.Task
	fail  bool
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string, task embedding.Task) (pgvector.Vector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.tasks = append(f.tasks, task)
	if f.fail {
		return pgvector.Vector{}, fault.New(fault.KindUnavailable, "embedding provider down")
	}
	return pgvector.NewVector([]float32{1, 0, 0}), nil
}

type fakeRetriever struct {
	mu         sync.Mutex
	block      model.ContextBlock
	amongCalls int
}

func (f *fakeRetriever) GetContext(_ context.Context, _ []float32) (model.ContextBlock, error) {
	return f.block, nil
}

func (f *fakeRetriever) GetContextAmong(_ context.Context, _ []float32, _ []model.Bucket) (model.ContextBlock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.amongCalls++
	return f.block, nil
}

type fakeLabeler struct {
	mu      sync.Mutex
	calls   int
	outcome classifier.Outcome
	err     error
}

func (f *fakeLabeler) Classify(_ context.Context, _ model.Document, _ string) (classifier.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return classifier.Outcome{}, f.err
	}
	return f.outcome, nil
}

type fakeBuckets struct {
	assigned  []uuid.UUID
	rebuilt   []model.Bucket
	assignErr error
}

func (f *fakeBuckets) Assign(_ context.Context, doc model.Document) (uuid.UUID, error) {
	if f.assignErr != nil {
		return uuid.Nil, f.assignErr
	}
	id := uuid.New()
	f.assigned = append(f.assigned, doc.ID)
	return id, nil
}

func (f *fakeBuckets) Rebuild(_ context.Context) ([]model.Bucket, error) {
	return f.rebuilt, nil
}

func (f *fakeBuckets) RecomputeStale(_ context.Context) (int, error) { return 0, nil }

type fakeCalibrator struct {
	factor      float64
	invalidated int
}

func (f *fakeCalibrator) FactorFor(_ context.Context, _ float64, _ model.Severity) float64 {
	return f.factor
}

func (f *fakeCalibrator) Invalidate() { f.invalidated++ }

type memorySink struct {
	mu     sync.Mutex
	events []model.AuditEvent
}

func (m *memorySink) AppendAuditEvent(_ context.Context, e model.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memorySink) kinds() []model.AuditEventKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.AuditEventKind, len(m.events))
	for i, e := range m.events {
		out[i] = e.Kind
	}
	return out
}

func (m *memorySink) has(kind model.AuditEventKind) bool {
	for _, k := range m.kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

type fixture struct {
	pipeline   *Pipeline
	store      *fakeStore
	embedder   *fakeEmbedder
	retriever  *fakeRetriever
	labeler    *fakeLabeler
	buckets    *fakeBuckets
	calibrator *fakeCalibrator
	sink       *memorySink
}

func newFixture() *fixture {
	logger := slog.New(slog.DiscardHandler)
	cfg := config.Config{
		StoreTimeout: 2 * time.Second,
		BatchDelay:   time.Millisecond,
	}
	cfg.Embedding.Timeout = 2 * time.Second
	cfg.LLM.Timeout = 2 * time.Second
	cfg.Confidence = config.ConfidenceConfig{
		WeightModel:       0.40,
		WeightSimilarity:  0.25,
		WeightRules:       0.20,
		WeightEvidence:    0.10,
		WeightCalibration: 0.05,
	}

	f := &fixture{
		store:     newFakeStore(),
		embedder:  &fakeEmbedder{},
		retriever: &fakeRetriever{block: strongContext(model.SeverityHigh)},
		labeler: &fakeLabeler{outcome: classifier.Outcome{
			Label:        model.SeverityHigh,
			Confidence:   0.95,
			Rationale:    "Material breach with liquidated damages exposure.",
			ModelVersion: "gemini-2.0-flash",
		}},
		buckets:    &fakeBuckets{},
		calibrator: &fakeCalibrator{factor: 1.0},
		sink:       &memorySink{},
	}
	f.pipeline = New(
		f.store,
		f.embedder,
		f.retriever,
		f.labeler,
		f.buckets,
		confidence.NewCalculator(cfg.Confidence, logger),
		f.calibrator,
		NewRecorder(f.sink, logger),
		breaker.New("store", config.BreakerConfig{
			FailureThreshold: 3,
			RecoveryTimeout:  time.Minute,
			HalfOpenMaxCalls: 1,
		}, logger),
		nil,
		cfg,
		logger,
	)
	return f
}

func strongContext(label model.Severity) model.ContextBlock {
	bucketID := uuid.New()
	block := model.ContextBlock{
		PrimaryBucketID:   bucketID,
		PrimaryBucketName: "bucket_01",
		Buckets:           []model.BucketSummary{{BucketID: bucketID, Name: "bucket_01", Similarity: 0.9}},
	}
	for _, sim := range []float64{0.92, 0.9, 0.88, 0.86, 0.85} {
		block.Chunks = append(block.Chunks, model.ContextChunk{
			SourceDocumentID: uuid.New(),
			SourceSeverity:   label,
			BucketID:         bucketID,
			Text:             "breach of contract precedent text",
			Similarity:       sim,
		})
		block.TotalSimilarity += sim
	}
	return block
}

func inputDocument(text string) model.Document {
	return model.Document{
		Text:     text,
		Metadata: model.DocumentMetadata{Filename: "notice.pdf"},
	}
}

func TestClassifyHappyPath(t *testing.T) {
	f := newFixture()
	result, err := f.pipeline.Classify(context.Background(), inputDocument("The vendor committed a material breach of section 4."))
	require.NoError(t, err)

	assert.Equal(t, model.SeverityHigh, result.Label)
	assert.False(t, result.Fallback)
	assert.Greater(t, result.Confidence, 0.8)
	assert.Len(t, result.Evidence, 5)

	require.Len(t, f.store.classifications, 1)
	assert.Equal(t, result.ID, f.store.classifications[0].ID)

	assert.True(t, f.sink.has(model.EventClassificationStarted))
	assert.True(t, f.sink.has(model.EventContextRetrieved))
	assert.True(t, f.sink.has(model.EventEvidenceCollected))
	assert.True(t, f.sink.has(model.EventResultStored))
	assert.True(t, f.sink.has(model.EventClassificationCompleted))
}

func TestClassifySessionEventsAreSequenced(t *testing.T) {
	f := newFixture()
	_, err := f.pipeline.Classify(context.Background(), inputDocument("Sequencing check."))
	require.NoError(t, err)

	require.NotEmpty(t, f.sink.events)
	session := f.sink.events[0].SessionID
	require.NotNil(t, session)
	for i, e := range f.sink.events {
		require.NotNil(t, e.SessionID)
		assert.Equal(t, *session, *e.SessionID)
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestClassifyDuplicateInputReusesDocument(t *testing.T) {
	f := newFixture()
	first, err := f.pipeline.Classify(context.Background(), inputDocument("Identical text."))
	require.NoError(t, err)

	second, err := f.pipeline.Classify(context.Background(), inputDocument("Identical   text."))
	require.NoError(t, err)
	assert.Equal(t, first.DocumentID, second.DocumentID)
	assert.Len(t, f.store.documents, 1)
}

func TestClassifyEmbeddingFailureDegradesToEmptyContext(t *testing.T) {
	f := newFixture()
	f.embedder.fail = true

	result, err := f.pipeline.Classify(context.Background(), inputDocument("Unembeddable."))
	require.NoError(t, err)

	assert.Empty(t, result.Evidence)
	require.NotNil(t, result.Warning)
	assert.True(t, result.Warning.HasReason(model.ReasonInsufficientContext))
	assert.True(t, f.sink.has(model.EventSystemError))
}

func TestClassifyLLMFailurePropagates(t *testing.T) {
	f := newFixture()
	f.labeler.err = fault.New(fault.KindInternal, "no verdict")

	_, err := f.pipeline.Classify(context.Background(), inputDocument("Doomed."))
	require.Error(t, err)
	assert.True(t, f.sink.has(model.EventClassificationFailed))
	assert.Empty(t, f.store.classifications)
}

func TestClassifyPersistenceFailureStillReturnsResult(t *testing.T) {
	f := newFixture()
	f.store.failCreateClassification = true

	result, err := f.pipeline.Classify(context.Background(), inputDocument("Persist me."))
	require.NoError(t, err)
	assert.Equal(t, model.SeverityHigh, result.Label)

	assert.False(t, f.sink.has(model.EventResultStored))
	assert.True(t, f.sink.has(model.EventSystemError))
	assert.True(t, f.sink.has(model.EventClassificationCompleted))
}

func TestClassifyRuleOverrideRewritesLabel(t *testing.T) {
	f := newFixture()
	rule := model.Rule{
		ID:   uuid.New(),
		Name: "Fraud always critical",
		Conditions: []model.Condition{
			{Field: model.FieldText, Operator: model.OpContains, Value: "fraud"},
		},
		ConditionLogic:   model.LogicAnd,
		SeverityOverride: model.SeverityCritical,
		Priority:         90,
		Active:           true,
	}
	f.store.activeRules = []model.Rule{rule}

	result, err := f.pipeline.Classify(context.Background(), inputDocument("Allegations of fraud in procurement."))
	require.NoError(t, err)

	assert.Equal(t, model.SeverityCritical, result.Label)
	assert.Contains(t, result.Rationale, "Rule Overrides Applied: Fraud always critical")
	assert.Contains(t, result.Rationale, `text contains "fraud"`)
	assert.Equal(t, []uuid.UUID{rule.ID}, result.AppliedRuleIDs)
	assert.Equal(t, []uuid.UUID{rule.ID}, f.store.ruleHits)
	assert.True(t, f.sink.has(model.EventRuleApplied))
	assert.True(t, f.sink.has(model.EventRuleOverride))
}

func TestClassifyRuleAgreeingWithModelDoesNotOverride(t *testing.T) {
	f := newFixture()
	rule := model.Rule{
		ID:   uuid.New(),
		Name: "Breach is high",
		Conditions: []model.Condition{
			{Field: model.FieldText, Operator: model.OpContains, Value: "breach"},
		},
		ConditionLogic:   model.LogicAnd,
		SeverityOverride: model.SeverityHigh,
		Priority:         50,
		Active:           true,
	}
	f.store.activeRules = []model.Rule{rule}

	result, err := f.pipeline.Classify(context.Background(), inputDocument("Material breach of warranty."))
	require.NoError(t, err)

	assert.Equal(t, model.SeverityHigh, result.Label)
	assert.NotContains(t, result.Rationale, "Rule Overrides Applied")
	assert.False(t, f.sink.has(model.EventRuleOverride))
	assert.True(t, f.sink.has(model.EventRuleApplied))
}

func TestClassifyBatchDegradesFailedItems(t *testing.T) {
	f := newFixture()
	docs := []model.Document{
		inputDocument("First valid document."),
		inputDocument(""),
		inputDocument("Third valid document."),
	}

	items := f.pipeline.ClassifyBatch(context.Background(), docs)
	require.Len(t, items, 3)

	assert.NoError(t, items[0].Err)
	assert.Equal(t, model.SeverityHigh, items[0].Result.Label)

	require.Error(t, items[1].Err)
	assert.Equal(t, model.SeverityMedium, items[1].Result.Label)
	assert.Equal(t, model.RouteHumanTriage, items[1].Result.Routing)
	assert.Zero(t, items[1].Result.Confidence)
	// The degraded rationale carries the actual failure, not a stock phrase.
	assert.Contains(t, items[1].Result.Rationale, items[1].Err.Error())

	assert.NoError(t, items[2].Err)
}

func TestClassifyBatchSharesBucketSnapshot(t *testing.T) {
	f := newFixture()
	f.store.buckets = []model.Bucket{{ID: uuid.New(), Name: "bucket_01"}}
	docs := []model.Document{
		inputDocument("First batch document."),
		inputDocument("Second batch document."),
		inputDocument("Third batch document."),
	}

	items := f.pipeline.ClassifyBatch(context.Background(), docs)
	require.Len(t, items, 3)
	for _, it := range items {
		assert.NoError(t, it.Err)
	}

	// Buckets are listed once for the whole batch and every item retrieves
	// against that snapshot.
	assert.Equal(t, 1, f.store.listBucketCalls)
	assert.Equal(t, 3, f.retriever.amongCalls)
}

func TestReprocessSkipsFreshResult(t *testing.T) {
	f := newFixture()
	first, err := f.pipeline.Classify(context.Background(), inputDocument("Reprocess me."))
	require.NoError(t, err)
	llmCalls := f.labeler.calls

	again, err := f.pipeline.Reprocess(context.Background(), first.ID, false)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, llmCalls, f.labeler.calls)
}

func TestReprocessForceReruns(t *testing.T) {
	f := newFixture()
	first, err := f.pipeline.Classify(context.Background(), inputDocument("Reprocess me."))
	require.NoError(t, err)

	again, err := f.pipeline.Reprocess(context.Background(), first.ID, true)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, again.ID)
	assert.True(t, f.sink.has(model.EventReprocessingStarted))
	assert.True(t, f.sink.has(model.EventReprocessingCompleted))
}

func TestReprocessCompletionRecordsLabelShift(t *testing.T) {
	f := newFixture()
	first, err := f.pipeline.Classify(context.Background(), inputDocument("Reprocess me."))
	require.NoError(t, err)

	// The model changed its mind between runs.
	f.labeler.mu.Lock()
	f.labeler.outcome.Label = model.SeverityMedium
	f.labeler.outcome.Confidence = 0.7
	f.labeler.mu.Unlock()

	again, err := f.pipeline.Reprocess(context.Background(), first.ID, true)
	require.NoError(t, err)
	assert.Equal(t, model.SeverityMedium, again.Label)

	var details map[string]any
	for _, e := range f.sink.events {
		if e.Kind == model.EventReprocessingCompleted {
			details = e.Details
		}
	}
	require.NotNil(t, details)
	assert.Equal(t, first.Label, details["old_label"])
	assert.Equal(t, again.Label, details["new_label"])
	assert.InDelta(t, again.Confidence-first.Confidence, details["confidence_delta"].(float64), 1e-9)
}

func TestReprocessUnknownClassification(t *testing.T) {
	f := newFixture()
	_, err := f.pipeline.Reprocess(context.Background(), uuid.New(), true)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindNotFound))
}

func TestAddReferenceEmbedsAndAssigns(t *testing.T) {
	f := newFixture()
	label := model.SeverityHigh
	doc := model.Document{
		Text:          "Reference precedent on liquidated damages.",
		SeverityLabel: &label,
		Metadata:      model.DocumentMetadata{Filename: "precedent.txt"},
	}

	stored, err := f.pipeline.AddReference(context.Background(), doc)
	require.NoError(t, err)
	require.NotNil(t, stored.Embedding)
	assert.Equal(t, 1, f.store.embeddingUpdates)
	assert.Equal(t, []uuid.UUID{stored.ID}, f.buckets.assigned)
	assert.True(t, f.sink.has(model.EventBucketUpdated))
}

func TestAddReferenceDuplicatePropagates(t *testing.T) {
	f := newFixture()
	label := model.SeverityLow
	doc := model.Document{Text: "Routine renewal notice.", SeverityLabel: &label}

	_, err := f.pipeline.AddReference(context.Background(), doc)
	require.NoError(t, err)

	_, err = f.pipeline.AddReference(context.Background(), doc)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindDuplicate))
}

func TestAddReferenceWithoutLabelRejected(t *testing.T) {
	f := newFixture()
	_, err := f.pipeline.AddReference(context.Background(), model.Document{Text: "Unlabeled."})
	require.Error(t, err)
}

func TestRebuildBucketsEmitsEvents(t *testing.T) {
	f := newFixture()
	f.buckets.rebuilt = []model.Bucket{
		{ID: uuid.New(), Name: "bucket_01", DocumentCount: 12},
		{ID: uuid.New(), Name: "bucket_02", DocumentCount: 7},
	}

	buckets, err := f.pipeline.RebuildBuckets(context.Background())
	require.NoError(t, err)
	assert.Len(t, buckets, 2)

	created := 0
	for _, k := range f.sink.kinds() {
		if k == model.EventBucketCreated {
			created++
		}
	}
	assert.Equal(t, 2, created)
}

func TestReviewInvalidatesCalibration(t *testing.T) {
	f := newFixture()
	first, err := f.pipeline.Classify(context.Background(), inputDocument("Review target."))
	require.NoError(t, err)

	err = f.pipeline.Review(context.Background(), first.ID, model.SeverityMedium, "analyst@example.com")
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{first.ID}, f.store.reviewed)
	assert.Equal(t, 1, f.calibrator.invalidated)
}

func TestDecisionTrailOnCompletion(t *testing.T) {
	f := newFixture()
	text := strings.Repeat("Long input document about contractual breach. ", 20)
	_, err := f.pipeline.Classify(context.Background(), inputDocument(text))
	require.NoError(t, err)

	var trail *model.DecisionTrail
	for _, e := range f.sink.events {
		if e.Kind == model.EventClassificationCompleted {
			trail = e.Trail
		}
	}
	require.NotNil(t, trail)
	assert.Equal(t, model.SeverityHigh, trail.LLMLabel)
	assert.Equal(t, model.SeverityHigh, trail.FinalLabel)
	assert.LessOrEqual(t, len(trail.InputSummary), 203)
	assert.Len(t, trail.SelectedBucketIDs, 1)
}

func TestDecisionTrailKeepsRawLLMLabelUnderOverride(t *testing.T) {
	f := newFixture()
	f.store.activeRules = []model.Rule{{
		ID:   uuid.New(),
		Name: "Fraud always critical",
		Conditions: []model.Condition{
			{Field: model.FieldText, Operator: model.OpContains, Value: "fraud"},
		},
		ConditionLogic:   model.LogicAnd,
		SeverityOverride: model.SeverityCritical,
		Priority:         90,
		Active:           true,
	}}

	_, err := f.pipeline.Classify(context.Background(), inputDocument("Allegations of fraud in procurement."))
	require.NoError(t, err)

	var trail *model.DecisionTrail
	for _, e := range f.sink.events {
		if e.Kind == model.EventClassificationCompleted {
			trail = e.Trail
		}
	}
	require.NotNil(t, trail)
	// The trail records what the model said and what the rules made of it.
	assert.Equal(t, model.SeverityHigh, trail.LLMLabel)
	assert.Equal(t, model.SeverityCritical, trail.FinalLabel)
}

func TestClassifyFailureEventCarriesErrorAndTiming(t *testing.T) {
	f := newFixture()
	f.labeler.err = fault.New(fault.KindInternal, "no verdict")

	_, err := f.pipeline.Classify(context.Background(), inputDocument("Doomed."))
	require.Error(t, err)

	var failed *model.AuditEvent
	for i, e := range f.sink.events {
		if e.Kind == model.EventClassificationFailed {
			failed = &f.sink.events[i]
		}
	}
	require.NotNil(t, failed)
	require.NotNil(t, failed.Error)
	assert.Equal(t, string(fault.KindInternal), failed.Error.Type)
	assert.Contains(t, failed.Error.Message, "no verdict")
	require.NotNil(t, failed.Perf)
	assert.GreaterOrEqual(t, failed.Perf.DurationMS, int64(0))
}

func TestClassifyEmbedsWithQueryTask(t *testing.T) {
	f := newFixture()
	_, err := f.pipeline.Classify(context.Background(), inputDocument("Task hint check."))
	require.NoError(t, err)
	require.NotEmpty(t, f.embedder.tasks)
	assert.Equal(t, embedding.TaskQuery, f.embedder.tasks[0])
}

func TestAddReferenceEmbedsWithDocumentTask(t *testing.T) {
	f := newFixture()
	label := model.SeverityHigh
	_, err := f.pipeline.AddReference(context.Background(), model.Document{
		Text:          "Reference precedent on indemnification.",
		SeverityLabel: &label,
	})
	require.NoError(t, err)
	require.NotEmpty(t, f.embedder.tasks)
	assert.Equal(t, embedding.TaskDocument, f.embedder.tasks[0])
}
