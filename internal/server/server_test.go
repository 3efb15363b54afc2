package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/hanrei/internal/auth"
	"github.com/ashita-ai/hanrei/internal/breaker"
	"github.com/ashita-ai/hanrei/internal/classifier"
	"github.com/ashita-ai/hanrei/internal/cluster"
	"github.com/ashita-ai/hanrei/internal/confidence"
	"github.com/ashita-ai/hanrei/internal/config"
	"github.com/ashita-ai/hanrei/internal/model"
	"github.com/ashita-ai/hanrei/internal/pipeline"
	"github.com/ashita-ai/hanrei/internal/retrieval"
	"github.com/ashita-ai/hanrei/internal/server"
	"github.com/ashita-ai/hanrei/internal/service/embedding"
	"github.com/ashita-ai/hanrei/internal/storage"
	"github.com/ashita-ai/hanrei/migrations"
)

const testAPIKey = "integration-test-key"

var (
	testSrv       *httptest.Server
	testcontainer testcontainers.Container
)

// foldProvider derives a small deterministic vector from the text so that
// distinct references cluster without a real embedding model.
type foldProvider struct {
	dims int
}

func (p *foldProvider) Dimensions() int { return p.dims }

func (p *foldProvider) ModelID() string { return "fold-test" }

func (p *foldProvider) Embed(_ context.Context, text string, _ embedding.Task) (pgvector.Vector, error) {
	v := make([]float32, p.dims)
	for i := 0; i < len(text); i++ {
		v[i%p.dims] += float32(text[i]%31) + 1
	}
	return pgvector.NewVector(v), nil
}

func (p *foldProvider) EmbedBatch(ctx context.Context, texts []string, task embedding.Task) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i, text := range texts {
		v, err := p.Embed(ctx, text, task)
		if err != nil {
			return nil, err
		}
		vecs[i] = v
	}
	return vecs, nil
}

// stubLabeler stands in for the LLM so tests exercise the full HTTP and
// persistence path without a provider key.
type stubLabeler struct{}

func (stubLabeler) Classify(_ context.Context, _ model.Document, _ string) (classifier.Outcome, error) {
	return classifier.Outcome{
		Label:        model.SeverityHigh,
		Confidence:   0.9,
		Rationale:    "Stub verdict for integration tests.",
		ModelVersion: "stub-v1",
	}, nil
}

func TestMain(m *testing.M) {
	ctx, cancel := context.WithCancel(context.Background())

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg17",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "hanrei",
			"POSTGRES_PASSWORD": "hanrei",
			"POSTGRES_DB":       "hanrei",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	var err error
	testcontainer, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, _ := testcontainer.Host(ctx)
	port, _ := testcontainer.MappedPort(ctx, "5432")
	dsn := fmt.Sprintf("postgres://hanrei:hanrei@%s:%s/hanrei?sslmode=disable", host, port.Port())

	// Enable the extension before creating the storage layer so pgvector
	// types get registered on the pool's AfterConnect hook.
	bootstrapConn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap connection: %v\n", err)
		os.Exit(1)
	}
	_, _ = bootstrapConn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	_ = bootstrapConn.Close(ctx)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	db, err := storage.New(ctx, dsn, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		os.Exit(1)
	}

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg.Embedding.Dimensions = 4

	embedder := embedding.NewClient(&foldProvider{dims: 4}, db, cfg.Embedding, cfg.Retry, logger, nil)
	engine := cluster.NewEngine(db, cfg.Clustering, logger)
	retriever := retrieval.New(engine, db, embedder, cfg.Retrieval, logger)
	calculator := confidence.NewCalculator(cfg.Confidence, logger)
	calibrator := confidence.NewCalibrator(db, cfg.Confidence.CalibrationWindowDays, logger)
	storeBreaker := breaker.New("store", cfg.StoreBreaker, logger)
	recorder := pipeline.NewRecorder(db, logger)

	pipe := pipeline.New(db, embedder, retriever, stubLabeler{}, engine,
		calculator, calibrator, recorder, storeBreaker, nil, cfg, logger)

	apiKeyHash, err := auth.HashAPIKey(testAPIKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to hash API key: %v\n", err)
		os.Exit(1)
	}

	srv := server.New(server.Config{
		DB:                  db,
		Pipeline:            pipe,
		Engine:              engine,
		Logger:              logger,
		StoreBreaker:        storeBreaker,
		APIKeyHash:          apiKeyHash,
		ReadTimeout:         30 * time.Second,
		WriteTimeout:        30 * time.Second,
		Version:             "test",
		MaxRequestBodyBytes: 4 * 1024 * 1024,
	})

	testSrv = httptest.NewServer(srv.Handler())

	code := m.Run()

	testSrv.Close()
	cancel()
	db.Close()
	_ = testcontainer.Terminate(context.Background())
	os.Exit(code)
}

func apiRequest(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, testSrv.URL+path, bodyReader)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testAPIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeData(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	envelope := struct {
		Data json.RawMessage `json:"data"`
	}{}
	require.NoError(t, json.Unmarshal(data, &envelope), "body: %s", string(data))
	require.NoError(t, json.Unmarshal(envelope.Data, out), "body: %s", string(data))
}

func classify(t *testing.T, text string) model.ClassificationResult {
	t.Helper()
	resp := apiRequest(t, http.MethodPost, "/v1/classify", model.ClassifyRequest{Text: text})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result model.ClassificationResult
	decodeData(t, resp, &result)
	return result
}

func TestHealthEndpoint(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/health")
	require.NoError(t, err)

	var health model.HealthResponse
	decodeData(t, resp, &health)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "ok", health.Components["database"])
	assert.Equal(t, "test", health.Version)
}

func TestMissingAPIKeyRejected(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/v1/rules")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWrongAPIKeyRejected(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, testSrv.URL+"/v1/rules", nil)
	req.Header.Set("X-API-Key", "not-the-key")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestClassifyAndFetch(t *testing.T) {
	result := classify(t, "The supplier may terminate this agreement with thirty days notice.")
	assert.Equal(t, model.SeverityHigh, result.Label)
	assert.NotEqual(t, uuid.Nil, result.DocumentID)
	assert.NotEmpty(t, result.Rationale)
	assert.Greater(t, result.Confidence, 0.0)
	assert.NotEmpty(t, result.Routing)

	resp := apiRequest(t, http.MethodGet, "/v1/classifications/"+result.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fetched model.ClassificationResult
	decodeData(t, resp, &fetched)
	assert.Equal(t, result.ID, fetched.ID)
	assert.Equal(t, result.Label, fetched.Label)
}

func TestClassifyDuplicateReusesDocument(t *testing.T) {
	first := classify(t, "Indemnification obligations survive termination of this contract.")
	second := classify(t, "Indemnification   obligations survive termination of this contract.")
	assert.Equal(t, first.DocumentID, second.DocumentID)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestClassifyRejectsEmptyBody(t *testing.T) {
	resp := apiRequest(t, http.MethodPost, "/v1/classify", nil)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClassifyRejectsEmptyText(t *testing.T) {
	resp := apiRequest(t, http.MethodPost, "/v1/classify", model.ClassifyRequest{Text: "   "})
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClassifyBatch(t *testing.T) {
	resp := apiRequest(t, http.MethodPost, "/v1/classify/batch", model.BatchClassifyRequest{
		Documents: []model.ClassifyRequest{
			{Text: "Batch item one: routine renewal of an existing service order."},
			{Text: "Batch item two: exclusivity clause binding all future subsidiaries."},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var items []model.BatchClassifyItem
	decodeData(t, resp, &items)
	require.Len(t, items, 2)
	for _, item := range items {
		assert.Empty(t, item.Error)
		require.NotNil(t, item.Result)
		assert.Equal(t, model.SeverityHigh, item.Result.Label)
	}
}

func TestReviewFlow(t *testing.T) {
	result := classify(t, "Late delivery penalties accrue at two percent per week.")

	resp := apiRequest(t, http.MethodPost, "/v1/classifications/"+result.ID.String()+"/review",
		model.ReviewRequest{FinalLabel: model.SeverityMedium, ReviewedBy: "qa"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	bad := apiRequest(t, http.MethodPost, "/v1/classifications/"+result.ID.String()+"/review",
		map[string]any{"final_label": "SEVERE", "reviewed_by": "qa"})
	defer func() { _ = bad.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestReferenceLifecycle(t *testing.T) {
	resp := apiRequest(t, http.MethodPost, "/v1/references", model.ReferenceRequest{
		Text:          "Reference precedent: uncapped liability for gross negligence.",
		SeverityLabel: model.SeverityCritical,
		Filename:      "precedent_001.txt",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var doc model.Document
	decodeData(t, resp, &doc)
	assert.NotEqual(t, uuid.Nil, doc.ID)
	assert.Equal(t, model.RoleReference, doc.Role)

	listResp := apiRequest(t, http.MethodGet, "/v1/references", nil)
	require.Equal(t, http.StatusOK, listResp.StatusCode)
	var refs []model.Document
	decodeData(t, listResp, &refs)
	assert.NotEmpty(t, refs)

	delResp := apiRequest(t, http.MethodDelete, "/v1/references/"+doc.ID.String(), nil)
	defer func() { _ = delResp.Body.Close() }()
	assert.Equal(t, http.StatusOK, delResp.StatusCode)
}

func TestReferenceRequiresLabel(t *testing.T) {
	resp := apiRequest(t, http.MethodPost, "/v1/references", map[string]any{
		"text": "Reference with no label.",
	})
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRuleLifecycle(t *testing.T) {
	create := apiRequest(t, http.MethodPost, "/v1/rules", model.RuleRequest{
		Name: "lifecycle rule",
		Conditions: []model.Condition{
			{Field: model.FieldText, Operator: model.OpContains, Value: "liquidated damages"},
		},
		ConditionLogic:   model.LogicAnd,
		SeverityOverride: model.SeverityHigh,
		Priority:         10,
		Active:           false,
		Author:           "legal-ops",
	})
	require.Equal(t, http.StatusCreated, create.StatusCode)
	var rule model.Rule
	decodeData(t, create, &rule)
	require.NotEqual(t, uuid.Nil, rule.ID)

	rule.Priority = 20
	update := apiRequest(t, http.MethodPut, "/v1/rules/"+rule.ID.String(), model.RuleRequest{
		Name:             rule.Name,
		Conditions:       rule.Conditions,
		ConditionLogic:   rule.ConditionLogic,
		SeverityOverride: rule.SeverityOverride,
		Priority:         20,
		Active:           false,
		Author:           "legal-ops",
	})
	require.Equal(t, http.StatusOK, update.StatusCode)
	var updated model.Rule
	decodeData(t, update, &updated)
	assert.Equal(t, 20, updated.Priority)

	versions := apiRequest(t, http.MethodGet, "/v1/rules/"+rule.ID.String()+"/versions", nil)
	require.Equal(t, http.StatusOK, versions.StatusCode)
	var history []model.RuleVersion
	decodeData(t, versions, &history)
	assert.GreaterOrEqual(t, len(history), 2)

	del := apiRequest(t, http.MethodDelete, "/v1/rules/"+rule.ID.String(), nil)
	require.Equal(t, http.StatusOK, del.StatusCode)
	_ = del.Body.Close()

	gone := apiRequest(t, http.MethodGet, "/v1/rules/"+rule.ID.String(), nil)
	defer func() { _ = gone.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, gone.StatusCode)
}

func TestRuleOverrideApplied(t *testing.T) {
	create := apiRequest(t, http.MethodPost, "/v1/rules", model.RuleRequest{
		Name: "breach always critical",
		Conditions: []model.Condition{
			{Field: model.FieldText, Operator: model.OpContains, Value: "data breach"},
		},
		ConditionLogic:   model.LogicAnd,
		SeverityOverride: model.SeverityCritical,
		Priority:         100,
		Active:           true,
		Author:           "legal-ops",
	})
	require.Equal(t, http.StatusCreated, create.StatusCode)
	var rule model.Rule
	decodeData(t, create, &rule)
	defer func() {
		del := apiRequest(t, http.MethodDelete, "/v1/rules/"+rule.ID.String(), nil)
		_ = del.Body.Close()
	}()

	result := classify(t, "The vendor failed to report a data breach within the notification window.")
	assert.Equal(t, model.SeverityCritical, result.Label)
	require.Len(t, result.AppliedRuleIDs, 1)
	assert.Equal(t, rule.ID, result.AppliedRuleIDs[0])
	assert.Contains(t, result.Rationale, "Rule Overrides Applied")
}

func TestReprocessClassification(t *testing.T) {
	original := classify(t, "Reprocess check: termination for convenience on sixty days notice.")

	// A fresh result comes back unchanged unless force is set.
	fresh := apiRequest(t, http.MethodPost,
		"/v1/classifications/"+original.ID.String()+"/reprocess",
		model.ReprocessRequest{Force: false})
	require.Equal(t, http.StatusOK, fresh.StatusCode)
	var unchanged model.ClassificationResult
	decodeData(t, fresh, &unchanged)
	assert.Equal(t, original.ID, unchanged.ID)

	forced := apiRequest(t, http.MethodPost,
		"/v1/classifications/"+original.ID.String()+"/reprocess",
		model.ReprocessRequest{Force: true})
	require.Equal(t, http.StatusOK, forced.StatusCode)
	var rerun model.ClassificationResult
	decodeData(t, forced, &rerun)
	assert.NotEqual(t, original.ID, rerun.ID)
	assert.Equal(t, original.DocumentID, rerun.DocumentID)
}

func TestReprocessRejectsBadID(t *testing.T) {
	resp := apiRequest(t, http.MethodPost, "/v1/classifications/not-a-uuid/reprocess", nil)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	missing := apiRequest(t, http.MethodPost,
		"/v1/classifications/"+uuid.NewString()+"/reprocess",
		model.ReprocessRequest{Force: true})
	defer func() { _ = missing.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestListReferencesFiltered(t *testing.T) {
	resp := apiRequest(t, http.MethodPost, "/v1/references", model.ReferenceRequest{
		Text:          "Filter fixture: one-sided audit rights exercisable at any time.",
		SeverityLabel: model.SeverityLow,
		Tags:          []string{"filter-fixture"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	byLabel := apiRequest(t, http.MethodGet, "/v1/references?label=low&tags=filter-fixture", nil)
	require.Equal(t, http.StatusOK, byLabel.StatusCode)
	var refs []model.Document
	decodeData(t, byLabel, &refs)
	require.NotEmpty(t, refs)
	for _, d := range refs {
		require.NotNil(t, d.SeverityLabel)
		assert.Equal(t, model.SeverityLow, *d.SeverityLabel)
		assert.Contains(t, d.Metadata.Tags, "filter-fixture")
	}

	bad := apiRequest(t, http.MethodGet, "/v1/references?label=SEVERE", nil)
	defer func() { _ = bad.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestSplitBucketIntoParts(t *testing.T) {
	for i := 0; i < 6; i++ {
		resp := apiRequest(t, http.MethodPost, "/v1/references", model.ReferenceRequest{
			Text:          fmt.Sprintf("Split corpus member %d: governing law and venue selection clause.", i),
			SeverityLabel: model.SeverityMedium,
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		_ = resp.Body.Close()
	}
	rebuild := apiRequest(t, http.MethodPost, "/v1/buckets/rebuild", nil)
	require.Equal(t, http.StatusOK, rebuild.StatusCode)
	_ = rebuild.Body.Close()

	list := apiRequest(t, http.MethodGet, "/v1/buckets", nil)
	require.Equal(t, http.StatusOK, list.StatusCode)
	var buckets []model.Bucket
	decodeData(t, list, &buckets)
	require.NotEmpty(t, buckets)

	target := buckets[0]
	for _, b := range buckets[1:] {
		if len(b.DocumentIDs) > len(target.DocumentIDs) {
			target = b
		}
	}
	require.GreaterOrEqual(t, len(target.DocumentIDs), 2)

	tooFew := apiRequest(t, http.MethodPost,
		"/v1/buckets/"+target.ID.String()+"/split", model.SplitBucketRequest{Parts: 1})
	defer func() { _ = tooFew.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, tooFew.StatusCode)

	split := apiRequest(t, http.MethodPost,
		"/v1/buckets/"+target.ID.String()+"/split", model.SplitBucketRequest{Parts: 2})
	require.Equal(t, http.StatusOK, split.StatusCode)
	var parts []model.Bucket
	decodeData(t, split, &parts)
	require.Len(t, parts, 2)

	var memberTotal int
	for _, p := range parts {
		assert.Contains(t, p.Name, target.Name+"_")
		memberTotal += len(p.DocumentIDs)
	}
	assert.Equal(t, len(target.DocumentIDs), memberTotal)
}

func TestAuditTrailRecorded(t *testing.T) {
	result := classify(t, "Audit trail check: assignment clause requires prior written consent.")

	resp := apiRequest(t, http.MethodGet,
		"/v1/audit?document_id="+result.DocumentID.String()+"&limit=50", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	envelope := struct {
		Data []model.AuditEvent `json:"data"`
	}{}
	require.NoError(t, json.Unmarshal(data, &envelope))

	kinds := map[model.AuditEventKind]bool{}
	for _, e := range envelope.Data {
		kinds[e.Kind] = true
	}
	assert.True(t, kinds[model.EventClassificationStarted])
	assert.True(t, kinds[model.EventClassificationCompleted])
	assert.True(t, kinds[model.EventResultStored])
}

func TestBucketRebuild(t *testing.T) {
	texts := []string{
		"Rebuild corpus A: non-compete covenant spanning five years and three continents.",
		"Rebuild corpus B: standard confidentiality obligations with customary carve-outs.",
		"Rebuild corpus C: automatic renewal unless cancelled ninety days in advance.",
	}
	for _, text := range texts {
		resp := apiRequest(t, http.MethodPost, "/v1/references", model.ReferenceRequest{
			Text:          text,
			SeverityLabel: model.SeverityMedium,
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		_ = resp.Body.Close()
	}

	rebuild := apiRequest(t, http.MethodPost, "/v1/buckets/rebuild", nil)
	require.Equal(t, http.StatusOK, rebuild.StatusCode)
	_ = rebuild.Body.Close()

	list := apiRequest(t, http.MethodGet, "/v1/buckets", nil)
	require.Equal(t, http.StatusOK, list.StatusCode)
	var buckets []model.Bucket
	decodeData(t, list, &buckets)
	assert.NotEmpty(t, buckets)
	for _, b := range buckets {
		assert.NotEmpty(t, b.Name)
	}
}
