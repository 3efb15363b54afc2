package embedding

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hanrei/internal/config"
	"github.com/ashita-ai/hanrei/internal/fault"
)

func TestCacheKeySeparatesModelAndText(t *testing.T) {
	assert.NotEqual(t, CacheKey("model-a", "text"), CacheKey("model-b", "text"))
	assert.NotEqual(t, CacheKey("model", "atext"), CacheKey("modela", "text"))
	assert.Equal(t, CacheKey("m", "same"), CacheKey("m", "same"))
}

// countingProvider records how many times Embed reaches the provider and
// which task the last call carried.
type countingProvider struct {
	calls    atomic.Int64
	fails    atomic.Int64 // fail this many leading calls with a transient error
	lastTask atomic.Value
}

func (p *countingProvider) Embed(_ context.Context, _ string, task Task) (pgvector.Vector, error) {
	p.lastTask.Store(task)
	n := p.calls.Add(1)
	if n <= p.fails.Load() {
		return pgvector.Vector{}, fault.New(fault.KindUnavailable, "synthetic outage")
	}
	return pgvector.NewVector([]float32{1, 0, 0}), nil
}

func (p *countingProvider) EmbedBatch(ctx context.Context, texts []string, task Task) ([]pgvector.Vector, error) {
	out := make([]pgvector.Vector, len(texts))
	for i := range texts {
		v, err := p.Embed(ctx, texts[i], task)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (p *countingProvider) Dimensions() int { return 3 }
func (p *countingProvider) ModelID() string { return "counting" }

func testClient(p Provider) *Client {
	return NewClient(p, nil,
		config.EmbeddingConfig{RatePerMinute: 6000, CacheTTL: time.Minute},
		config.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, JitterPercent: 10},
		slog.New(slog.DiscardHandler), nil)
}

func TestClientCachesRepeatedText(t *testing.T) {
	p := &countingProvider{}
	c := testClient(p)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := c.Embed(ctx, "same text", TaskDocument)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), p.calls.Load())
}

func TestClientRejectsEmptyText(t *testing.T) {
	p := &countingProvider{}
	c := testClient(p)

	_, err := c.Embed(context.Background(), "   \n\t", TaskQuery)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindInvalidInput))
	assert.Equal(t, int64(0), p.calls.Load())
}

func TestClientThreadsTaskToProvider(t *testing.T) {
	p := &countingProvider{}
	c := testClient(p)

	_, err := c.Embed(context.Background(), "find precedents", TaskQuery)
	require.NoError(t, err)
	assert.Equal(t, TaskQuery, p.lastTask.Load())

	_, err = c.Embed(context.Background(), "indexed reference", TaskDocument)
	require.NoError(t, err)
	assert.Equal(t, TaskDocument, p.lastTask.Load())
}

func TestClientRetriesTransientFailures(t *testing.T) {
	p := &countingProvider{}
	p.fails.Store(2)
	c := testClient(p)

	v, err := c.Embed(context.Background(), "retry me", TaskDocument)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, v.Slice())
	assert.Equal(t, int64(3), p.calls.Load())
}

func TestClientGivesUpAfterMaxAttempts(t *testing.T) {
	p := &countingProvider{}
	p.fails.Store(100)
	c := testClient(p)

	_, err := c.Embed(context.Background(), "doomed", TaskDocument)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindUnavailable))
	assert.Equal(t, int64(3), p.calls.Load())
}

func TestGeminiProviderEmbed(t *testing.T) {
	var gotTask string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/models/test-model:embedContent")
		var req struct {
			TaskType string `json:"taskType"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotTask = req.TaskType
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"embedding":{"values":[0.1,0.2,0.3]}}`))
	}))
	defer srv.Close()

	p := NewGeminiProvider(srv.URL, "key", "test-model", 3, time.Second)
	v, err := p.Embed(context.Background(), "hello", TaskQuery)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.1, 0.2, 0.3}, v.Slice(), 1e-6)
	assert.Equal(t, "RETRIEVAL_QUERY", gotTask)
}

func TestGeminiProviderRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewGeminiProvider(srv.URL, "key", "test-model", 3, time.Second)
	_, err := p.Embed(context.Background(), "hello", TaskDocument)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindRateLimited))
	assert.Equal(t, 7*time.Second, fault.RetryAfterOf(err))
}

func TestGeminiProviderServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewGeminiProvider(srv.URL, "key", "test-model", 3, time.Second)
	_, err := p.Embed(context.Background(), "hello", TaskDocument)
	assert.True(t, fault.Is(err, fault.KindUnavailable))
}

func TestGeminiProviderDimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embedding":{"values":[0.1,0.2]}}`))
	}))
	defer srv.Close()

	p := NewGeminiProvider(srv.URL, "key", "test-model", 3, time.Second)
	_, err := p.Embed(context.Background(), "hello", TaskDocument)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindUpstream))
}
