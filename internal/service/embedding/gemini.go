package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/hanrei/internal/fault"
)

// GeminiProvider generates embeddings using the Gemini REST API.
type GeminiProvider struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	dimensions int
}

// NewGeminiProvider creates a provider that calls Gemini's embedContent
// endpoint. Dimensions must match the deployment's vector columns; Gemini
// truncates its native output to the requested size.
func NewGeminiProvider(baseURL, apiKey, model string, dimensions int, timeout time.Duration) *GeminiProvider {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	return &GeminiProvider{
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		dimensions: dimensions,
	}
}

// Dimensions returns the embedding vector size.
func (p *GeminiProvider) Dimensions() int {
	return p.dimensions
}

// ModelID identifies the configured Gemini model.
func (p *GeminiProvider) ModelID() string {
	return p.model
}

type geminiEmbedRequest struct {
	Content struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"content"`
	TaskType             string `json:"taskType,omitempty"`
	OutputDimensionality int    `json:"outputDimensionality,omitempty"`
}

type geminiEmbedResponse struct {
	Embedding struct {
		Values []float32 `json:"values"`
	} `json:"embedding"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Embed generates a single embedding vector from text, tagged with the
// retrieval role so document and query vectors land on the right side of
// the asymmetric space.
func (p *GeminiProvider) Embed(ctx context.Context, text string, task Task) (pgvector.Vector, error) {
	if task == "" {
		task = TaskDocument
	}
	var reqBody geminiEmbedRequest
	reqBody.Content.Parts = []struct {
		Text string `json:"text"`
	}{{Text: text}}
	reqBody.TaskType = string(task)
	reqBody.OutputDimensionality = p.dimensions

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return pgvector.Vector{}, fault.Wrap(fault.KindInternal, err, "gemini: marshal embed request")
	}

	url := fmt.Sprintf("%s/models/%s:embedContent?key=%s", p.baseURL, p.model, p.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return pgvector.Vector{}, fault.Wrap(fault.KindInternal, err, "gemini: create embed request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return pgvector.Vector{}, fault.Wrap(fault.KindUnavailable, err, "gemini: send embed request")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return pgvector.Vector{}, fault.Wrap(fault.KindUnavailable, err, "gemini: read embed response")
	}

	if err := classifyStatus(resp, body); err != nil {
		return pgvector.Vector{}, err
	}

	var result geminiEmbedResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return pgvector.Vector{}, fault.Wrap(fault.KindUpstream, err, "gemini: decode embed response")
	}
	if result.Error != nil {
		return pgvector.Vector{}, fault.New(fault.KindUpstream, "gemini: %s: %s", result.Error.Status, result.Error.Message)
	}
	if len(result.Embedding.Values) == 0 {
		return pgvector.Vector{}, fault.New(fault.KindUpstream, "gemini: empty embedding returned")
	}
	if len(result.Embedding.Values) != p.dimensions {
		return pgvector.Vector{}, fault.New(fault.KindUpstream,
			"gemini: embedding dimension %d, want %d", len(result.Embedding.Values), p.dimensions)
	}
	return pgvector.NewVector(result.Embedding.Values), nil
}

// geminiMaxConcurrency bounds parallel embed calls in a batch. The caller's
// pacer already enforces the per-minute quota.
const geminiMaxConcurrency = 4

// EmbedBatch generates embeddings for multiple texts. The endpoint takes one
// text per call, so the batch fans out over a bounded worker pool.
func (p *GeminiProvider) EmbedBatch(ctx context.Context, texts []string, task Task) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) == 1 {
		vec, err := p.Embed(ctx, texts[0], task)
		if err != nil {
			return nil, err
		}
		return []pgvector.Vector{vec}, nil
	}

	vecs := make([]pgvector.Vector, len(texts))
	errs := make([]error, len(texts))
	sem := make(chan struct{}, geminiMaxConcurrency)

	done := make(chan int, len(texts))
	for i, text := range texts {
		go func(idx int, t string) {
			sem <- struct{}{}
			defer func() { <-sem; done <- idx }()

			vec, err := p.Embed(ctx, t, task)
			if err != nil {
				errs[idx] = fault.Wrap(fault.KindOf(err), err, "gemini: batch item %d", idx)
				return
			}
			vecs[idx] = vec
		}(i, text)
	}
	for range texts {
		<-done
	}

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return vecs, nil
}

// classifyStatus maps HTTP status codes onto the failure taxonomy:
// 429 is rate limiting with an optional Retry-After floor, 5xx is a
// transient outage, anything else non-200 is an upstream rejection.
func classifyStatus(resp *http.Response, body []byte) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return fault.RateLimited(retryAfter(resp), "gemini: rate limited: %s", truncate(body, 256))
	case resp.StatusCode >= 500:
		return fault.New(fault.KindUnavailable, "gemini: status %d: %s", resp.StatusCode, truncate(body, 256))
	default:
		return fault.New(fault.KindUpstream, "gemini: status %d: %s", resp.StatusCode, truncate(body, 256))
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
