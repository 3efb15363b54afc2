// Package classifier produces severity labels for documents: a Gemini-backed
// LLM classifier with retry and circuit breaking, and a keyword fallback for
// when the model is unreachable.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/hanrei/internal/config"
	"github.com/ashita-ai/hanrei/internal/fault"
)

// Generator produces a raw model completion for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)

	// ModelVersion identifies the backing model for result provenance.
	ModelVersion() string
}

// GeminiGenerator calls the Gemini generateContent REST endpoint.
type GeminiGenerator struct {
	baseURL    string
	apiKey     string
	cfg        config.LLMConfig
	httpClient *http.Client
}

// NewGeminiGenerator creates a generator for the configured Gemini model.
func NewGeminiGenerator(baseURL, apiKey string, cfg config.LLMConfig) *GeminiGenerator {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	return &GeminiGenerator{
		baseURL:    baseURL,
		apiKey:     apiKey,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// ModelVersion identifies the configured model.
func (g *GeminiGenerator) ModelVersion() string {
	return g.cfg.ModelID
}

type geminiGenerateRequest struct {
	Contents []geminiContent `json:"contents"`
	Config   struct {
		Temperature      float64 `json:"temperature"`
		TopP             float64 `json:"topP"`
		TopK             int     `json:"topK"`
		MaxOutputTokens  int     `json:"maxOutputTokens"`
		ResponseMimeType string  `json:"responseMimeType"`
	} `json:"generationConfig"`
}

type geminiContent struct {
	Parts []struct {
		Text string `json:"text"`
	} `json:"parts"`
}

type geminiGenerateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Generate sends the prompt and returns the first candidate's text.
func (g *GeminiGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	var reqBody geminiGenerateRequest
	reqBody.Contents = []geminiContent{{Parts: []struct {
		Text string `json:"text"`
	}{{Text: prompt}}}}
	reqBody.Config.Temperature = g.cfg.Temperature
	reqBody.Config.TopP = g.cfg.TopP
	reqBody.Config.TopK = g.cfg.TopK
	reqBody.Config.MaxOutputTokens = g.cfg.MaxOutputTokens
	reqBody.Config.ResponseMimeType = "application/json"

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fault.Wrap(fault.KindInternal, err, "classifier: marshal generate request")
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, g.cfg.ModelID, g.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fault.Wrap(fault.KindInternal, err, "classifier: create generate request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fault.Wrap(fault.KindUnavailable, err, "classifier: send generate request")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fault.Wrap(fault.KindUnavailable, err, "classifier: read generate response")
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", fault.RateLimited(retryAfterHeader(resp), "classifier: rate limited")
	case resp.StatusCode >= 500:
		return "", fault.New(fault.KindUnavailable, "classifier: status %d", resp.StatusCode)
	default:
		return "", fault.New(fault.KindUpstream, "classifier: status %d: %s", resp.StatusCode, truncate(body, 256))
	}

	var result geminiGenerateResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fault.Wrap(fault.KindUpstream, err, "classifier: decode generate response")
	}
	if result.Error != nil {
		return "", fault.New(fault.KindUpstream, "classifier: %s: %s", result.Error.Status, result.Error.Message)
	}
	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return "", fault.New(fault.KindUpstream, "classifier: no candidates returned")
	}
	return result.Candidates[0].Content.Parts[0].Text, nil
}

func retryAfterHeader(resp *http.Response) time.Duration {
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
