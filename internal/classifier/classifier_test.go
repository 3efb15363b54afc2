package classifier

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hanrei/internal/breaker"
	"github.com/ashita-ai/hanrei/internal/config"
	"github.com/ashita-ai/hanrei/internal/fault"
	"github.com/ashita-ai/hanrei/internal/model"
)

func TestParseResponseStrictJSON(t *testing.T) {
	out, err := ParseResponse(`{"label": "HIGH", "confidence": 0.87, "rationale": "Material breach language."}`)
	require.NoError(t, err)
	assert.Equal(t, model.SeverityHigh, out.Label)
	assert.InDelta(t, 0.87, out.Confidence, 1e-9)
	assert.Equal(t, "Material breach language.", out.Rationale)
}

func TestParseResponseExtractsFromProse(t *testing.T) {
	raw := "Here is my assessment:\n```json\n{\"label\": \"low\", \"confidence\": 0.6, \"rationale\": \"Routine notice.\"}\n```"
	out, err := ParseResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, model.SeverityLow, out.Label)
}

func TestParseResponseRejections(t *testing.T) {
	cases := map[string]string{
		"no json":            "the document is HIGH severity",
		"unknown label":      `{"label": "SEVERE", "confidence": 0.9, "rationale": "x"}`,
		"missing confidence": `{"label": "HIGH", "rationale": "x"}`,
		"confidence range":   `{"label": "HIGH", "confidence": 1.4, "rationale": "x"}`,
		"empty rationale":    `{"label": "HIGH", "confidence": 0.9, "rationale": "  "}`,
		"short rationale":    `{"label": "HIGH", "confidence": 0.9, "rationale": "breach."}`,
		"unterminated":       `{"label": "HIGH", "confidence": 0.9, "rationale": "x"`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseResponse(raw)
			require.Error(t, err)
			assert.True(t, fault.Is(err, fault.KindParse))
		})
	}
}

func TestParseResponseBracesInsideStrings(t *testing.T) {
	out, err := ParseResponse(`{"label": "MEDIUM", "confidence": 0.7, "rationale": "clause {4.2} applies"}`)
	require.NoError(t, err)
	assert.Equal(t, "clause {4.2} applies", out.Rationale)
}

// scriptedGenerator returns queued responses or errors in order.
type scriptedGenerator struct {
	responses []string
	errs      []error
	calls     atomic.Int64
}

func (g *scriptedGenerator) Generate(_ context.Context, _ string) (string, error) {
	i := int(g.calls.Add(1)) - 1
	if i < len(g.errs) && g.errs[i] != nil {
		return "", g.errs[i]
	}
	if i < len(g.responses) {
		return g.responses[i], nil
	}
	return g.responses[len(g.responses)-1], nil
}

func (g *scriptedGenerator) ModelVersion() string { return "scripted-v1" }

func fastRetry() config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts:   3,
		BaseDelay:     time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		JitterPercent: 10,
	}
}

func testBreaker() *breaker.Breaker {
	return breaker.New("llm", config.BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  time.Second,
		HalfOpenMaxCalls: 1,
	}, nil)
}

func testDoc(text string) model.Document {
	return model.Document{Text: text, Role: model.RoleClassification}
}

func TestClassifyRetriesTransientThenSucceeds(t *testing.T) {
	gen := &scriptedGenerator{
		errs: []error{
			fault.New(fault.KindUnavailable, "outage"),
			nil,
		},
		responses: []string{
			"",
			`{"label": "HIGH", "confidence": 0.9, "rationale": "Material breach."}`,
		},
	}
	c := New(gen, testBreaker(), NewFallback(), fastRetry(), slog.New(slog.DiscardHandler))

	out, err := c.Classify(context.Background(), testDoc("some text"), "no context")
	require.NoError(t, err)
	assert.Equal(t, model.SeverityHigh, out.Label)
	assert.False(t, out.Fallback)
	assert.Equal(t, "scripted-v1", out.ModelVersion)
	assert.Equal(t, int64(2), gen.calls.Load())
}

func TestClassifyRetriesMalformedResponse(t *testing.T) {
	gen := &scriptedGenerator{
		responses: []string{
			"not json at all",
			`{"label": "MEDIUM", "confidence": 0.75, "rationale": "Disputed invoice."}`,
		},
	}
	c := New(gen, testBreaker(), NewFallback(), fastRetry(), slog.New(slog.DiscardHandler))

	out, err := c.Classify(context.Background(), testDoc("some text"), "no context")
	require.NoError(t, err)
	assert.Equal(t, model.SeverityMedium, out.Label)
	assert.Equal(t, int64(2), gen.calls.Load())
}

func TestClassifyFallsBackAfterExhaustion(t *testing.T) {
	gen := &scriptedGenerator{
		errs: []error{
			fault.New(fault.KindUnavailable, "outage"),
			fault.New(fault.KindUnavailable, "outage"),
			fault.New(fault.KindUnavailable, "outage"),
		},
	}
	c := New(gen, testBreaker(), NewFallback(), fastRetry(), slog.New(slog.DiscardHandler))

	out, err := c.Classify(context.Background(), testDoc("notice of material breach with liquidated damages"), "no context")
	require.NoError(t, err)
	assert.True(t, out.Fallback)
	assert.Equal(t, model.SeverityHigh, out.Label)
	assert.True(t, strings.HasPrefix(out.Rationale, model.FallbackRationalePrefix))
	assert.LessOrEqual(t, out.Confidence, 0.8)
}

func TestClassifyOpenBreakerFailsFastToFallback(t *testing.T) {
	brk := breaker.New("llm", config.BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		HalfOpenMaxCalls: 1,
	}, nil)
	// Trip the breaker.
	_ = brk.Do(func() error { return fault.New(fault.KindUnavailable, "outage") })

	gen := &scriptedGenerator{responses: []string{`{"label":"LOW","confidence":0.9,"rationale":"x"}`}}
	c := New(gen, brk, NewFallback(), fastRetry(), slog.New(slog.DiscardHandler))

	out, err := c.Classify(context.Background(), testDoc("routine renewal notice"), "no context")
	require.NoError(t, err)
	assert.True(t, out.Fallback)
	// Generator never invoked while the breaker is open.
	assert.Equal(t, int64(0), gen.calls.Load())
}

func TestFallbackDefaultsToLow(t *testing.T) {
	out := NewFallback().Classify(testDoc("completely unremarkable prose about gardening"))
	assert.Equal(t, model.SeverityLow, out.Label)
	assert.InDelta(t, 0.3, out.Confidence, 1e-9)
	assert.True(t, out.Fallback)
}

func TestFallbackPrefersHeaviestSeverity(t *testing.T) {
	out := NewFallback().Classify(testDoc(
		"Notice of termination for cause following fraud; also mentions a renewal."))
	assert.Equal(t, model.SeverityCritical, out.Label)
	assert.Contains(t, out.Rationale, "termination for cause")
	assert.LessOrEqual(t, out.Confidence, 0.8)
}

func TestFallbackFlagsLitigationExposureTerms(t *testing.T) {
	out := NewFallback().Classify(testDoc(
		"Plaintiffs filed a class action seeking punitive damages."))
	assert.Equal(t, model.SeverityCritical, out.Label)
	assert.Contains(t, out.Rationale, "class action")
	assert.Contains(t, out.Rationale, "punitive damages")
	assert.True(t, strings.HasPrefix(out.Rationale, model.FallbackRationalePrefix))
	assert.LessOrEqual(t, out.Confidence, 0.8)
}

func TestBuildPromptContainsSections(t *testing.T) {
	doc := model.Document{
		Text: "document body here",
		Role: model.RoleClassification,
		Metadata: model.DocumentMetadata{
			Filename:   "breach_notice.pdf",
			UploadDate: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
			FileSize:   2048,
		},
	}
	p := BuildPrompt("rendered context here", doc)
	assert.Contains(t, p, "Severity rubric")
	assert.Contains(t, p, "Document metadata:")
	assert.Contains(t, p, "breach_notice.pdf")
	assert.Contains(t, p, "2026-03-14")
	assert.Contains(t, p, "2048 bytes")
	assert.Contains(t, p, "rendered context here")
	assert.Contains(t, p, "document body here")
	assert.Contains(t, p, `"label"`)
}
