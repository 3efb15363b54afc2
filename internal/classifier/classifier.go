package classifier

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/ashita-ai/hanrei/internal/breaker"
	"github.com/ashita-ai/hanrei/internal/config"
	"github.com/ashita-ai/hanrei/internal/fault"
	"github.com/ashita-ai/hanrei/internal/model"
)

// minRationaleLength rejects verdicts whose rationale is too short to
// explain anything. Trimmed rationales under this many characters are a
// parse failure and get retried.
const minRationaleLength = 10

// Outcome is the raw classifier verdict before rule overrides and
// confidence adjustment.
type Outcome struct {
	Label        model.Severity
	Confidence   float64
	Rationale    string
	ModelVersion string
	Fallback     bool
}

// Classifier drives the LLM with retry and circuit breaking, degrading to
// the keyword fallback when the model cannot be reached.
type Classifier struct {
	gen      Generator
	breaker  *breaker.Breaker
	fallback *Fallback
	retryCfg config.RetryConfig
	logger   *slog.Logger
}

// New creates a Classifier.
func New(gen Generator, brk *breaker.Breaker, fallback *Fallback, retryCfg config.RetryConfig, logger *slog.Logger) *Classifier {
	return &Classifier{gen: gen, breaker: brk, fallback: fallback, retryCfg: retryCfg, logger: logger}
}

// Classify labels a document given its rendered reference context. Transient
// model failures (rate limits, outages, malformed responses) are retried
// with exponential backoff; a Retry-After hint raises the computed delay.
// When retries are exhausted or the breaker is open, the keyword fallback
// produces a degraded result instead of an error.
func (c *Classifier) Classify(ctx context.Context, doc model.Document, renderedContext string) (Outcome, error) {
	prompt := BuildPrompt(renderedContext, doc)

	out, err := c.classifyWithRetry(ctx, prompt)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return Outcome{}, fault.Wrap(fault.KindUnavailable, ctx.Err(), "classifier: context canceled")
	}

	c.logger.Warn("llm classification failed, using keyword fallback",
		"document_id", doc.ID, "error", err)
	return c.fallback.Classify(doc), nil
}

func (c *Classifier) classifyWithRetry(ctx context.Context, prompt string) (Outcome, error) {
	backoff := retry.NewExponential(c.retryCfg.BaseDelay)
	backoff = retry.WithJitterPercent(c.retryCfg.JitterPercent, backoff)
	backoff = retry.WithCappedDuration(c.retryCfg.MaxDelay, backoff)

	var lastErr error
	for attempt := 1; attempt <= c.retryCfg.MaxAttempts; attempt++ {
		var raw string
		err := c.breaker.Do(func() error {
			var genErr error
			raw, genErr = c.gen.Generate(ctx, prompt)
			return genErr
		})
		if err == nil {
			out, parseErr := ParseResponse(raw)
			if parseErr == nil {
				out.ModelVersion = c.gen.ModelVersion()
				return out, nil
			}
			err = parseErr
		}

		lastErr = err
		// An open breaker or a non-transient failure will not heal within
		// this request's retry horizon.
		if fault.Is(err, fault.KindServiceUnavailable) || !fault.Transient(err) {
			return Outcome{}, err
		}
		if attempt == c.retryCfg.MaxAttempts {
			break
		}

		delay, stop := backoff.Next()
		if stop {
			break
		}
		if ra := fault.RetryAfterOf(err); ra > delay {
			delay = ra
		}
		c.logger.Debug("retrying llm call", "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	return Outcome{}, fault.Wrap(fault.KindOf(lastErr), lastErr,
		"classifier: exhausted %d attempts", c.retryCfg.MaxAttempts)
}

type llmVerdict struct {
	Label      string   `json:"label"`
	Confidence *float64 `json:"confidence"`
	Rationale  string   `json:"rationale"`
}

// ParseResponse extracts and validates the JSON verdict from a raw model
// completion. Models sometimes wrap the object in prose or code fences, so
// parsing starts at the first '{' and ends at its matching brace. Any
// structural or semantic defect is KindParse, which the caller retries.
func ParseResponse(raw string) (Outcome, error) {
	obj, err := firstJSONObject(raw)
	if err != nil {
		return Outcome{}, err
	}

	var v llmVerdict
	if err := json.Unmarshal([]byte(obj), &v); err != nil {
		return Outcome{}, fault.Wrap(fault.KindParse, err, "classifier: malformed verdict JSON")
	}

	label := model.Severity(strings.ToUpper(strings.TrimSpace(v.Label)))
	if !model.ValidSeverity(label) {
		return Outcome{}, fault.New(fault.KindParse, "classifier: unknown label %q", v.Label)
	}
	if v.Confidence == nil || *v.Confidence < 0 || *v.Confidence > 1 {
		return Outcome{}, fault.New(fault.KindParse, "classifier: confidence missing or out of range")
	}
	rationale := strings.TrimSpace(v.Rationale)
	if len(rationale) < minRationaleLength {
		return Outcome{}, fault.New(fault.KindParse, "classifier: rationale too short (%d chars)", len(rationale))
	}

	return Outcome{
		Label:      label,
		Confidence: *v.Confidence,
		Rationale:  rationale,
	}, nil
}

// firstJSONObject returns the first balanced top-level JSON object in s.
func firstJSONObject(s string) (string, error) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", fault.New(fault.KindParse, "classifier: no JSON object in response")
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", fault.New(fault.KindParse, "classifier: unterminated JSON object in response")
}
