package classifier

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ashita-ai/hanrei/internal/model"
)

// fallbackMaxConfidence caps degraded results so they always route to a
// human rather than auto-accepting.
const fallbackMaxConfidence = 0.8

// fallbackDefaultConfidence applies when no keyword matches at all.
const fallbackDefaultConfidence = 0.3

// keywordSignal is one weighted severity indicator. Patterns are matched
// case-insensitively against the whole document text.
type keywordSignal struct {
	pattern  *regexp.Regexp
	display  string
	severity model.Severity
	weight   float64
}

func signal(expr, display string, sev model.Severity, weight float64) keywordSignal {
	return keywordSignal{
		pattern:  regexp.MustCompile(`(?i)` + expr),
		display:  display,
		severity: sev,
		weight:   weight,
	}
}

// defaultSignals is the built-in severity lexicon. Weights reflect how
// decisive the phrase is on its own; stems match inflected forms.
var defaultSignals = []keywordSignal{
	signal(`termination\s+for\s+cause`, "termination for cause", model.SeverityCritical, 3),
	signal(`fraud`, "fraud", model.SeverityCritical, 3),
	signal(`class\s+action`, "class action", model.SeverityCritical, 3),
	signal(`punitive\s+damages`, "punitive damages", model.SeverityCritical, 3),
	signal(`injunction`, "injunction", model.SeverityCritical, 3),
	signal(`criminal`, "criminal", model.SeverityCritical, 2.5),
	signal(`cease\s+and\s+desist`, "cease and desist", model.SeverityCritical, 2.5),
	signal(`breach\s+of\s+fiduciary`, "breach of fiduciary duty", model.SeverityCritical, 2.5),

	signal(`material\s+breach`, "material breach", model.SeverityHigh, 2.5),
	signal(`liquidated\s+damages`, "liquidated damages", model.SeverityHigh, 2),
	signal(`indemnif`, "indemnification", model.SeverityHigh, 2),
	signal(`regulatory\s+(inquiry|investigation)`, "regulatory inquiry", model.SeverityHigh, 2),
	signal(`penalt`, "penalty", model.SeverityHigh, 1.5),
	signal(`default`, "default", model.SeverityHigh, 1.5),

	signal(`dispute`, "dispute", model.SeverityMedium, 1.5),
	signal(`amendment`, "amendment", model.SeverityMedium, 1),
	signal(`late\s+payment`, "late payment", model.SeverityMedium, 1),
	signal(`warranty\s+claim`, "warranty claim", model.SeverityMedium, 1),
	signal(`non-?compliance`, "non-compliance", model.SeverityMedium, 1.5),

	signal(`renewal`, "renewal", model.SeverityLow, 1),
	signal(`routine`, "routine", model.SeverityLow, 1),
	signal(`administrative`, "administrative", model.SeverityLow, 1),
	signal(`address\s+change`, "address change", model.SeverityLow, 1),
}

// Fallback is the deterministic keyword classifier used when the LLM is
// unavailable. Results are flagged and capped so they never auto-accept.
type Fallback struct {
	signals []keywordSignal
}

// NewFallback creates the fallback classifier with the built-in lexicon.
func NewFallback() *Fallback {
	return &Fallback{signals: defaultSignals}
}

// Classify scores the document against the lexicon. The severity with the
// highest matched weight wins; ties resolve to the most restrictive. With
// no matches the result is LOW at the default confidence.
func (f *Fallback) Classify(doc model.Document) Outcome {
	scores := make(map[model.Severity]float64)
	matched := make(map[model.Severity][]string)
	for _, s := range f.signals {
		if s.pattern.MatchString(doc.Text) {
			scores[s.severity] += s.weight
			matched[s.severity] = append(matched[s.severity], s.display)
		}
	}

	if len(scores) == 0 {
		return Outcome{
			Label:        model.SeverityLow,
			Confidence:   fallbackDefaultConfidence,
			Rationale:    model.FallbackRationalePrefix + "no severity keywords matched; defaulting to LOW.",
			ModelVersion: "keyword-fallback",
			Fallback:     true,
		}
	}

	best := model.SeverityLow
	bestScore := -1.0
	for _, sev := range model.Severities {
		score, ok := scores[sev]
		if !ok {
			continue
		}
		if score > bestScore || (score == bestScore && model.MoreRestrictive(sev, best)) {
			best, bestScore = sev, score
		}
	}

	// Confidence grows with matched weight but never reaches auto-accept
	// territory.
	confidence := 0.4 + 0.1*bestScore
	if confidence > fallbackMaxConfidence {
		confidence = fallbackMaxConfidence
	}

	terms := matched[best]
	sort.Strings(terms)
	return Outcome{
		Label:      best,
		Confidence: confidence,
		Rationale: fmt.Sprintf("%skeyword classifier matched %s indicators: %s.",
			model.FallbackRationalePrefix, best, strings.Join(terms, ", ")),
		ModelVersion: "keyword-fallback",
		Fallback:     true,
	}
}
