package confidence

import "github.com/ashita-ai/hanrei/internal/model"

// Warning thresholds on the final confidence score. At or above the low
// threshold no warning is raised at all.
const (
	warnCriticalBelow = 0.3
	warnHighBelow     = 0.5
	warnMediumBelow   = 0.7
	warnLowBelow      = 0.85
)

// warn derives the structured warning for a result. Scores at or above the
// low threshold produce no warning; below it, the level follows the score
// and the reasons enumerate every suspicious signal that fired.
func warn(in Inputs, f model.ConfidenceFactors, final float64) *model.ConfidenceWarning {
	level, flagged := warningLevel(final)
	if !flagged {
		return nil
	}

	var reasons []model.WarningReason
	if f.Model < 0.6 {
		reasons = append(reasons, model.ReasonLowModelConfidence)
	}
	if f.ChunkSimilarity < 0.5 {
		reasons = append(reasons, model.ReasonLowChunkSimilarity)
	}
	if f.EvidenceQuality < 0.4 {
		reasons = append(reasons, model.ReasonPoorEvidenceQuality)
	}
	if f.RuleSupport < 0.6 {
		if len(in.Rules.Matched) == 0 {
			reasons = append(reasons, model.ReasonNoRuleSupport)
		} else {
			reasons = append(reasons, model.ReasonConflictingRules)
		}
	}
	if f.Calibration < 0.8 {
		reasons = append(reasons, model.ReasonHistoricalInaccuracy)
	}
	if (in.Label == model.SeverityCritical || in.Label == model.SeverityLow) && f.Model < 0.8 {
		reasons = append(reasons, model.ReasonExtremeSeverity)
	}
	if len(in.Context.Chunks) < 2 {
		reasons = append(reasons, model.ReasonInsufficientContext)
	}
	if f.Model < 0.2 || f.Model > 0.98 {
		reasons = append(reasons, model.ReasonModelUncertainty)
	}
	if similaritySpan(in.Context) > 0.4 {
		reasons = append(reasons, model.ReasonInconsistentEvidence)
	}

	return &model.ConfidenceWarning{Level: level, Reasons: reasons}
}

func warningLevel(score float64) (model.WarningLevel, bool) {
	switch {
	case score < warnCriticalBelow:
		return model.WarningCritical, true
	case score < warnHighBelow:
		return model.WarningHigh, true
	case score < warnMediumBelow:
		return model.WarningMedium, true
	case score < warnLowBelow:
		return model.WarningLow, true
	default:
		return "", false
	}
}

// similaritySpan is the spread between the best and worst evidence scores.
// A wide spread across two or more pieces means the evidence disagrees
// about how relevant this context really is.
func similaritySpan(block model.ContextBlock) float64 {
	if len(block.Chunks) < 2 {
		return 0
	}
	lo, hi := block.Chunks[0].Similarity, block.Chunks[0].Similarity
	for _, ch := range block.Chunks[1:] {
		if ch.Similarity < lo {
			lo = ch.Similarity
		}
		if ch.Similarity > hi {
			hi = ch.Similarity
		}
	}
	return hi - lo
}

// route maps the warning state onto a routing decision. An unwarned result
// auto-accepts; the warning level escalates from there, with the medium
// tier routed to review only when the prediction is extreme or several
// reasons stack up.
func route(warning *model.ConfidenceWarning) model.Routing {
	if warning == nil {
		return model.RouteAutoAccept
	}
	switch warning.Level {
	case model.WarningCritical:
		return model.RouteHumanTriage
	case model.WarningHigh:
		return model.RouteHumanReview
	case model.WarningMedium:
		if warning.HasReason(model.ReasonExtremeSeverity) || len(warning.Reasons) >= 3 {
			return model.RouteHumanReview
		}
		return model.RouteAutoAccept
	default:
		return model.RouteAutoAccept
	}
}
