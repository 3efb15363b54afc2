// Package confidence computes the final confidence score for a
// classification from five weighted factors, calibrates it against
// historical review accuracy, and derives warnings and routing.
package confidence

import (
	"log/slog"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/hanrei/internal/config"
	"github.com/ashita-ai/hanrei/internal/model"
	"github.com/ashita-ai/hanrei/internal/rules"
)

// Inputs collects everything the calculator needs about one classification.
type Inputs struct {
	Label           model.Severity
	ModelConfidence float64
	Context         model.ContextBlock
	Rules           rules.Decision
	Calibration     float64 // multiplicative factor in [0.5, 1.5]
}

// Result is the computed confidence with its factor breakdown.
type Result struct {
	Confidence float64
	Factors    model.ConfidenceFactors
	Warning    *model.ConfidenceWarning
	Routing    model.Routing
}

// Calculator combines the five factors under configured weights.
type Calculator struct {
	cfg    config.ConfidenceConfig
	logger *slog.Logger
}

// NewCalculator creates a Calculator. Weights are normalized to sum to 1;
// a user-supplied set that sums to anything else is rescaled and logged.
func NewCalculator(cfg config.ConfidenceConfig, logger *slog.Logger) *Calculator {
	sum := cfg.WeightModel + cfg.WeightSimilarity + cfg.WeightRules +
		cfg.WeightEvidence + cfg.WeightCalibration
	if sum > 0 && math.Abs(sum-1) > 1e-9 {
		logger.Warn("confidence weights renormalized", "sum", sum)
		cfg.WeightModel /= sum
		cfg.WeightSimilarity /= sum
		cfg.WeightRules /= sum
		cfg.WeightEvidence /= sum
		cfg.WeightCalibration /= sum
	}
	return &Calculator{cfg: cfg, logger: logger}
}

// Compute produces the final confidence, warnings, and routing decision.
//
// The score is the weighted sum of all five factors, multiplied once more
// by the calibration factor so a historically overconfident system is
// pulled down across the board, then clamped to [0,1].
func (c *Calculator) Compute(in Inputs) Result {
	factors := model.ConfidenceFactors{
		Model:           clamp01(in.ModelConfidence),
		ChunkSimilarity: chunkSimilarityFactor(in.Context),
		RuleSupport:     ruleSupportFactor(in.Rules),
		EvidenceQuality: evidenceQualityFactor(in.Context),
		Calibration:     clampCalibration(in.Calibration),
	}

	weighted := c.cfg.WeightModel*factors.Model +
		c.cfg.WeightSimilarity*factors.ChunkSimilarity +
		c.cfg.WeightRules*factors.RuleSupport +
		c.cfg.WeightEvidence*factors.EvidenceQuality +
		c.cfg.WeightCalibration*factors.Calibration
	score := clamp01(weighted * factors.Calibration)

	warning := warn(in, factors, score)
	return Result{
		Confidence: score,
		Factors:    factors,
		Warning:    warning,
		Routing:    route(warning),
	}
}

// chunkSimilarityFactor is the exp(2*sim)-weighted mean of chunk
// similarities. Exponential weighting lets a single excellent match
// dominate a tail of mediocre ones.
func chunkSimilarityFactor(block model.ContextBlock) float64 {
	if block.Empty() {
		return 0
	}
	var num, den float64
	for _, ch := range block.Chunks {
		w := math.Exp(2 * ch.Similarity)
		num += w * ch.Similarity
		den += w
	}
	if den == 0 {
		return 0
	}
	return clamp01(num / den)
}

// ruleSupportFactor rates how strongly the applied rules back the final
// label. No applied rules is neutral 0.5; beyond that the score rises with
// rule priority and with condition specificity (more conditions per rule
// means a narrower, more deliberate match).
func ruleSupportFactor(d rules.Decision) float64 {
	n := len(d.Applied)
	if n == 0 {
		return 0.5
	}
	var prioritySum, conditionSum float64
	for _, a := range d.Applied {
		prioritySum += float64(a.Rule.Priority)
		conditionSum += float64(len(a.Rule.Conditions))
	}
	priorityNorm := math.Min(prioritySum/(100*float64(n)), 1)
	specificityNorm := math.Min(conditionSum/float64(n)/5, 1)
	return clamp01(0.5 + 0.5*(0.6*priorityNorm+0.4*specificityNorm))
}

// evidenceQualityFactor scores the evidence set on four weighted axes:
// 0.3 quantity + 0.25 diversity + 0.25 length + 0.2 consistency.
func evidenceQualityFactor(block model.ContextBlock) float64 {
	if block.Empty() {
		return 0
	}
	n := len(block.Chunks)

	// Quantity: linear up to 3 pieces, flat to 5, then each extra piece
	// costs 0.1 down to a floor of 0.7.
	var quantity float64
	switch {
	case n <= 3:
		quantity = float64(n) / 3
	case n <= 5:
		quantity = 1
	default:
		quantity = math.Max(0.7, 1-0.1*float64(n-5))
	}

	docs := make(map[uuid.UUID]bool, n)
	bucketSet := make(map[uuid.UUID]bool, n)
	var wordSum float64
	sims := make([]float64, n)
	for i, ch := range block.Chunks {
		docs[ch.SourceDocumentID] = true
		bucketSet[ch.BucketID] = true
		wordSum += float64(len(strings.Fields(ch.Text)))
		sims[i] = ch.Similarity
	}

	// Diversity: distinct sources and buckets relative to set size.
	diversity := math.Min(1, float64(len(docs)+len(bucketSet))/float64(n+2))

	// Length: very short chunks carry little signal, very long ones dilute it.
	avgWords := wordSum / float64(n)
	var length float64
	switch {
	case avgWords < 10:
		length = avgWords / 10
	case avgWords <= 200:
		length = 1
	default:
		length = math.Max(0.5, 1-(avgWords-200)/600)
	}

	consistency := math.Max(0, 1-2*stddev(sims))

	return clamp01(0.3*quantity + 0.25*diversity + 0.25*length + 0.2*consistency)
}

func stddev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func clampCalibration(v float64) float64 {
	if v == 0 {
		return 1.0
	}
	return math.Max(0.5, math.Min(1.5, v))
}
