package confidence

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/hanrei/internal/model"
	"github.com/ashita-ai/hanrei/internal/storage"
)

// minCalibrationSamples is the floor below which history is too thin to
// adjust anything and the factor stays neutral.
const minCalibrationSamples = 10

// calibrationCacheTTL is how long a computed snapshot is reused before the
// review history is re-queried.
const calibrationCacheTTL = time.Hour

// SampleSource provides reviewed classification outcomes.
type SampleSource interface {
	CalibrationSamples(ctx context.Context, window time.Duration) ([]storage.CalibrationSample, error)
}

// Calibrator turns the trailing review history into a multiplicative
// confidence adjustment. Predicted confidences are grouped into tenth-wide
// bins; a bin whose reviewed accuracy beats 0.5 pushes the factor above 1,
// an inaccurate bin pushes it below, and predictions far from the typical
// confidence for their label pay an extra deviation penalty. The factor is
// clamped to [0.5, 1.5].
type Calibrator struct {
	source SampleSource
	window time.Duration
	logger *slog.Logger

	group singleflight.Group

	mu        sync.RWMutex
	snapshot  *calibrationSnapshot
	expiresAt time.Time
}

type calibrationSnapshot struct {
	binCount     [10]int
	binCorrect   [10]int
	total        int
	correct      int
	labelConfSum map[model.Severity]float64
	labelCount   map[model.Severity]int
}

// NewCalibrator creates a Calibrator over the given review window.
func NewCalibrator(source SampleSource, windowDays int, logger *slog.Logger) *Calibrator {
	return &Calibrator{
		source: source,
		window: time.Duration(windowDays) * 24 * time.Hour,
		logger: logger,
	}
}

// FactorFor returns the calibration factor for a predicted confidence and
// label: 0.5 + 0.8*(bin_accuracy - 0.5) minus a deviation penalty of up to
// 0.3 when the prediction sits far from the label's historical mean
// confidence, clamped to [0.5, 1.5]. History failures degrade to the
// neutral factor rather than failing the classification.
func (c *Calibrator) FactorFor(ctx context.Context, predicted float64, label model.Severity) float64 {
	snap, err := c.current(ctx)
	if err != nil {
		c.logger.Warn("calibration history unavailable, using neutral factor", "error", err)
		return 1.0
	}
	if snap.total < minCalibrationSamples {
		return 1.0
	}

	bin := binIndex(predicted)
	accuracy := float64(snap.correct) / float64(snap.total)
	if snap.binCount[bin] > 0 {
		accuracy = float64(snap.binCorrect[bin]) / float64(snap.binCount[bin])
	}

	var deviation float64
	if n := snap.labelCount[label]; n > 0 {
		mean := snap.labelConfSum[label] / float64(n)
		deviation = math.Min(0.5*math.Abs(predicted-mean), 0.3)
	}

	return clampCalibration(0.5 + 0.8*(accuracy-0.5) - deviation)
}

// current returns the cached snapshot, recomputing it at most once per TTL
// across all callers.
func (c *Calibrator) current(ctx context.Context) (*calibrationSnapshot, error) {
	c.mu.RLock()
	if c.snapshot != nil && time.Now().Before(c.expiresAt) {
		snap := c.snapshot
		c.mu.RUnlock()
		return snap, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do("snapshot", func() (any, error) {
		c.mu.RLock()
		if c.snapshot != nil && time.Now().Before(c.expiresAt) {
			snap := c.snapshot
			c.mu.RUnlock()
			return snap, nil
		}
		c.mu.RUnlock()

		samples, err := c.source.CalibrationSamples(ctx, c.window)
		if err != nil {
			return nil, err
		}
		snap := buildSnapshot(samples)

		c.mu.Lock()
		c.snapshot = snap
		c.expiresAt = time.Now().Add(calibrationCacheTTL)
		c.mu.Unlock()

		c.logger.Debug("calibration snapshot refreshed",
			"samples", snap.total, "accuracy", safeRatio(snap.correct, snap.total))
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*calibrationSnapshot), nil
}

// Invalidate drops the cached snapshot, forcing a reload on next use.
// Called after a review lands so feedback shows up promptly.
func (c *Calibrator) Invalidate() {
	c.mu.Lock()
	c.snapshot = nil
	c.mu.Unlock()
}

func buildSnapshot(samples []storage.CalibrationSample) *calibrationSnapshot {
	snap := &calibrationSnapshot{
		labelConfSum: make(map[model.Severity]float64),
		labelCount:   make(map[model.Severity]int),
	}
	for _, s := range samples {
		bin := binIndex(s.Confidence)
		snap.binCount[bin]++
		snap.total++
		if s.Correct {
			snap.binCorrect[bin]++
			snap.correct++
		}
		snap.labelConfSum[s.Label] += s.Confidence
		snap.labelCount[s.Label]++
	}
	return snap
}

func binIndex(confidence float64) int {
	bin := int(confidence * 10)
	if bin < 0 {
		return 0
	}
	if bin > 9 {
		return 9
	}
	return bin
}

func safeRatio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
