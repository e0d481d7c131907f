package calibration

import (
	"adaptive-risk-go/internal/models"
	"adaptive-risk-go/internal/outcomestore"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Source is the slice of the outcome store the calibrator refits from.
type Source interface {
	SideTimeframes() ([]struct {
		Side      models.Side
		Timeframe string
	}, error)
	CalibrationPairs(side models.Side, timeframe string, window int) ([]outcomestore.CalibrationPair, error)
}

// ChangeSummary reports what a refit touched.
type ChangeSummary struct {
	BucketsRefit int `json:"buckets_refit"`
	PairsUsed    int `json:"pairs_used"`
}

// Info exposes calibrator shape for monitoring.
type Info struct {
	BucketCount int `json:"bucket_count"`
}

// Calibrator maps a raw model confidence to an empirical win probability,
// keyed by (side, timeframe). Calibrate is a pure lookup against an atomic
// snapshot of binned win rates; buckets without a fit degrade to the
// identity mapping.
type Calibrator struct {
	cfg    models.CalibrationConfig
	curves atomic.Pointer[map[string]models.CalibrationCurve]
	logger *zap.SugaredLogger
}

// NewCalibrator creates a Calibrator with no fitted curves: every bucket
// starts as the identity mapping.
func NewCalibrator(cfg models.CalibrationConfig, logger *zap.SugaredLogger) *Calibrator {
	c := &Calibrator{cfg: cfg, logger: logger}
	empty := make(map[string]models.CalibrationCurve)
	c.curves.Store(&empty)
	return c
}

func bucketKey(side models.Side, timeframe string) string {
	return fmt.Sprintf("%s|%s", side, timeframe)
}

// Calibrate maps rawConfidence into [0,1] using the fitted curve for the
// (side, timeframe) bucket. Callable on every candidate signal; never blocks.
func (c *Calibrator) Calibrate(rawConfidence float64, side models.Side, timeframe string) float64 {
	raw := clamp01(rawConfidence)

	curves := *c.curves.Load()
	curve, ok := curves[bucketKey(side, timeframe)]
	// A missing curve degrades to identity, and so does a restored snapshot
	// whose bin arrays disagree in length.
	if !ok || len(curve.BinWinRates) == 0 || len(curve.BinCounts) != len(curve.BinWinRates) {
		return raw
	}

	bin := int(raw * float64(len(curve.BinWinRates)))
	if bin >= len(curve.BinWinRates) {
		bin = len(curve.BinWinRates) - 1
	}
	// Bins that never accumulated enough samples stay identity-mapped.
	if curve.BinCounts[bin] < c.cfg.MinBinSamples {
		return raw
	}
	return clamp01(curve.BinWinRates[bin])
}

// RecalibrateAll refits every (side, timeframe) curve from historical
// (raw confidence, result) pairs. Invoked only from inside an adaptation
// cycle; the snapshot swap keeps concurrent Calibrate calls consistent.
func (c *Calibrator) RecalibrateAll(src Source) (ChangeSummary, error) {
	buckets, err := src.SideTimeframes()
	if err != nil {
		return ChangeSummary{}, err
	}

	next := make(map[string]models.CalibrationCurve, len(buckets))
	summary := ChangeSummary{}

	for _, b := range buckets {
		pairs, err := src.CalibrationPairs(b.Side, b.Timeframe, c.cfg.HistoryWindow)
		if err != nil {
			c.logger.Warnf("recalibrate: pairs for %s/%s unavailable: %v", b.Side, b.Timeframe, err)
			continue
		}
		if len(pairs) == 0 {
			continue
		}

		curve := c.fit(pairs)
		next[bucketKey(b.Side, b.Timeframe)] = curve
		summary.BucketsRefit++
		summary.PairsUsed += len(pairs)
	}

	c.curves.Store(&next)
	return summary, nil
}

// fit bins the pairs by raw confidence and records each bin's empirical win
// rate and sample count.
func (c *Calibrator) fit(pairs []outcomestore.CalibrationPair) models.CalibrationCurve {
	bins := c.cfg.Bins
	if bins <= 0 {
		bins = 10
	}
	winRates := make([]float64, bins)
	counts := make([]int, bins)
	wins := make([]int, bins)

	for _, p := range pairs {
		bin := int(clamp01(p.RawConfidence) * float64(bins))
		if bin >= bins {
			bin = bins - 1
		}
		counts[bin]++
		if p.Win {
			wins[bin]++
		}
	}
	for i := range winRates {
		if counts[i] > 0 {
			winRates[i] = float64(wins[i]) / float64(counts[i])
		}
	}
	return models.CalibrationCurve{BinWinRates: winRates, BinCounts: counts, FittedAt: time.Now()}
}

// Info reports the number of fitted buckets.
func (c *Calibrator) Info() Info {
	return Info{BucketCount: len(*c.curves.Load())}
}

// Snapshot returns the full persistable state.
func (c *Calibrator) Snapshot() models.CalibrationSnapshot {
	curves := *c.curves.Load()
	out := make(map[string]models.CalibrationCurve, len(curves))
	for k, v := range curves {
		out[k] = v
	}
	return models.CalibrationSnapshot{Version: models.SchemaVersion, Curves: out}
}

// Restore replaces the fitted curves with a previously saved snapshot.
func (c *Calibrator) Restore(s models.CalibrationSnapshot) {
	curves := s.Curves
	if curves == nil {
		curves = make(map[string]models.CalibrationCurve)
	}
	c.curves.Store(&curves)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
