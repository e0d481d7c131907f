package drift

import (
	"adaptive-risk-go/internal/models"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// maxHistory bounds the drift-event log.
const maxHistory = 50

// Metric names for the three monitored streams.
const (
	MetricReturn           = "return"
	MetricCalibrationError = "calibration_error"
	MetricPenalty          = "penalty"
)

// Adjustments is what prudent mode asks the rest of the system to do:
// raise acceptance thresholds and cut position sizes.
type Adjustments struct {
	ThresholdBump   float64 `json:"threshold_bump"`
	KellyMultiplier float64 `json:"kelly_multiplier"`
}

// Summary exposes the detector state for monitoring.
type Summary struct {
	PrudentModeActive      bool               `json:"prudent_mode_active"`
	PrudentCyclesRemaining int                `json:"prudent_cycles_remaining"`
	DriftCounts            map[string]int     `json:"drift_counts"`
	LastEvent              *models.DriftEvent `json:"last_event,omitempty"`
}

// pageHinkley is one sequential mean-shift test. The cumulative sum drifts
// by (x - λ) per observation; when it rises more than δ above its running
// minimum the test fires and resets.
type pageHinkley struct {
	lambda float64
	delta  float64
	state  models.PageHinkleyState
}

// observe feeds one sample and reports whether the test fired.
func (ph *pageHinkley) observe(x float64) (float64, bool) {
	ph.state.Sum += x - ph.lambda
	ph.state.MinSum = math.Min(ph.state.MinSum, ph.state.Sum)
	magnitude := ph.state.Sum - ph.state.MinSum
	if magnitude > ph.delta {
		ph.state.Sum = 0
		ph.state.MinSum = 0
		ph.state.DriftCount++
		ph.state.LastDriftTime = time.Now()
		return magnitude, true
	}
	return magnitude, false
}

// Detector runs independent Page-Hinkley tests over per-trade return,
// calibration error and penalty, and raises a global prudent-mode flag when
// any of them detects a persistent shift.
type Detector struct {
	mu  sync.RWMutex
	cfg models.DriftConfig

	returns     pageHinkley
	calibration pageHinkley
	penalty     pageHinkley

	prudentActive          bool
	prudentCyclesRemaining int
	history                []models.DriftEvent
	lastUpdate             time.Time

	logger *zap.SugaredLogger
}

// NewDetector creates a Detector. The calibration-error test runs at a
// stricter δ than the other two.
func NewDetector(cfg models.DriftConfig, logger *zap.SugaredLogger) *Detector {
	return &Detector{
		cfg:         cfg,
		returns:     pageHinkley{lambda: cfg.Lambda, delta: cfg.DeltaReturn},
		calibration: pageHinkley{lambda: cfg.Lambda, delta: cfg.DeltaCalibration},
		penalty:     pageHinkley{lambda: cfg.Lambda, delta: cfg.DeltaPenalty},
		logger:      logger,
	}
}

// Observe feeds one completed trade into all three tests. The return test
// consumes ROE%/100, the calibration test consumes |calibrated - actual|
// and the penalty test the raw penalty score. It returns the metrics that
// fired, if any.
func (d *Detector) Observe(o *models.TradeOutcome) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	actual := 0.0
	if o.Win {
		actual = 1.0
	}

	var fired []string
	if mag, hit := d.returns.observe(o.ROEPct / 100.0); hit {
		fired = append(fired, MetricReturn)
		d.recordDrift(MetricReturn, mag)
	}
	if mag, hit := d.calibration.observe(math.Abs(o.CalibratedConfidence - actual)); hit {
		fired = append(fired, MetricCalibrationError)
		d.recordDrift(MetricCalibrationError, mag)
	}
	if mag, hit := d.penalty.observe(o.Penalty); hit {
		fired = append(fired, MetricPenalty)
		d.recordDrift(MetricPenalty, mag)
	}
	d.lastUpdate = time.Now()
	return fired
}

// recordDrift activates prudent mode and appends to the bounded history.
// A fire while a countdown is already running overwrites it rather than
// extending it. Caller holds the lock.
func (d *Detector) recordDrift(metric string, magnitude float64) {
	d.prudentActive = true
	d.prudentCyclesRemaining = d.cfg.PrudentCycles

	event := models.DriftEvent{Metric: metric, Magnitude: magnitude, Time: time.Now()}
	d.history = append(d.history, event)
	if len(d.history) > maxHistory {
		d.history = d.history[len(d.history)-maxHistory:]
	}
	d.logger.Warnf("drift detected on %s (magnitude %.4f); prudent mode for %d cycles",
		metric, magnitude, d.cfg.PrudentCycles)
}

// DecrementPrudentMode counts one adaptation cycle down; at zero the flag
// clears. Called exactly once per cycle.
func (d *Detector) DecrementPrudentMode() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.prudentActive {
		return
	}
	d.prudentCyclesRemaining--
	if d.prudentCyclesRemaining <= 0 {
		d.prudentActive = false
		d.prudentCyclesRemaining = 0
		d.logger.Info("prudent mode cleared")
	}
}

// PrudentAdjustments returns the risk-reduction knobs while prudent mode is
// active, and the identity adjustments otherwise.
func (d *Detector) PrudentAdjustments() Adjustments {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.prudentActive {
		return Adjustments{ThresholdBump: 0.05, KellyMultiplier: 0.5}
	}
	return Adjustments{ThresholdBump: 0, KellyMultiplier: 1.0}
}

// Summary exposes the flag, countdown, cumulative drift counts and the most
// recent event.
func (d *Detector) Summary() Summary {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := Summary{
		PrudentModeActive:      d.prudentActive,
		PrudentCyclesRemaining: d.prudentCyclesRemaining,
		DriftCounts: map[string]int{
			MetricReturn:           d.returns.state.DriftCount,
			MetricCalibrationError: d.calibration.state.DriftCount,
			MetricPenalty:          d.penalty.state.DriftCount,
		},
	}
	if len(d.history) > 0 {
		last := d.history[len(d.history)-1]
		s.LastEvent = &last
	}
	return s
}

// Snapshot returns the full persistable state.
func (d *Detector) Snapshot() models.DriftSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	history := make([]models.DriftEvent, len(d.history))
	copy(history, d.history)
	return models.DriftSnapshot{
		Version:                models.SchemaVersion,
		Return:                 d.returns.state,
		CalibrationError:       d.calibration.state,
		Penalty:                d.penalty.state,
		PrudentModeActive:      d.prudentActive,
		PrudentCyclesRemaining: d.prudentCyclesRemaining,
		History:                history,
		LastUpdate:             d.lastUpdate,
	}
}

// Restore replaces the detector state with a previously saved snapshot.
func (d *Detector) Restore(s models.DriftSnapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.returns.state = s.Return
	d.calibration.state = s.CalibrationError
	d.penalty.state = s.Penalty
	d.prudentActive = s.PrudentModeActive
	d.prudentCyclesRemaining = s.PrudentCyclesRemaining
	d.history = s.History
	d.lastUpdate = s.LastUpdate
}
