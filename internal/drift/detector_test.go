package drift

import (
	"adaptive-risk-go/internal/models"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestDetector(cfg models.DriftConfig) *Detector {
	return NewDetector(cfg, zap.NewNop().Sugar())
}

func TestObserve_ConstantStreamNeverFires(t *testing.T) {
	cfg := models.DriftConfig{
		Lambda:           0.005,
		DeltaReturn:      0.5,
		DeltaCalibration: 0.35,
		DeltaPenalty:     0.5,
		PrudentCycles:    40,
	}
	d := newTestDetector(cfg)

	// Every monitored stream observes exactly λ per trade, so the cumulative
	// sum never rises above its running minimum.
	o := &models.TradeOutcome{
		ROEPct:               0.5,  // 0.5% / 100 = 0.005
		Win:                  true, // |0.995 - 1| = 0.005
		CalibratedConfidence: 0.995,
		Penalty:              0.005,
	}
	for i := 0; i < 1000; i++ {
		fired := d.Observe(o)
		assert.Empty(t, fired, "observation %d should not fire", i)
	}
	assert.False(t, d.Summary().PrudentModeActive)
}

func TestObserve_UpwardShiftFires(t *testing.T) {
	cfg := models.DriftConfig{
		Lambda:           0.5,
		DeltaReturn:      0.02,
		DeltaCalibration: 0.02,
		DeltaPenalty:     0.02,
		PrudentCycles:    40,
	}
	d := newTestDetector(cfg)

	// x = 0.6, so the sum rises 0.1 above the running minimum on the first
	// observation, past δ = 0.02.
	o := &models.TradeOutcome{ROEPct: 60, Win: true, CalibratedConfidence: 1.0}
	fired := d.Observe(o)
	assert.Contains(t, fired, MetricReturn)
	assert.True(t, d.Summary().PrudentModeActive)
	assert.Equal(t, 1, d.Summary().DriftCounts[MetricReturn])
}

func TestPrudentMode_AdjustmentsAndCountdown(t *testing.T) {
	cfg := models.DriftConfig{
		Lambda:           0.5,
		DeltaReturn:      0.02,
		DeltaCalibration: 10, // keep the other tests quiet
		DeltaPenalty:     10,
		PrudentCycles:    3,
	}
	d := newTestDetector(cfg)

	assert.Equal(t, Adjustments{ThresholdBump: 0, KellyMultiplier: 1.0}, d.PrudentAdjustments())

	d.Observe(&models.TradeOutcome{ROEPct: 60, Win: true, CalibratedConfidence: 1.0})
	assert.Equal(t, Adjustments{ThresholdBump: 0.05, KellyMultiplier: 0.5}, d.PrudentAdjustments())

	d.DecrementPrudentMode()
	d.DecrementPrudentMode()
	assert.True(t, d.Summary().PrudentModeActive, "prudent mode should hold through 2 of 3 cycles")

	d.DecrementPrudentMode()
	assert.False(t, d.Summary().PrudentModeActive)
	assert.Equal(t, Adjustments{ThresholdBump: 0, KellyMultiplier: 1.0}, d.PrudentAdjustments())
}

func TestRecordDrift_RefiresOverwriteCountdown(t *testing.T) {
	cfg := models.DriftConfig{
		Lambda:           0.5,
		DeltaReturn:      0.02,
		DeltaCalibration: 10,
		DeltaPenalty:     10,
		PrudentCycles:    5,
	}
	d := newTestDetector(cfg)

	o := &models.TradeOutcome{ROEPct: 60, Win: true, CalibratedConfidence: 1.0}
	d.Observe(o)
	d.DecrementPrudentMode()
	d.DecrementPrudentMode()
	assert.Equal(t, 3, d.Summary().PrudentCyclesRemaining)

	// A second fire resets the countdown to the full window, it does not stack.
	d.Observe(o)
	assert.Equal(t, 5, d.Summary().PrudentCyclesRemaining)
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	cfg := models.DriftConfig{
		Lambda:           0.5,
		DeltaReturn:      0.02,
		DeltaCalibration: 10,
		DeltaPenalty:     10,
		PrudentCycles:    4,
	}
	d := newTestDetector(cfg)
	d.Observe(&models.TradeOutcome{ROEPct: 60, Win: true, CalibratedConfidence: 1.0})
	d.DecrementPrudentMode()

	snap := d.Snapshot()
	assert.Equal(t, models.SchemaVersion, snap.Version)

	restored := newTestDetector(cfg)
	restored.Restore(snap)

	sum := restored.Summary()
	assert.True(t, sum.PrudentModeActive)
	assert.Equal(t, 3, sum.PrudentCyclesRemaining)
	assert.Equal(t, 1, sum.DriftCounts[MetricReturn])
	assert.NotNil(t, sum.LastEvent)
	assert.Equal(t, MetricReturn, sum.LastEvent.Metric)
}
