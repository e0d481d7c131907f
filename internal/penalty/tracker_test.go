package penalty

import (
	"adaptive-risk-go/internal/models"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestTracker() *Tracker {
	cfg := models.PenaltyConfig{
		WeightConfidence:  1.0,
		WeightStopLoss:    0.5,
		WeightFastLoss:    0.3,
		WeightMAE:         0.2,
		CooldownThreshold: 1.2,
		CooldownCycles:    3,
		EWMAAlpha:         0.15,
	}
	return NewTracker(cfg, zap.NewNop().Sugar())
}

func TestScore_LossWithAllTerms(t *testing.T) {
	tr := newTestTracker()

	// A confident loss that stopped out in 100s with 150bp adverse excursion.
	o := &models.TradeOutcome{
		Win:                  false,
		CalibratedConfidence: 0.8,
		StopHit:              true,
		DurationSeconds:      100,
		MAEBp:                -150,
	}
	// 1.0*0.64 + 0.5 + 0.3 + 0.2*1.5
	assert.InDelta(t, 1.74, tr.Score(o), 1e-9)
}

func TestScore_ConfidenceTermOnlyOnLoss(t *testing.T) {
	tr := newTestTracker()

	win := &models.TradeOutcome{
		Win:                  true,
		CalibratedConfidence: 0.9,
		DurationSeconds:      3600,
		MAEBp:                -50,
	}
	// Only the MAE term applies: 0.2 * 0.5.
	assert.InDelta(t, 0.10, tr.Score(win), 1e-9)

	loss := *win
	loss.Win = false
	assert.InDelta(t, 0.10+0.9*0.9, tr.Score(&loss), 1e-9)
}

func TestUpdateEWMA_FirstObservationInitializes(t *testing.T) {
	tr := newTestTracker()

	tr.UpdateEWMA("BTCUSDT", "MAJOR", 0.6)
	assert.InDelta(t, 0.6, tr.ClusterEWMA()["MAJOR"], 1e-9)

	// Second observation folds with alpha.
	tr.UpdateEWMA("BTCUSDT", "MAJOR", 1.0)
	assert.InDelta(t, 0.15*1.0+0.85*0.6, tr.ClusterEWMA()["MAJOR"], 1e-9)
}

func TestCooldown_ExpiresAfterExactCycles(t *testing.T) {
	tr := newTestTracker()

	tr.UpdateEWMA("DOGEUSDT", "MEME", 2.0)
	assert.True(t, tr.IsCoolingDown("DOGEUSDT", "MEME"))

	tr.TickCooldowns()
	tr.TickCooldowns()
	assert.True(t, tr.IsCoolingDown("DOGEUSDT", "MEME"), "cooldown should still hold after 2 of 3 cycles")

	tr.TickCooldowns()
	assert.False(t, tr.IsCoolingDown("DOGEUSDT", "MEME"), "cooldown should expire after exactly 3 cycles")
}

func TestCooldown_RetriggerDoesNotExtend(t *testing.T) {
	tr := newTestTracker()

	tr.UpdateEWMA("DOGEUSDT", "MEME", 2.0)
	tr.TickCooldowns()

	// Still above threshold while cooling down; remaining count must not reset.
	tr.UpdateEWMA("DOGEUSDT", "MEME", 2.0)

	tr.TickCooldowns()
	tr.TickCooldowns()
	assert.False(t, tr.IsCoolingDown("DOGEUSDT", "MEME"))
}

func TestCooldown_ClusterTriggersAtHigherBar(t *testing.T) {
	tr := newTestTracker()

	// 1.3 exceeds the symbol threshold (1.2) but not the cluster one (1.5).
	tr.UpdateEWMA("PEPEUSDT", "MEME", 1.3)
	assert.True(t, tr.IsCoolingDown("PEPEUSDT", "MEME"))
	assert.False(t, tr.IsCoolingDown("OTHERUSDT", "MEME"), "cluster must not be benched below 1.25x threshold")

	tr2 := newTestTracker()
	tr2.UpdateEWMA("PEPEUSDT", "MEME", 1.6)
	assert.True(t, tr2.IsCoolingDown("OTHERUSDT", "MEME"), "whole cluster benched above 1.25x threshold")
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	tr := newTestTracker()
	tr.UpdateEWMA("BTCUSDT", "MAJOR", 0.4)
	tr.UpdateEWMA("DOGEUSDT", "MEME", 2.0)
	tr.TickCooldowns()

	snap := tr.Snapshot()
	assert.Equal(t, models.SchemaVersion, snap.Version)

	restored := newTestTracker()
	restored.Restore(snap)

	assert.Equal(t, tr.ClusterEWMA(), restored.ClusterEWMA())
	assert.True(t, restored.IsCoolingDown("DOGEUSDT", "MEME"))
	restored.TickCooldowns()
	restored.TickCooldowns()
	assert.False(t, restored.IsCoolingDown("DOGEUSDT", "MEME"))
}
