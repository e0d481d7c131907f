package penalty

import (
	"adaptive-risk-go/internal/models"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// clusterTriggerScale raises the cluster cooldown bar relative to the
// per-symbol one: a whole cluster has to look worse before it is benched.
const clusterTriggerScale = 1.25

// fastLossSeconds marks a trade as suspiciously fast when it closes in
// under five minutes.
const fastLossSeconds = 300

// Tracker scores the quality of each outcome and maintains EWMA penalties
// per symbol and per cluster. A sustained high penalty puts the symbol (or
// cluster) into a cooldown measured in adaptation cycles, during which the
// signal filter suppresses it.
type Tracker struct {
	mu  sync.RWMutex
	cfg models.PenaltyConfig

	symbolEWMA       map[string]float64
	clusterEWMA      map[string]float64
	symbolCooldowns  map[string]int
	clusterCooldowns map[string]int
	lastUpdate       time.Time

	logger *zap.SugaredLogger
}

// NewTracker creates a Tracker with the given weights and cooldown settings.
func NewTracker(cfg models.PenaltyConfig, logger *zap.SugaredLogger) *Tracker {
	return &Tracker{
		cfg:              cfg,
		symbolEWMA:       make(map[string]float64),
		clusterEWMA:      make(map[string]float64),
		symbolCooldowns:  make(map[string]int),
		clusterCooldowns: make(map[string]int),
		logger:           logger,
	}
}

// Score computes the penalty for one outcome. Only the confidence term is
// gated on the trade being a loss; a stop-out, a sub-5-minute close and a
// deep adverse excursion are penalized regardless of the final result.
func (t *Tracker) Score(o *models.TradeOutcome) float64 {
	score := 0.0
	if !o.Win {
		score += t.cfg.WeightConfidence * o.CalibratedConfidence * o.CalibratedConfidence
	}
	if o.StopHit {
		score += t.cfg.WeightStopLoss
	}
	if o.DurationSeconds < fastLossSeconds {
		score += t.cfg.WeightFastLoss
	}
	score += t.cfg.WeightMAE * (math.Abs(o.MAEBp) / 100.0)
	return score
}

// UpdateEWMA folds a penalty into the symbol and cluster averages and checks
// the cooldown trigger conditions. Re-triggering while a cooldown is already
// active does not extend or restack the remaining count.
func (t *Tracker) UpdateEWMA(symbol, cluster string, penalty float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.symbolEWMA[symbol] = t.fold(t.symbolEWMA, symbol, penalty)
	t.clusterEWMA[cluster] = t.fold(t.clusterEWMA, cluster, penalty)
	t.lastUpdate = time.Now()

	if t.symbolEWMA[symbol] > t.cfg.CooldownThreshold && t.symbolCooldowns[symbol] == 0 {
		t.symbolCooldowns[symbol] = t.cfg.CooldownCycles
		t.logger.Warnf("symbol %s entering cooldown for %d cycles (ewma %.3f > %.3f)",
			symbol, t.cfg.CooldownCycles, t.symbolEWMA[symbol], t.cfg.CooldownThreshold)
	}
	clusterBar := t.cfg.CooldownThreshold * clusterTriggerScale
	if t.clusterEWMA[cluster] > clusterBar && t.clusterCooldowns[cluster] == 0 {
		t.clusterCooldowns[cluster] = t.cfg.CooldownCycles
		t.logger.Warnf("cluster %s entering cooldown for %d cycles (ewma %.3f > %.3f)",
			cluster, t.cfg.CooldownCycles, t.clusterEWMA[cluster], clusterBar)
	}
}

// fold applies the EWMA update rule, initializing to the first observation.
// Caller holds the lock.
func (t *Tracker) fold(m map[string]float64, key string, x float64) float64 {
	prev, seen := m[key]
	if !seen {
		return x
	}
	return t.cfg.EWMAAlpha*x + (1-t.cfg.EWMAAlpha)*prev
}

// IsCoolingDown reports whether either the symbol or its cluster has a
// nonzero cooldown remaining.
func (t *Tracker) IsCoolingDown(symbol, cluster string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.symbolCooldowns[symbol] > 0 || t.clusterCooldowns[cluster] > 0
}

// TickCooldowns decrements every nonzero cooldown by one and removes entries
// reaching zero. Called exactly once per adaptation cycle, never per trade.
func (t *Tracker) TickCooldowns() {
	t.mu.Lock()
	defer t.mu.Unlock()

	tick := func(m map[string]int, kind string) {
		for key, remaining := range m {
			remaining--
			if remaining <= 0 {
				delete(m, key)
				t.logger.Infof("%s %s cooldown expired", kind, key)
			} else {
				m[key] = remaining
			}
		}
	}
	tick(t.symbolCooldowns, "symbol")
	tick(t.clusterCooldowns, "cluster")
}

// ClusterEWMA returns a copy of the cluster penalty map, consumed by the
// threshold controller's cluster coupling.
func (t *Tracker) ClusterEWMA() map[string]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]float64, len(t.clusterEWMA))
	for k, v := range t.clusterEWMA {
		out[k] = v
	}
	return out
}

// Snapshot returns the full persistable state.
func (t *Tracker) Snapshot() models.PenaltySnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return models.PenaltySnapshot{
		Version:          models.SchemaVersion,
		SymbolEWMA:       copyFloatMap(t.symbolEWMA),
		ClusterEWMA:      copyFloatMap(t.clusterEWMA),
		SymbolCooldowns:  copyIntMap(t.symbolCooldowns),
		ClusterCooldowns: copyIntMap(t.clusterCooldowns),
		LastUpdate:       t.lastUpdate,
	}
}

// Restore replaces the tracker state with a previously saved snapshot.
func (t *Tracker) Restore(s models.PenaltySnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.SymbolEWMA != nil {
		t.symbolEWMA = s.SymbolEWMA
	}
	if s.ClusterEWMA != nil {
		t.clusterEWMA = s.ClusterEWMA
	}
	if s.SymbolCooldowns != nil {
		t.symbolCooldowns = s.SymbolCooldowns
	}
	if s.ClusterCooldowns != nil {
		t.clusterCooldowns = s.ClusterCooldowns
	}
	t.lastUpdate = s.LastUpdate
}

func copyFloatMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyIntMap(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
