package threshold

import (
	"adaptive-risk-go/internal/models"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// updateInterval is the wall-clock fallback for ShouldUpdate when the trade
// counter alone has not reached the trigger.
const updateInterval = 12 * time.Hour

// statsWindow is the trailing-row window the win-rate bands are computed over.
const statsWindow = 100

// Tuning bands. Win rates outside a band nudge the corresponding threshold
// toward more (or less) selectivity.
const (
	globalRaiseBelow = 0.70
	globalLowerAbove = 0.80
	globalRaiseStep  = 0.02
	globalLowerStep  = 0.01

	sideRaiseBelow = 0.65
	sideLowerAbove = 0.82
	sideRaiseStep  = 0.03
	sideLowerStep  = 0.02

	tfRaiseBelow = 0.68
	tfLowerAbove = 0.80
	tfRaiseStep  = 0.02
	tfLowerStep  = 0.01

	clusterPenaltyHigh = 1.5
	clusterPenaltyLow  = 0.8
	clusterRaiseStep   = 0.05
	clusterLowerStep   = 0.02
)

// StatsSource is the slice of the outcome store the controller reads.
type StatsSource interface {
	Statistics(window int, f models.StatFilter) (models.Statistics, error)
	SideTimeframes() ([]struct {
		Side      models.Side
		Timeframe string
	}, error)
}

// thresholdSet is an immutable snapshot of the full hierarchy. Readers load
// it through an atomic pointer so the hot-path EffectiveThreshold never
// waits on an in-flight update.
type thresholdSet struct {
	global      float64
	bySide      map[models.Side]float64
	byTimeframe map[string]float64
	byCluster   map[string]float64
	lastUpdate  time.Time
}

// Controller owns the hierarchy of acceptance thresholds and nudges each
// level toward its target win-rate band once per adaptation cycle.
// Invariant: the effective threshold is the max of the four levels and is
// never below the global one.
type Controller struct {
	cfg models.ThresholdConfig

	current atomic.Pointer[thresholdSet]
	mu      sync.Mutex // serializes Update/Restore
	trades  atomic.Int64

	logger *zap.SugaredLogger
}

// NewController creates a Controller seeded with the configured initial
// thresholds for the global, side and timeframe levels.
func NewController(cfg models.ThresholdConfig, logger *zap.SugaredLogger) *Controller {
	c := &Controller{cfg: cfg, logger: logger}
	c.current.Store(&thresholdSet{
		global: cfg.GlobalInit,
		bySide: map[models.Side]float64{
			models.Long:  cfg.SideInit,
			models.Short: cfg.SideInit,
		},
		byTimeframe: make(map[string]float64),
		byCluster:   make(map[string]float64),
		lastUpdate:  time.Now(),
	})
	return c
}

// EffectiveThreshold resolves the acceptance threshold for one candidate as
// the max of the global, side, timeframe and cluster levels. Lock-free.
func (c *Controller) EffectiveThreshold(side models.Side, timeframe, cluster string) float64 {
	set := c.current.Load()
	eff := set.global
	if v, ok := set.bySide[side]; ok && v > eff {
		eff = v
	}
	if v, ok := set.byTimeframe[timeframe]; ok && v > eff {
		eff = v
	}
	if v, ok := set.byCluster[cluster]; ok && v > eff {
		eff = v
	}
	return eff
}

// IncrementTradeCount is called once per logged outcome.
func (c *Controller) IncrementTradeCount() {
	c.trades.Add(1)
}

// ShouldUpdate reports whether the trade counter or elapsed time warrants a
// threshold update.
func (c *Controller) ShouldUpdate() bool {
	if int(c.trades.Load()) >= c.cfg.MinTradesForUpdate {
		return true
	}
	return time.Since(c.current.Load().lastUpdate) >= updateInterval
}

// Update recomputes every level of the hierarchy from trailing statistics
// and the cluster penalty map, then publishes a fresh snapshot. Runs only
// inside an adaptation cycle.
func (c *Controller) Update(src StatsSource, clusterPenalty map[string]float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.current.Load()
	next := &thresholdSet{
		global:      prev.global,
		bySide:      make(map[models.Side]float64, len(prev.bySide)),
		byTimeframe: make(map[string]float64, len(prev.byTimeframe)),
		byCluster:   make(map[string]float64, len(prev.byCluster)),
		lastUpdate:  time.Now(),
	}
	for k, v := range prev.bySide {
		next.bySide[k] = v
	}
	for k, v := range prev.byTimeframe {
		next.byTimeframe[k] = v
	}
	for k, v := range prev.byCluster {
		next.byCluster[k] = v
	}

	// Global level: only adjusted when the trailing window is large enough.
	stats, err := src.Statistics(statsWindow, models.StatFilter{})
	if err != nil {
		c.logger.Warnf("threshold update: global statistics unavailable: %v", err)
	} else if stats.Count >= c.cfg.MinTradesForUpdate {
		switch {
		case stats.WinRate < globalRaiseBelow:
			next.global = c.clamp(next.global + globalRaiseStep)
		case stats.WinRate > globalLowerAbove:
			next.global = c.clamp(next.global - globalLowerStep)
		}
		if next.global != prev.global {
			c.logger.Infof("global threshold %.3f -> %.3f (win rate %.3f over %d trades)",
				prev.global, next.global, stats.WinRate, stats.Count)
		}
	}

	// Side level.
	for _, side := range []models.Side{models.Long, models.Short} {
		st, err := src.Statistics(statsWindow, models.StatFilter{Side: side})
		if err != nil || st.Count < c.cfg.MinTradesPerBucket {
			continue
		}
		cur, ok := next.bySide[side]
		if !ok {
			cur = c.cfg.SideInit
		}
		switch {
		case st.WinRate < sideRaiseBelow:
			next.bySide[side] = c.clamp(cur + sideRaiseStep)
		case st.WinRate > sideLowerAbove:
			next.bySide[side] = c.clamp(cur - sideLowerStep)
		}
	}

	// Timeframe level, over the timeframes actually present in the log.
	if buckets, err := src.SideTimeframes(); err == nil {
		seen := make(map[string]bool)
		for _, b := range buckets {
			if seen[b.Timeframe] {
				continue
			}
			seen[b.Timeframe] = true
			st, err := src.Statistics(statsWindow, models.StatFilter{Timeframe: b.Timeframe})
			if err != nil || st.Count < c.cfg.MinTradesPerBucket {
				continue
			}
			cur, ok := next.byTimeframe[b.Timeframe]
			if !ok {
				cur = c.cfg.TimeframeInit
			}
			switch {
			case st.WinRate < tfRaiseBelow:
				next.byTimeframe[b.Timeframe] = c.clamp(cur + tfRaiseStep)
			case st.WinRate > tfLowerAbove:
				next.byTimeframe[b.Timeframe] = c.clamp(cur - tfLowerStep)
			}
		}
	}

	// Cluster level is penalty-coupled rather than win-rate-coupled.
	for cluster, ewma := range clusterPenalty {
		cur, ok := next.byCluster[cluster]
		if !ok {
			cur = next.global
		}
		switch {
		case ewma > clusterPenaltyHigh:
			next.byCluster[cluster] = math.Min(c.cfg.Max, cur+clusterRaiseStep)
		case ewma < clusterPenaltyLow:
			next.byCluster[cluster] = math.Max(next.global, cur-clusterLowerStep)
		}
	}

	c.current.Store(next)
	c.trades.Store(0)
}

func (c *Controller) clamp(v float64) float64 {
	return math.Max(c.cfg.Min, math.Min(c.cfg.Max, v))
}

// Global returns the current global threshold.
func (c *Controller) Global() float64 {
	return c.current.Load().global
}

// TradesSinceUpdate returns the outcome count since the last update.
func (c *Controller) TradesSinceUpdate() int {
	return int(c.trades.Load())
}

// Snapshot returns the full persistable state.
func (c *Controller) Snapshot() models.ThresholdSnapshot {
	set := c.current.Load()
	bySide := make(map[models.Side]float64, len(set.bySide))
	for k, v := range set.bySide {
		bySide[k] = v
	}
	byTF := make(map[string]float64, len(set.byTimeframe))
	for k, v := range set.byTimeframe {
		byTF[k] = v
	}
	byCluster := make(map[string]float64, len(set.byCluster))
	for k, v := range set.byCluster {
		byCluster[k] = v
	}
	return models.ThresholdSnapshot{
		Version:           models.SchemaVersion,
		Global:            set.global,
		BySide:            bySide,
		ByTimeframe:       byTF,
		ByCluster:         byCluster,
		TradesSinceUpdate: int(c.trades.Load()),
		LastUpdateTime:    set.lastUpdate,
	}
}

// Restore replaces the hierarchy with a previously saved snapshot.
func (c *Controller) Restore(s models.ThresholdSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set := &thresholdSet{
		global:      s.Global,
		bySide:      s.BySide,
		byTimeframe: s.ByTimeframe,
		byCluster:   s.ByCluster,
		lastUpdate:  s.LastUpdateTime,
	}
	if set.global == 0 {
		set.global = c.cfg.GlobalInit
	}
	if set.bySide == nil {
		set.bySide = make(map[models.Side]float64)
	}
	if set.byTimeframe == nil {
		set.byTimeframe = make(map[string]float64)
	}
	if set.byCluster == nil {
		set.byCluster = make(map[string]float64)
	}
	c.current.Store(set)
	c.trades.Store(int64(s.TradesSinceUpdate))
}
