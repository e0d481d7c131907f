package risk

import (
	"adaptive-risk-go/internal/models"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// lossCapLookbackDays is the trailing window the daily-loss cap is sized over.
const lossCapLookbackDays = 10

// minLossSamples is the smallest losing-trade count the cap may be fitted
// from; below it the configured default cap applies.
const minLossSamples = 5

// Source is the slice of the outcome store the optimizer refits from.
// The store is the single owner of Kelly-parameter computation; the
// optimizer only holds a cycle-refreshed read-through cache.
type Source interface {
	RecentBuckets(n int) ([]models.Bucket, error)
	KellyParameters(bucket models.Bucket, window int) (models.KellyParams, error)
	LossesSince(t time.Time) ([]float64, error)
}

// Optimizer computes variance-adjusted fractional-Kelly position sizes per
// bucket, bounded in both fraction and currency terms, with a daily-loss
// throttle that halves sizing for the rest of the day once breached.
type Optimizer struct {
	mu  sync.RWMutex
	cfg models.RiskConfig

	bucketParams map[string]models.KellyParams

	dailyLossCap     float64
	currentDailyLoss float64
	dailyResetTime   time.Time
	capWarned        bool

	logger *zap.SugaredLogger
}

// NewOptimizer creates an Optimizer with an empty parameter cache and the
// configured default daily-loss cap.
func NewOptimizer(cfg models.RiskConfig, logger *zap.SugaredLogger) *Optimizer {
	return &Optimizer{
		cfg:            cfg,
		bucketParams:   make(map[string]models.KellyParams),
		dailyLossCap:   cfg.DefaultDailyLossCap,
		dailyResetTime: time.Now(),
		logger:         logger,
	}
}

// KellyFraction returns the wallet fraction to allocate for a signal with
// calibrated win probability p in the given bucket. The result is already
// quarter-Kelly (per kFactor), volatility-damped, capped at f_max, halved
// under the daily-loss throttle and clamped to the configured dollar bounds.
func (o *Optimizer) KellyFraction(p float64, bucket models.Bucket, walletBalance float64) float64 {
	params := o.lookup(bucket)

	fKelly := (p*params.RewardRisk - (1 - p)) / params.RewardRisk
	if fKelly < 0 {
		fKelly = 0
	}

	volRatio := o.cfg.TargetStdDev / math.Max(params.StdDev, o.cfg.TargetStdDev)
	fAdjusted := fKelly * volRatio
	fConservative := o.cfg.KellyFactor * fAdjusted
	fFinal := math.Min(fConservative, o.cfg.MaxFraction)

	o.mu.RLock()
	throttled := o.currentDailyLoss > o.dailyLossCap
	o.mu.RUnlock()
	if throttled {
		fFinal /= 2
	}

	return o.BoundPosition(fFinal, walletBalance)
}

// BoundPosition clamps a wallet fraction to the configured dollar bounds.
// The [min, max] USD clamp is the last word on sizing: any caller that
// scales a fraction after KellyFraction must re-apply it here so the
// position stays tradeable.
func (o *Optimizer) BoundPosition(fraction, walletBalance float64) float64 {
	if fraction <= 0 || walletBalance <= 0 {
		return 0
	}
	usd := fraction * walletBalance
	usd = math.Max(o.cfg.MinPositionUSD, math.Min(o.cfg.MaxPositionUSD, usd))
	return usd / walletBalance
}

// lookup resolves cached parameters symbol-first, then cluster, then
// timeframe, then the global default.
func (o *Optimizer) lookup(bucket models.Bucket) models.KellyParams {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if bucket.Symbol != "" {
		if p, ok := o.bucketParams["sym:"+bucket.Symbol]; ok {
			return p
		}
	}
	if bucket.Cluster != "" {
		if p, ok := o.bucketParams["cluster:"+bucket.Cluster]; ok {
			return p
		}
	}
	if bucket.Timeframe != "" {
		if p, ok := o.bucketParams["tf:"+bucket.Timeframe]; ok {
			return p
		}
	}
	return models.DefaultKellyParams()
}

// Refit recomputes the parameter cache for every bucket touched by the most
// recent outcomes, and refits the daily-loss cap from the trailing losing
// trades. Runs only inside an adaptation cycle.
func (o *Optimizer) Refit(src Source) error {
	buckets, err := src.RecentBuckets(o.cfg.RefitWindow)
	if err != nil {
		return err
	}

	next := make(map[string]models.KellyParams)
	seenSymbol := make(map[string]bool)
	seenCluster := make(map[string]bool)
	seenTF := make(map[string]bool)

	for _, b := range buckets {
		if b.Symbol != "" && !seenSymbol[b.Symbol] {
			seenSymbol[b.Symbol] = true
			if p, err := src.KellyParameters(models.Bucket{Symbol: b.Symbol, Cluster: b.Cluster, Timeframe: b.Timeframe}, o.cfg.RefitWindow); err == nil {
				next["sym:"+b.Symbol] = p
			}
		}
		if b.Cluster != "" && !seenCluster[b.Cluster] {
			seenCluster[b.Cluster] = true
			if p, err := src.KellyParameters(models.Bucket{Cluster: b.Cluster}, o.cfg.RefitWindow); err == nil {
				next["cluster:"+b.Cluster] = p
			}
		}
		if b.Timeframe != "" && !seenTF[b.Timeframe] {
			seenTF[b.Timeframe] = true
			if p, err := src.KellyParameters(models.Bucket{Timeframe: b.Timeframe}, o.cfg.RefitWindow); err == nil {
				next["tf:"+b.Timeframe] = p
			}
		}
	}

	lossCap := o.cfg.DefaultDailyLossCap
	losses, err := src.LossesSince(time.Now().AddDate(0, 0, -lossCapLookbackDays))
	if err != nil {
		o.logger.Warnf("risk refit: trailing losses unavailable: %v", err)
	} else if len(losses) >= minLossSamples {
		lossCap = 2 * median(losses)
	}

	o.mu.Lock()
	o.bucketParams = next
	o.dailyLossCap = lossCap
	o.mu.Unlock()

	o.logger.Infof("risk refit: %d bucket params cached, daily loss cap %.2f", len(next), lossCap)
	return nil
}

// RecordOutcome accumulates realized losses into the daily counter,
// resetting it when the wall-clock date changes.
func (o *Optimizer) RecordOutcome(pnl float64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := time.Now()
	if now.YearDay() != o.dailyResetTime.YearDay() || now.Year() != o.dailyResetTime.Year() {
		o.currentDailyLoss = 0
		o.capWarned = false
		o.dailyResetTime = now
	}

	if pnl < 0 {
		o.currentDailyLoss += -pnl
		if o.currentDailyLoss > o.dailyLossCap && !o.capWarned {
			o.capWarned = true
			o.logger.Warnf("daily loss %.2f exceeded cap %.2f; sizing halved for the rest of the day",
				o.currentDailyLoss, o.dailyLossCap)
		}
	}
}

// MaxFraction returns f_max, halved while the daily-loss cap is exceeded.
func (o *Optimizer) MaxFraction() float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.currentDailyLoss > o.dailyLossCap {
		return o.cfg.MaxFraction / 2
	}
	return o.cfg.MaxFraction
}

// Snapshot returns the full persistable state.
func (o *Optimizer) Snapshot() models.RiskSnapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	params := make(map[string]models.KellyParams, len(o.bucketParams))
	for k, v := range o.bucketParams {
		params[k] = v
	}
	return models.RiskSnapshot{
		Version:          models.SchemaVersion,
		BucketParams:     params,
		DailyLossCap:     o.dailyLossCap,
		CurrentDailyLoss: o.currentDailyLoss,
		DailyResetTime:   o.dailyResetTime,
	}
}

// Restore replaces the optimizer state with a previously saved snapshot.
func (o *Optimizer) Restore(s models.RiskSnapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s.BucketParams != nil {
		o.bucketParams = s.BucketParams
	}
	if s.DailyLossCap > 0 {
		o.dailyLossCap = s.DailyLossCap
	}
	o.currentDailyLoss = s.CurrentDailyLoss
	if !s.DailyResetTime.IsZero() {
		o.dailyResetTime = s.DailyResetTime
	}
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
