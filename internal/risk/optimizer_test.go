package risk

import (
	"adaptive-risk-go/internal/models"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockParamSource serves canned buckets, parameters and trailing losses.
type mockParamSource struct {
	buckets []models.Bucket
	params  map[string]models.KellyParams
	losses  []float64
}

func (m *mockParamSource) RecentBuckets(n int) ([]models.Bucket, error) {
	return m.buckets, nil
}

func (m *mockParamSource) KellyParameters(bucket models.Bucket, window int) (models.KellyParams, error) {
	if bucket.Symbol != "" {
		if p, ok := m.params["sym:"+bucket.Symbol]; ok {
			return p, nil
		}
	}
	if bucket.Cluster != "" && bucket.Symbol == "" {
		if p, ok := m.params["cluster:"+bucket.Cluster]; ok {
			return p, nil
		}
	}
	if bucket.Timeframe != "" && bucket.Symbol == "" && bucket.Cluster == "" {
		if p, ok := m.params["tf:"+bucket.Timeframe]; ok {
			return p, nil
		}
	}
	return models.DefaultKellyParams(), nil
}

func (m *mockParamSource) LossesSince(t time.Time) ([]float64, error) {
	return m.losses, nil
}

func defaultRiskConfig() models.RiskConfig {
	return models.RiskConfig{
		KellyFactor:         0.25,
		MaxFraction:         0.01,
		TargetStdDev:        1.0,
		MinPositionUSD:      15,
		MaxPositionUSD:      150,
		DefaultDailyLossCap: 50,
		RefitWindow:         200,
	}
}

func newTestOptimizer() *Optimizer {
	return NewOptimizer(defaultRiskConfig(), zap.NewNop().Sugar())
}

func TestKellyFraction_ReferenceNumbers(t *testing.T) {
	o := newTestOptimizer()

	// Default params: R=2.0, σ=1.0. With p=0.8:
	// f_kelly = (0.8*2 - 0.2)/2 = 0.7, vol ratio 1, quarter-Kelly 0.175,
	// capped at f_max = 0.01. On a 10k wallet that is 100 USD, inside the
	// dollar bounds, so the fraction survives as 0.01.
	f := o.KellyFraction(0.8, models.Bucket{}, 10000)
	assert.InDelta(t, 0.01, f, 1e-9)
}

func TestKellyFraction_NegativeEdgeIsZero(t *testing.T) {
	o := newTestOptimizer()
	// p=0.3, R=2: (0.6-0.7)/2 < 0.
	assert.Zero(t, o.KellyFraction(0.3, models.Bucket{}, 10000))
}

func TestKellyFraction_ZeroWalletIsZero(t *testing.T) {
	o := newTestOptimizer()
	assert.Zero(t, o.KellyFraction(0.8, models.Bucket{}, 0))
	assert.Zero(t, o.KellyFraction(0.8, models.Bucket{}, -100))
}

func TestKellyFraction_DollarClamps(t *testing.T) {
	o := newTestOptimizer()

	// Large wallet: 0.01 * 1e6 = 10000 USD, clamped to 150.
	f := o.KellyFraction(0.8, models.Bucket{}, 1e6)
	assert.InDelta(t, 150.0/1e6, f, 1e-12)

	// Small wallet: 0.01 * 1000 = 10 USD, raised to the 15 USD floor even
	// though that exceeds f_max as a fraction.
	f = o.KellyFraction(0.8, models.Bucket{}, 1000)
	assert.InDelta(t, 0.015, f, 1e-9)
}

func TestKellyFraction_VolatilityDamping(t *testing.T) {
	o := newTestOptimizer()
	o.Restore(models.RiskSnapshot{
		BucketParams: map[string]models.KellyParams{
			// Twice the target volatility halves the fraction.
			"sym:BTCUSDT": {RewardRisk: 1.0, WinRate: 0.55, StdDev: 2.0},
		},
		DailyLossCap: 50,
	})

	// p=0.51, R=1: f_kelly = 0.02, halved to 0.01, quarter-Kelly 0.0025.
	f := o.KellyFraction(0.51, models.Bucket{Symbol: "BTCUSDT"}, 10000)
	assert.InDelta(t, 0.0025, f, 1e-9)

	// Below-target volatility never scales the fraction up: the ratio caps at 1.
	o.Restore(models.RiskSnapshot{
		BucketParams: map[string]models.KellyParams{
			"sym:BTCUSDT": {RewardRisk: 1.0, WinRate: 0.55, StdDev: 0.2},
		},
		DailyLossCap: 50,
	})
	f = o.KellyFraction(0.51, models.Bucket{Symbol: "BTCUSDT"}, 10000)
	assert.InDelta(t, 0.005, f, 1e-9)
}

func TestBoundPosition_FloorIsTheLastWord(t *testing.T) {
	o := newTestOptimizer()

	// A fraction scaled down after KellyFraction is pushed back to the
	// 15 USD floor on a small wallet.
	assert.InDelta(t, 0.015, o.BoundPosition(0.005, 1000), 1e-9)
	// And capped at 150 USD on a large one.
	assert.InDelta(t, 150.0/1e6, o.BoundPosition(0.01, 1e6), 1e-12)
	// In-bounds fractions pass through untouched.
	assert.InDelta(t, 0.005, o.BoundPosition(0.005, 10000), 1e-9)

	assert.Zero(t, o.BoundPosition(0, 10000))
	assert.Zero(t, o.BoundPosition(-0.01, 10000))
	assert.Zero(t, o.BoundPosition(0.01, 0))
}

func TestDailyLossThrottle_HalvesSizing(t *testing.T) {
	o := newTestOptimizer()
	assert.InDelta(t, 0.01, o.MaxFraction(), 1e-9)

	o.RecordOutcome(-60) // exceeds the 50 default cap
	assert.InDelta(t, 0.005, o.MaxFraction(), 1e-9)

	// 0.01 capped fraction halves to 0.005; on 10k that is 50 USD, in bounds.
	f := o.KellyFraction(0.8, models.Bucket{}, 10000)
	assert.InDelta(t, 0.005, f, 1e-9)
}

func TestDailyLossThrottle_WinsDoNotAccumulate(t *testing.T) {
	o := newTestOptimizer()
	o.RecordOutcome(100)
	o.RecordOutcome(-30)
	o.RecordOutcome(40)
	assert.InDelta(t, 0.01, o.MaxFraction(), 1e-9, "30 of 50 lost, throttle must stay off")

	o.RecordOutcome(-30)
	assert.InDelta(t, 0.005, o.MaxFraction(), 1e-9)
}

func TestRefit_CachesBucketParamsAndLossCap(t *testing.T) {
	o := newTestOptimizer()
	src := &mockParamSource{
		buckets: []models.Bucket{{Symbol: "BTCUSDT", Cluster: "MAJOR", Timeframe: "1h"}},
		params: map[string]models.KellyParams{
			"sym:BTCUSDT":   {RewardRisk: 1.0, WinRate: 0.55, StdDev: 2.0},
			"cluster:MAJOR": {RewardRisk: 1.0, WinRate: 0.55, StdDev: 1.0},
		},
		losses: []float64{10, 20, 30, 40, 50},
	}

	require.NoError(t, o.Refit(src))

	// Symbol-level params are preferred. With p=0.51 and R=1 the edge is
	// f_kelly = 0.02; the symbol's σ=2 halves it, quarter-Kelly gives 0.0025.
	// 25 USD on a 10k wallet, inside the dollar bounds.
	f := o.KellyFraction(0.51, models.Bucket{Symbol: "BTCUSDT", Cluster: "MAJOR"}, 10000)
	assert.InDelta(t, 0.0025, f, 1e-9)

	// Unknown symbol falls back to the cluster (σ=1, no damping): 0.005.
	f = o.KellyFraction(0.51, models.Bucket{Symbol: "NEWUSDT", Cluster: "MAJOR"}, 10000)
	assert.InDelta(t, 0.005, f, 1e-9)

	// Loss cap refit to twice the median trailing loss.
	assert.InDelta(t, 60.0, o.Snapshot().DailyLossCap, 1e-9)
}

func TestRefit_ThinLossSampleKeepsDefaultCap(t *testing.T) {
	o := newTestOptimizer()
	src := &mockParamSource{losses: []float64{10, 20}}
	require.NoError(t, o.Refit(src))
	assert.InDelta(t, 50.0, o.Snapshot().DailyLossCap, 1e-9)
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	o := newTestOptimizer()
	o.RecordOutcome(-60)

	snap := o.Snapshot()
	assert.Equal(t, models.SchemaVersion, snap.Version)
	assert.InDelta(t, 60.0, snap.CurrentDailyLoss, 1e-9)

	restored := newTestOptimizer()
	restored.Restore(snap)
	assert.InDelta(t, 0.005, restored.MaxFraction(), 1e-9, "throttle state must survive a restart")
}

func TestMedian(t *testing.T) {
	assert.Zero(t, median(nil))
	assert.InDelta(t, 30.0, median([]float64{50, 10, 30}), 1e-9)
	assert.InDelta(t, 25.0, median([]float64{40, 10, 20, 30}), 1e-9)
}
