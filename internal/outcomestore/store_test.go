package outcomestore

import (
	"adaptive-risk-go/internal/models"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "outcomes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// makeOutcome builds a trade with distinct timestamps so ordering is stable.
func makeOutcome(symbol string, seq int, win bool, pnl float64) *models.TradeOutcome {
	return &models.TradeOutcome{
		Timestamp:       time.Now().Add(time.Duration(seq) * time.Second),
		Symbol:          symbol,
		Side:            models.Long,
		Timeframe:       "1h",
		Cluster:         "MAJOR",
		RawConfidence:   0.75,
		Win:             win,
		PnL:             pnl,
		ROEPct:          pnl / 10.0,
		DurationSeconds: 600,
	}
}

func TestAppendAndRecent(t *testing.T) {
	store := newTestStore(t)

	o := makeOutcome("BTCUSDT", 0, true, 12.5)
	o.Technical = map[string]float64{"rsi": 61.2}
	id, err := store.Append(o)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	recent, err := store.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, id, recent[0].ID)
	assert.Equal(t, "BTCUSDT", recent[0].Symbol)
	assert.Equal(t, models.Long, recent[0].Side)
	assert.True(t, recent[0].Win)
	assert.InDelta(t, 12.5, recent[0].PnL, 1e-9)
	assert.InDelta(t, 61.2, recent[0].Technical["rsi"], 1e-9)
}

func TestAppend_NormalizesMissingFields(t *testing.T) {
	store := newTestStore(t)

	id, err := store.Append(&models.TradeOutcome{PnL: -1})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	recent, err := store.Recent(1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, models.UnknownID, recent[0].Symbol)
	assert.Equal(t, models.DefaultCluster, recent[0].Cluster)
	assert.Equal(t, models.Long, recent[0].Side)
	assert.False(t, recent[0].Timestamp.IsZero())
}

func TestStatistics_Aggregates(t *testing.T) {
	store := newTestStore(t)

	// 6 wins of +10, 4 losses of -5: win rate 0.6, PF 3.0, RRR 2.0.
	for i := 0; i < 6; i++ {
		_, err := store.Append(makeOutcome("BTCUSDT", i, true, 10))
		require.NoError(t, err)
	}
	for i := 6; i < 10; i++ {
		_, err := store.Append(makeOutcome("BTCUSDT", i, false, -5))
		require.NoError(t, err)
	}

	st, err := store.Statistics(100, models.StatFilter{})
	require.NoError(t, err)
	assert.Equal(t, 10, st.Count)
	assert.InDelta(t, 0.6, st.WinRate, 1e-9)
	assert.InDelta(t, 10.0, st.AvgWin, 1e-9)
	assert.InDelta(t, -5.0, st.AvgLoss, 1e-9)
	assert.InDelta(t, 3.0, st.ProfitFactor, 1e-9)
	assert.InDelta(t, 2.0, st.RewardRiskRatio, 1e-9)
	assert.InDelta(t, 10.0, st.AvgDurationMinutes, 1e-9)
}

func TestStatistics_EmptyLogIsZeroNotError(t *testing.T) {
	store := newTestStore(t)

	st, err := store.Statistics(100, models.StatFilter{Symbol: "NEVER"})
	require.NoError(t, err)
	assert.Zero(t, st.Count)
	assert.Zero(t, st.WinRate)
}

func TestStatistics_FilterBySymbol(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 3; i++ {
		_, err := store.Append(makeOutcome("BTCUSDT", i, true, 10))
		require.NoError(t, err)
	}
	_, err := store.Append(makeOutcome("ETHUSDT", 3, false, -5))
	require.NoError(t, err)

	st, err := store.Statistics(100, models.StatFilter{Symbol: "BTCUSDT"})
	require.NoError(t, err)
	assert.Equal(t, 3, st.Count)
	assert.InDelta(t, 1.0, st.WinRate, 1e-9)
}

func TestKellyParameters_InsufficientDataFallsBackToDefault(t *testing.T) {
	store := newTestStore(t)

	// 5 rows is below the 10-sample minimum at every fallback level.
	for i := 0; i < 5; i++ {
		_, err := store.Append(makeOutcome("BTCUSDT", i, true, 10))
		require.NoError(t, err)
	}

	params, err := store.KellyParameters(models.Bucket{Symbol: "BTCUSDT", Cluster: "MAJOR", Timeframe: "1h"}, 100)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultKellyParams(), params)
}

func TestKellyParameters_FitsFromSymbolRows(t *testing.T) {
	store := newTestStore(t)

	// 8 wins of +20, 4 losses of -10: p = 2/3, R = 2.
	for i := 0; i < 8; i++ {
		_, err := store.Append(makeOutcome("BTCUSDT", i, true, 20))
		require.NoError(t, err)
	}
	for i := 8; i < 12; i++ {
		_, err := store.Append(makeOutcome("BTCUSDT", i, false, -10))
		require.NoError(t, err)
	}

	params, err := store.KellyParameters(models.Bucket{Symbol: "BTCUSDT"}, 100)
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3.0, params.WinRate, 1e-9)
	assert.InDelta(t, 2.0, params.RewardRisk, 1e-9)
	assert.Greater(t, params.StdDev, 0.0)
}

func TestKellyParameters_SymbolFallsBackToCluster(t *testing.T) {
	store := newTestStore(t)

	// Plenty of cluster history, but the symbol itself is new.
	for i := 0; i < 8; i++ {
		_, err := store.Append(makeOutcome("BTCUSDT", i, true, 20))
		require.NoError(t, err)
	}
	for i := 8; i < 12; i++ {
		_, err := store.Append(makeOutcome("ETHUSDT", i, false, -10))
		require.NoError(t, err)
	}

	params, err := store.KellyParameters(models.Bucket{Symbol: "SOLUSDT", Cluster: "MAJOR"}, 100)
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3.0, params.WinRate, 1e-9)
}

func TestCalibrationPairs_FiltersBucket(t *testing.T) {
	store := newTestStore(t)

	o := makeOutcome("BTCUSDT", 0, true, 10)
	o.RawConfidence = 0.81
	_, err := store.Append(o)
	require.NoError(t, err)

	short := makeOutcome("BTCUSDT", 1, false, -5)
	short.Side = models.Short
	_, err = store.Append(short)
	require.NoError(t, err)

	pairs, err := store.CalibrationPairs(models.Long, "1h", 100)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.InDelta(t, 0.81, pairs[0].RawConfidence, 1e-9)
	assert.True(t, pairs[0].Win)
}

func TestSideTimeframes_DistinctBuckets(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Append(makeOutcome("BTCUSDT", 0, true, 10))
	require.NoError(t, err)
	_, err = store.Append(makeOutcome("BTCUSDT", 1, true, 10))
	require.NoError(t, err)
	short := makeOutcome("ETHUSDT", 2, false, -5)
	short.Side = models.Short
	short.Timeframe = "4h"
	_, err = store.Append(short)
	require.NoError(t, err)

	buckets, err := store.SideTimeframes()
	require.NoError(t, err)
	assert.Len(t, buckets, 2)
}

func TestRecentBuckets(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Append(makeOutcome("BTCUSDT", 0, true, 10))
	require.NoError(t, err)
	_, err = store.Append(makeOutcome("BTCUSDT", 1, false, -2))
	require.NoError(t, err)
	_, err = store.Append(makeOutcome("ETHUSDT", 2, true, 8))
	require.NoError(t, err)

	buckets, err := store.RecentBuckets(10)
	require.NoError(t, err)
	assert.Len(t, buckets, 2)
}

func TestLossesSince(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Append(makeOutcome("BTCUSDT", 0, true, 10))
	require.NoError(t, err)
	_, err = store.Append(makeOutcome("BTCUSDT", 1, false, -7))
	require.NoError(t, err)
	_, err = store.Append(makeOutcome("BTCUSDT", 2, false, -3))
	require.NoError(t, err)

	losses, err := store.LossesSince(time.Now().AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.ElementsMatch(t, []float64{7, 3}, losses)

	// Nothing lost in the future.
	losses, err = store.LossesSince(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, losses)
}

func TestRetentionSweep_TrimsToMaxCount(t *testing.T) {
	store := newTestStore(t)

	var lastID string
	for i := 0; i < 10; i++ {
		id, err := store.Append(makeOutcome("BTCUSDT", i, true, 1))
		require.NoError(t, err)
		lastID = id
	}

	removed, err := store.RetentionSweep(4, 0)
	require.NoError(t, err)
	assert.Equal(t, 6, removed)

	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	// The newest rows survive.
	recent, err := store.Recent(1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, lastID, recent[0].ID)
}

func TestRetentionSweep_RemovesAgedRows(t *testing.T) {
	store := newTestStore(t)

	old := makeOutcome("BTCUSDT", 0, true, 1)
	old.Timestamp = time.Now().AddDate(0, 0, -30)
	_, err := store.Append(old)
	require.NoError(t, err)
	_, err = store.Append(makeOutcome("BTCUSDT", 1, true, 1))
	require.NoError(t, err)

	removed, err := store.RetentionSweep(0, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
