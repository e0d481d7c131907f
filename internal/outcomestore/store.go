package outcomestore

import (
	"adaptive-risk-go/internal/models"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// minBucketSamples is the smallest sample count for which per-bucket Kelly
// parameters are considered meaningful; below it the lookup falls back to a
// coarser bucket and finally to the conservative global default.
const minBucketSamples = 10

// Store is the durable, queryable log of completed-trade records.
// Records are append-only; nothing mutates or deletes them except the
// retention sweep.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the outcome database and its indexes.
func NewStore(dataSourceName string) (*Store, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open outcome database: %w", err)
	}

	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to outcome database: %w", err)
	}

	if err = createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create outcome tables: %w", err)
	}

	return &Store{db: db}, nil
}

// createTables creates the outcome table and its indexes if they don't exist.
func createTables(db *sql.DB) error {
	createOutcomesTableSQL := `
	CREATE TABLE IF NOT EXISTS outcomes (
		id TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		session_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		timeframe TEXT NOT NULL,
		cluster TEXT NOT NULL,
		raw_confidence REAL NOT NULL,
		calibrated_confidence REAL NOT NULL,
		model_version TEXT,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		entry_time INTEGER,
		exit_time INTEGER,
		size REAL NOT NULL,
		margin REAL NOT NULL,
		duration_seconds REAL NOT NULL,
		close_reason TEXT,
		technical TEXT,
		roe_pct REAL NOT NULL,
		pnl REAL NOT NULL,
		win INTEGER NOT NULL,
		stop_hit INTEGER NOT NULL,
		target_hit INTEGER NOT NULL,
		fees REAL NOT NULL,
		slippage REAL NOT NULL,
		spread REAL NOT NULL,
		latency_ms REAL NOT NULL,
		mfe_bp REAL NOT NULL,
		mae_bp REAL NOT NULL,
		threshold_global REAL NOT NULL,
		threshold_side REAL NOT NULL,
		threshold_timeframe REAL NOT NULL,
		threshold_cluster REAL NOT NULL,
		kelly_fraction_used REAL NOT NULL,
		cooldown_applied INTEGER NOT NULL,
		penalty REAL NOT NULL
	);`

	if _, err := db.Exec(createOutcomesTableSQL); err != nil {
		return err
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_outcomes_symbol ON outcomes(symbol);`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_timestamp ON outcomes(timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_cluster ON outcomes(cluster);`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_result ON outcomes(win);`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_side_tf ON outcomes(side, timeframe);`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_session ON outcomes(session_id);`,
	}
	for _, stmt := range indexes {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Append inserts one completed-trade record and returns its ID.
// Missing fields are expected to be already defaulted via Normalize; any
// failure here is a storage-layer failure, never a validation one.
func (s *Store) Append(o *models.TradeOutcome) (string, error) {
	o.Normalize()

	technical := "{}"
	if len(o.Technical) > 0 {
		if data, err := json.Marshal(o.Technical); err == nil {
			technical = string(data)
		}
	}

	query := `
	INSERT INTO outcomes (
		id, timestamp, session_id, symbol, side, timeframe, cluster,
		raw_confidence, calibrated_confidence, model_version,
		entry_price, exit_price, entry_time, exit_time, size, margin,
		duration_seconds, close_reason, technical,
		roe_pct, pnl, win, stop_hit, target_hit,
		fees, slippage, spread, latency_ms, mfe_bp, mae_bp,
		threshold_global, threshold_side, threshold_timeframe, threshold_cluster,
		kelly_fraction_used, cooldown_applied, penalty
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`

	_, err := s.db.Exec(query,
		o.ID, o.Timestamp.UnixMilli(), o.SessionID, o.Symbol, string(o.Side), o.Timeframe, o.Cluster,
		o.RawConfidence, o.CalibratedConfidence, o.ModelVersion,
		o.EntryPrice, o.ExitPrice, o.EntryTime.UnixMilli(), o.ExitTime.UnixMilli(), o.Size, o.Margin,
		o.DurationSeconds, o.CloseReason, technical,
		o.ROEPct, o.PnL, boolToInt(o.Win), boolToInt(o.StopHit), boolToInt(o.TargetHit),
		o.Fees, o.Slippage, o.Spread, o.LatencyMs, o.MFEBp, o.MAEBp,
		o.ThresholdGlobal, o.ThresholdSide, o.ThresholdTimeframe, o.ThresholdCluster,
		o.KellyFractionUsed, boolToInt(o.CooldownApplied), o.Penalty,
	)
	if err != nil {
		return "", models.NewError(models.StorageError, "outcomestore.append",
			fmt.Errorf("failed to insert outcome %s: %w", o.ID, err))
	}
	return o.ID, nil
}

// Statistics computes rolling aggregates over the most recent `window` rows
// matching the filter. Zero matching rows yields a zero-valued Statistics and
// no error; only a storage-layer failure is reported.
func (s *Store) Statistics(window int, f models.StatFilter) (models.Statistics, error) {
	where, args := filterClause(f)
	if window <= 0 {
		window = 100
	}
	args = append(args, window)

	query := fmt.Sprintf(`
	SELECT
		COUNT(*),
		COALESCE(AVG(win), 0),
		COALESCE(AVG(roe_pct), 0),
		COALESCE(AVG(CASE WHEN pnl > 0 THEN pnl END), 0),
		COALESCE(AVG(CASE WHEN pnl < 0 THEN pnl END), 0),
		COALESCE(SUM(CASE WHEN pnl > 0 THEN pnl ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN pnl < 0 THEN -pnl ELSE 0 END), 0),
		COALESCE(AVG(duration_seconds), 0)
	FROM (
		SELECT win, roe_pct, pnl, duration_seconds
		FROM outcomes %s
		ORDER BY timestamp DESC
		LIMIT ?
	)`, where)

	var st models.Statistics
	var grossProfit, grossLoss, avgDurationSec float64
	row := s.db.QueryRow(query, args...)
	if err := row.Scan(&st.Count, &st.WinRate, &st.AvgReturn, &st.AvgWin, &st.AvgLoss,
		&grossProfit, &grossLoss, &avgDurationSec); err != nil {
		return models.Statistics{}, models.NewError(models.StorageError, "outcomestore.statistics",
			fmt.Errorf("failed to query statistics: %w", err))
	}

	if grossLoss > 0 {
		st.ProfitFactor = grossProfit / grossLoss
	}
	if st.AvgLoss < 0 {
		st.RewardRiskRatio = st.AvgWin / math.Abs(st.AvgLoss)
	}
	st.AvgDurationMinutes = avgDurationSec / 60.0
	return st, nil
}

// KellyParameters resolves (R, p, σ) for a bucket, falling back from symbol
// to cluster to timeframe and finally to the conservative global default
// whenever fewer than minBucketSamples rows are available.
func (s *Store) KellyParameters(bucket models.Bucket, window int) (models.KellyParams, error) {
	filters := []models.StatFilter{}
	if bucket.Symbol != "" {
		filters = append(filters, models.StatFilter{Symbol: bucket.Symbol})
	}
	if bucket.Cluster != "" {
		filters = append(filters, models.StatFilter{Cluster: bucket.Cluster})
	}
	if bucket.Timeframe != "" {
		filters = append(filters, models.StatFilter{Timeframe: bucket.Timeframe})
	}

	for _, f := range filters {
		params, count, err := s.kellyParamsForFilter(f, window)
		if err != nil {
			return models.DefaultKellyParams(), err
		}
		if count >= minBucketSamples {
			return params, nil
		}
	}
	// Insufficient data everywhere resolves to the default, never an error.
	return models.DefaultKellyParams(), nil
}

func (s *Store) kellyParamsForFilter(f models.StatFilter, window int) (models.KellyParams, int, error) {
	where, args := filterClause(f)
	if window <= 0 {
		window = 100
	}
	args = append(args, window)

	query := fmt.Sprintf(`
	SELECT
		COUNT(*),
		COALESCE(AVG(win), 0),
		COALESCE(AVG(CASE WHEN pnl > 0 THEN pnl END), 0),
		COALESCE(AVG(CASE WHEN pnl < 0 THEN pnl END), 0),
		COALESCE(AVG(pnl), 0),
		COALESCE(AVG(pnl * pnl), 0)
	FROM (
		SELECT win, pnl FROM outcomes %s
		ORDER BY timestamp DESC
		LIMIT ?
	)`, where)

	var count int
	var winRate, avgWin, avgLoss, meanPnl, meanPnlSq float64
	row := s.db.QueryRow(query, args...)
	if err := row.Scan(&count, &winRate, &avgWin, &avgLoss, &meanPnl, &meanPnlSq); err != nil {
		return models.KellyParams{}, 0, models.NewError(models.StorageError, "outcomestore.kelly_parameters",
			fmt.Errorf("failed to query kelly parameters: %w", err))
	}

	params := models.DefaultKellyParams()
	if count >= minBucketSamples {
		params.WinRate = winRate
		if avgLoss < 0 && avgWin > 0 {
			params.RewardRisk = avgWin / math.Abs(avgLoss)
		}
		variance := meanPnlSq - meanPnl*meanPnl
		if variance > 0 {
			params.StdDev = math.Sqrt(variance)
		}
	}
	return params, count, nil
}

// Recent returns the n most recent outcomes, newest first.
func (s *Store) Recent(n int) ([]models.TradeOutcome, error) {
	if n <= 0 {
		return nil, nil
	}
	query := `
	SELECT id, timestamp, session_id, symbol, side, timeframe, cluster,
		raw_confidence, calibrated_confidence, model_version,
		entry_price, exit_price, entry_time, exit_time, size, margin,
		duration_seconds, close_reason, technical,
		roe_pct, pnl, win, stop_hit, target_hit,
		fees, slippage, spread, latency_ms, mfe_bp, mae_bp,
		threshold_global, threshold_side, threshold_timeframe, threshold_cluster,
		kelly_fraction_used, cooldown_applied, penalty
	FROM outcomes ORDER BY timestamp DESC LIMIT ?`

	rows, err := s.db.Query(query, n)
	if err != nil {
		return nil, models.NewError(models.StorageError, "outcomestore.recent",
			fmt.Errorf("failed to query recent outcomes: %w", err))
	}
	defer rows.Close()

	var outcomes []models.TradeOutcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, models.NewError(models.StorageError, "outcomestore.recent",
				fmt.Errorf("failed to scan outcome row: %w", err))
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// CalibrationPair is one historical (raw confidence, result) observation.
type CalibrationPair struct {
	RawConfidence float64
	Win           bool
}

// CalibrationPairs returns the raw-confidence/result pairs for one
// (side, timeframe) bucket over the most recent `window` rows.
func (s *Store) CalibrationPairs(side models.Side, timeframe string, window int) ([]CalibrationPair, error) {
	query := `
	SELECT raw_confidence, win FROM outcomes
	WHERE side = ? AND timeframe = ?
	ORDER BY timestamp DESC LIMIT ?`

	rows, err := s.db.Query(query, string(side), timeframe, window)
	if err != nil {
		return nil, models.NewError(models.StorageError, "outcomestore.calibration_pairs",
			fmt.Errorf("failed to query calibration pairs: %w", err))
	}
	defer rows.Close()

	var pairs []CalibrationPair
	for rows.Next() {
		var p CalibrationPair
		var win int
		if err := rows.Scan(&p.RawConfidence, &win); err != nil {
			return nil, err
		}
		p.Win = win != 0
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// SideTimeframes lists the distinct (side, timeframe) buckets present in the log.
func (s *Store) SideTimeframes() ([]struct {
	Side      models.Side
	Timeframe string
}, error) {
	rows, err := s.db.Query(`SELECT DISTINCT side, timeframe FROM outcomes`)
	if err != nil {
		return nil, models.NewError(models.StorageError, "outcomestore.side_timeframes",
			fmt.Errorf("failed to query side/timeframe buckets: %w", err))
	}
	defer rows.Close()

	var out []struct {
		Side      models.Side
		Timeframe string
	}
	for rows.Next() {
		var side, tf string
		if err := rows.Scan(&side, &tf); err != nil {
			return nil, err
		}
		out = append(out, struct {
			Side      models.Side
			Timeframe string
		}{models.Side(side), tf})
	}
	return out, rows.Err()
}

// RecentBuckets returns the distinct (symbol, cluster, timeframe) buckets
// touched by the most recent n outcomes, for targeted Kelly refits.
func (s *Store) RecentBuckets(n int) ([]models.Bucket, error) {
	query := `
	SELECT DISTINCT symbol, cluster, timeframe FROM (
		SELECT symbol, cluster, timeframe FROM outcomes
		ORDER BY timestamp DESC LIMIT ?
	)`
	rows, err := s.db.Query(query, n)
	if err != nil {
		return nil, models.NewError(models.StorageError, "outcomestore.recent_buckets",
			fmt.Errorf("failed to query recent buckets: %w", err))
	}
	defer rows.Close()

	var buckets []models.Bucket
	for rows.Next() {
		var b models.Bucket
		if err := rows.Scan(&b.Symbol, &b.Cluster, &b.Timeframe); err != nil {
			return nil, err
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// LossesSince returns the absolute PnL of every losing trade at or after t,
// used to size the daily-loss cap.
func (s *Store) LossesSince(t time.Time) ([]float64, error) {
	rows, err := s.db.Query(
		`SELECT -pnl FROM outcomes WHERE pnl < 0 AND timestamp >= ?`, t.UnixMilli())
	if err != nil {
		return nil, models.NewError(models.StorageError, "outcomestore.losses_since",
			fmt.Errorf("failed to query losses: %w", err))
	}
	defer rows.Close()

	var losses []float64
	for rows.Next() {
		var loss float64
		if err := rows.Scan(&loss); err != nil {
			return nil, err
		}
		losses = append(losses, loss)
	}
	return losses, rows.Err()
}

// Count returns the number of stored outcomes.
func (s *Store) Count() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM outcomes`).Scan(&count); err != nil {
		return 0, models.NewError(models.StorageError, "outcomestore.count",
			fmt.Errorf("failed to count outcomes: %w", err))
	}
	return count, nil
}

// RetentionSweep enforces the age/count caps and reports how many rows were
// removed. This is the only code path that ever deletes outcome records.
func (s *Store) RetentionSweep(maxCount, maxAgeDays int) (int, error) {
	removed := 0

	if maxAgeDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -maxAgeDays).UnixMilli()
		res, err := s.db.Exec(`DELETE FROM outcomes WHERE timestamp < ?`, cutoff)
		if err != nil {
			return removed, models.NewError(models.StorageError, "outcomestore.retention_sweep",
				fmt.Errorf("failed to delete aged outcomes: %w", err))
		}
		if n, err := res.RowsAffected(); err == nil {
			removed += int(n)
		}
	}

	if maxCount > 0 {
		res, err := s.db.Exec(`
		DELETE FROM outcomes WHERE id IN (
			SELECT id FROM outcomes ORDER BY timestamp DESC LIMIT -1 OFFSET ?
		)`, maxCount)
		if err != nil {
			return removed, models.NewError(models.StorageError, "outcomestore.retention_sweep",
				fmt.Errorf("failed to trim outcomes to %d rows: %w", maxCount, err))
		}
		if n, err := res.RowsAffected(); err == nil {
			removed += int(n)
		}
	}
	return removed, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func filterClause(f models.StatFilter) (string, []any) {
	var conds []string
	var args []any
	if f.Symbol != "" {
		conds = append(conds, "symbol = ?")
		args = append(args, f.Symbol)
	}
	if f.Side != "" {
		conds = append(conds, "side = ?")
		args = append(args, string(f.Side))
	}
	if f.Timeframe != "" {
		conds = append(conds, "timeframe = ?")
		args = append(args, f.Timeframe)
	}
	if f.Cluster != "" {
		conds = append(conds, "cluster = ?")
		args = append(args, f.Cluster)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

func scanOutcome(rows *sql.Rows) (models.TradeOutcome, error) {
	var o models.TradeOutcome
	var side, technical string
	var ts, entryTime, exitTime int64
	var win, stopHit, targetHit, cooldown int

	err := rows.Scan(
		&o.ID, &ts, &o.SessionID, &o.Symbol, &side, &o.Timeframe, &o.Cluster,
		&o.RawConfidence, &o.CalibratedConfidence, &o.ModelVersion,
		&o.EntryPrice, &o.ExitPrice, &entryTime, &exitTime, &o.Size, &o.Margin,
		&o.DurationSeconds, &o.CloseReason, &technical,
		&o.ROEPct, &o.PnL, &win, &stopHit, &targetHit,
		&o.Fees, &o.Slippage, &o.Spread, &o.LatencyMs, &o.MFEBp, &o.MAEBp,
		&o.ThresholdGlobal, &o.ThresholdSide, &o.ThresholdTimeframe, &o.ThresholdCluster,
		&o.KellyFractionUsed, &cooldown, &o.Penalty,
	)
	if err != nil {
		return o, err
	}

	o.Side = models.Side(side)
	o.Timestamp = time.UnixMilli(ts)
	o.EntryTime = time.UnixMilli(entryTime)
	o.ExitTime = time.UnixMilli(exitTime)
	o.Win = win != 0
	o.StopHit = stopHit != 0
	o.TargetHit = targetHit != 0
	o.CooldownApplied = cooldown != 0
	if technical != "" && technical != "{}" {
		_ = json.Unmarshal([]byte(technical), &o.Technical)
	}
	return o, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
