package models

import "time"

// SchemaVersion is the current version of all persisted component snapshots.
// Bump it when a snapshot layout changes so load paths can migrate or discard.
const SchemaVersion = 1

// PenaltySnapshot 定义了 PenaltyTracker 需要持久化的全部状态
type PenaltySnapshot struct {
	Version          int                `json:"version"`
	SymbolEWMA       map[string]float64 `json:"symbol_ewma"`
	ClusterEWMA      map[string]float64 `json:"cluster_ewma"`
	SymbolCooldowns  map[string]int     `json:"symbol_cooldowns"`
	ClusterCooldowns map[string]int     `json:"cluster_cooldowns"`
	LastUpdate       time.Time          `json:"last_update"`
}

// ThresholdSnapshot 定义了 ThresholdController 需要持久化的全部状态
type ThresholdSnapshot struct {
	Version           int                `json:"version"`
	Global            float64            `json:"global"`
	BySide            map[Side]float64   `json:"by_side"`
	ByTimeframe       map[string]float64 `json:"by_timeframe"`
	ByCluster         map[string]float64 `json:"by_cluster"`
	TradesSinceUpdate int                `json:"trades_since_update"`
	LastUpdateTime    time.Time          `json:"last_update_time"`
}

// PageHinkleyState is the per-metric change-detection state.
type PageHinkleyState struct {
	Sum           float64   `json:"sum"`
	MinSum        float64   `json:"min_sum"`
	DriftCount    int       `json:"drift_count"`
	LastDriftTime time.Time `json:"last_drift_time"`
}

// DriftEvent records a single detected mean shift.
type DriftEvent struct {
	Metric    string    `json:"metric"`
	Magnitude float64   `json:"magnitude"`
	Time      time.Time `json:"time"`
}

// DriftSnapshot 定义了 DriftDetector 需要持久化的全部状态
type DriftSnapshot struct {
	Version                int              `json:"version"`
	Return                 PageHinkleyState `json:"return"`
	CalibrationError       PageHinkleyState `json:"calibration_error"`
	Penalty                PageHinkleyState `json:"penalty"`
	PrudentModeActive      bool             `json:"prudent_mode_active"`
	PrudentCyclesRemaining int              `json:"prudent_cycles_remaining"`
	History                []DriftEvent     `json:"history"`
	LastUpdate             time.Time        `json:"last_update"`
}

// RiskSnapshot 定义了 RiskOptimizer 需要持久化的全部状态
type RiskSnapshot struct {
	Version          int                    `json:"version"`
	BucketParams     map[string]KellyParams `json:"bucket_params"`
	DailyLossCap     float64                `json:"daily_loss_cap"`
	CurrentDailyLoss float64                `json:"current_daily_loss"`
	DailyResetTime   time.Time              `json:"daily_reset_time"`
}

// CalibrationSnapshot 定义了 ConfidenceCalibrator 需要持久化的全部状态
type CalibrationSnapshot struct {
	Version int                         `json:"version"`
	Curves  map[string]CalibrationCurve `json:"curves"` // key: side|timeframe
}

// CalibrationCurve maps raw-confidence bins to empirical win rates.
type CalibrationCurve struct {
	BinWinRates []float64 `json:"bin_win_rates"`
	BinCounts   []int     `json:"bin_counts"`
	FittedAt    time.Time `json:"fitted_at"`
}
