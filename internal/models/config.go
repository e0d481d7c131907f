package models

// Config 结构体定义了自适应引擎的所有配置参数
type Config struct {
	SessionID     string            `json:"session_id"`      // 会话标识，写入每条结果记录
	OutcomeDBPath string            `json:"outcome_db_path"` // SQLite结果日志路径
	StateDir      string            `json:"state_dir"`       // 组件状态快照目录 (文件仓库)
	StateBackend  string            `json:"state_backend"`   // "file" 或 "badger"
	BadgerPath    string            `json:"badger_path"`     // badger仓库路径 (state_backend=badger 时)
	Penalty       PenaltyConfig     `json:"penalty"`
	Threshold     ThresholdConfig   `json:"threshold"`
	Drift         DriftConfig       `json:"drift"`
	Risk          RiskConfig        `json:"risk"`
	Core          CoreConfig        `json:"core"`
	Calibration   CalibrationConfig `json:"calibration"`
	Retention     RetentionConfig   `json:"retention"`
	Ops           OpsConfig         `json:"ops"`
	LogConfig     LogConfig         `json:"log"`             // 日志配置
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// PenaltyConfig configures outcome scoring and cooldown automata.
type PenaltyConfig struct {
	WeightConfidence  float64 `json:"weight_confidence"` // w_conf, loss-gated term
	WeightStopLoss    float64 `json:"weight_stop_loss"`  // w_sl
	WeightFastLoss    float64 `json:"weight_fast"`       // w_fast, duration < 5min
	WeightMAE         float64 `json:"weight_mae"`        // w_mae, |MAE_bp|/100
	CooldownThreshold float64 `json:"cooldown_threshold"`
	CooldownCycles    int     `json:"cooldown_cycles"`
	EWMAAlpha         float64 `json:"ewma_alpha"`
}

// ThresholdConfig configures the acceptance-threshold hierarchy.
type ThresholdConfig struct {
	GlobalInit         float64 `json:"global_init"`
	SideInit           float64 `json:"side_init"`
	TimeframeInit      float64 `json:"timeframe_init"`
	Min                float64 `json:"min"`
	Max                float64 `json:"max"`
	MinTradesForUpdate int     `json:"min_trades_for_update"`
	MinTradesPerBucket int     `json:"min_trades_per_bucket"`
}

// DriftConfig configures the Page-Hinkley detectors.
type DriftConfig struct {
	Lambda           float64 `json:"lambda"`            // 允许的平均漂移 λ
	DeltaReturn      float64 `json:"delta_return"`      // 收益检测阈值 δ
	DeltaCalibration float64 `json:"delta_calibration"` // 校准误差检测阈值 (更敏感)
	DeltaPenalty     float64 `json:"delta_penalty"`     // 惩罚分检测阈值
	PrudentCycles    int     `json:"prudent_cycles"`
}

// RiskConfig configures Kelly sizing and the daily-loss throttle.
type RiskConfig struct {
	KellyFactor         float64 `json:"kelly_factor"` // 凯利折扣系数, 默认四分之一凯利
	MaxFraction         float64 `json:"max_fraction"` // f_max, 占钱包的最大比例
	TargetStdDev        float64 `json:"target_std_dev"`
	MinPositionUSD      float64 `json:"min_position_usd"`
	MaxPositionUSD      float64 `json:"max_position_usd"`
	DefaultDailyLossCap float64 `json:"default_daily_loss_cap"`
	RefitWindow         int     `json:"refit_window"` // refit 时回看的最近结果条数
}

// CalibrationConfig configures the binned confidence calibrator.
type CalibrationConfig struct {
	Bins          int `json:"bins"`
	MinBinSamples int `json:"min_bin_samples"`
	HistoryWindow int `json:"history_window"` // refit 时回看的最近结果条数
}

// CoreConfig configures the adaptation-cycle trigger.
type CoreConfig struct {
	MinTradesForUpdate  int `json:"min_trades_for_update"`
	UpdateIntervalHours int `json:"update_interval_hours"`
}

// RetentionConfig bounds the outcome log.
type RetentionConfig struct {
	MaxCount   int `json:"max_count"`
	MaxAgeDays int `json:"max_age_days"`
}

// OpsConfig configures the operator-facing monitoring server.
type OpsConfig struct {
	Enabled    bool   `json:"enabled"`
	ListenAddr string `json:"listen_addr"`
}

// DefaultConfig returns the configuration the engine runs with when a field
// is absent from the config file.
func DefaultConfig() *Config {
	return &Config{
		SessionID:     UnknownID,
		OutcomeDBPath: "outcomes.db",
		StateDir:      "state",
		StateBackend:  "file",
		BadgerPath:    "state.badger",
		Penalty: PenaltyConfig{
			WeightConfidence:  1.0,
			WeightStopLoss:    0.5,
			WeightFastLoss:    0.3,
			WeightMAE:         0.2,
			CooldownThreshold: 1.2,
			CooldownCycles:    3,
			EWMAAlpha:         0.15,
		},
		Threshold: ThresholdConfig{
			GlobalInit:         0.70,
			SideInit:           0.70,
			TimeframeInit:      0.70,
			Min:                0.60,
			Max:                0.85,
			MinTradesForUpdate: 20,
			MinTradesPerBucket: 10,
		},
		Drift: DriftConfig{
			Lambda:           0.005,
			DeltaReturn:      0.5,
			DeltaCalibration: 0.35,
			DeltaPenalty:     0.5,
			PrudentCycles:    40,
		},
		Risk: RiskConfig{
			KellyFactor:         0.25,
			MaxFraction:         0.01,
			TargetStdDev:        1.0,
			MinPositionUSD:      15,
			MaxPositionUSD:      150,
			DefaultDailyLossCap: 50,
			RefitWindow:         200,
		},
		Calibration: CalibrationConfig{
			Bins:          10,
			MinBinSamples: 5,
			HistoryWindow: 500,
		},
		Core: CoreConfig{
			MinTradesForUpdate:  20,
			UpdateIntervalHours: 12,
		},
		Retention: RetentionConfig{
			MaxCount:   50000,
			MaxAgeDays: 180,
		},
		Ops: OpsConfig{
			Enabled:    false,
			ListenAddr: ":9301",
		},
		LogConfig: LogConfig{Level: "info", Output: "console"},
	}
}
