package models

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/jxskiss/base62"
)

// Side 定义了交易方向的类型
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// UnknownID 是入站记录缺失标识字段时使用的哨兵值
const UnknownID = "UNKNOWN"

// DefaultCluster 是未指定品种簇时使用的默认簇
const DefaultCluster = "DEFAULT"

// TradeOutcome 记录一笔已平仓交易的完整结果。
// 由外部执行层在平仓时创建一次，之后不可变；Penalty 字段由
// PenaltyTracker 在持久化前回填。
type TradeOutcome struct {
	// 标识
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`

	// 上下文
	Symbol    string `json:"symbol"`
	Side      Side   `json:"side"`
	Timeframe string `json:"timeframe"`
	Cluster   string `json:"cluster"`

	// 预测
	RawConfidence        float64 `json:"raw_confidence"`
	CalibratedConfidence float64 `json:"calibrated_confidence"`
	ModelVersion         string  `json:"model_version"`

	// 开平仓
	EntryPrice      float64   `json:"entry_price"`
	ExitPrice       float64   `json:"exit_price"`
	EntryTime       time.Time `json:"entry_time"`
	ExitTime        time.Time `json:"exit_time"`
	Size            float64   `json:"size"`
	Margin          float64   `json:"margin"`
	DurationSeconds float64   `json:"duration_seconds"`
	CloseReason     string    `json:"close_reason"`

	// 入场时的技术指标快照 (不透明数值包)
	Technical map[string]float64 `json:"technical,omitempty"`

	// 结果
	ROEPct    float64 `json:"roe_pct"`
	PnL       float64 `json:"pnl"`
	Win       bool    `json:"win"`
	StopHit   bool    `json:"stop_hit"`
	TargetHit bool    `json:"target_hit"`

	// 执行质量
	Fees      float64 `json:"fees"`
	Slippage  float64 `json:"slippage"`
	Spread    float64 `json:"spread"`
	LatencyMs float64 `json:"latency_ms"`

	// 持仓期间的最大有利/不利波动 (基点)
	MFEBp float64 `json:"mfe_bp"`
	MAEBp float64 `json:"mae_bp"`

	// 决策时刻的自适应状态快照
	ThresholdGlobal    float64 `json:"threshold_global"`
	ThresholdSide      float64 `json:"threshold_side"`
	ThresholdTimeframe float64 `json:"threshold_timeframe"`
	ThresholdCluster   float64 `json:"threshold_cluster"`
	KellyFractionUsed  float64 `json:"kelly_fraction_used"`
	CooldownApplied    bool    `json:"cooldown_applied"`

	// 由 PenaltyTracker 填入
	Penalty float64 `json:"penalty"`
}

// Normalize 为缺失的必填字段补默认值：数值缺省为0（零值天然满足），
// 标识字符串缺省为哨兵值。入站边界不做硬性拒绝。
func (o *TradeOutcome) Normalize() {
	if o.ID == "" {
		o.ID = NewOutcomeID()
	}
	if o.SessionID == "" {
		o.SessionID = UnknownID
	}
	if o.Symbol == "" {
		o.Symbol = UnknownID
	}
	if o.Cluster == "" {
		o.Cluster = DefaultCluster
	}
	if o.Timeframe == "" {
		o.Timeframe = UnknownID
	}
	if o.Side != Long && o.Side != Short {
		o.Side = Long
	}
	if o.Timestamp.IsZero() {
		o.Timestamp = time.Now()
	}
}

// NewOutcomeID 生成一个 base62 编码的唯一记录ID。
func NewOutcomeID() string {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(time.Now().UnixNano()))
	if _, err := rand.Read(buf[8:]); err != nil {
		// 随机源不可用时退化为纯时间戳
		binary.BigEndian.PutUint64(buf[8:], uint64(time.Now().UnixNano()))
	}
	return base62.EncodeToString(buf[:])
}

// Signal 是待过滤的候选信号
type Signal struct {
	Symbol               string  `json:"symbol"`
	Side                 Side    `json:"side"`
	RawConfidence        float64 `json:"raw_confidence"`
	Timeframe            string  `json:"timeframe"`
	Cluster              string  `json:"cluster,omitempty"`
	CalibratedConfidence float64 `json:"calibrated_confidence,omitempty"` // 过滤后回填
}

// Statistics 是 OutcomeStore 聚合查询的结果。
// 零行时返回全零值对象，查询永不失败。
type Statistics struct {
	Count              int     `json:"count"`
	WinRate            float64 `json:"win_rate"`
	AvgReturn          float64 `json:"avg_return"`
	AvgWin             float64 `json:"avg_win"`
	AvgLoss            float64 `json:"avg_loss"`
	ProfitFactor       float64 `json:"profit_factor"`
	RewardRiskRatio    float64 `json:"reward_risk_ratio"`
	AvgDurationMinutes float64 `json:"avg_duration_minutes"`
}

// StatFilter 限定统计查询的范围；零值字段表示不过滤。
type StatFilter struct {
	Symbol    string
	Side      Side
	Timeframe string
	Cluster   string
}

// KellyParams 是某个分桶的凯利参数：盈亏比R、胜率p、PnL标准差σ。
type KellyParams struct {
	RewardRisk float64 `json:"reward_risk"`
	WinRate    float64 `json:"win_rate"`
	StdDev     float64 `json:"std_dev"`
}

// DefaultKellyParams 是样本不足时逐级回退后的全局默认参数。
func DefaultKellyParams() KellyParams {
	return KellyParams{RewardRisk: 2.0, WinRate: 0.70, StdDev: 1.0}
}

// Bucket 是按品种/簇/周期逐级回退的参数查找键。
type Bucket struct {
	Symbol    string
	Cluster   string
	Timeframe string
}

// ErrorKind 对组件边界的失败进行分类
type ErrorKind int

const (
	// ValidationError 入站记录/信号格式问题（当前只软性补默认值）
	ValidationError ErrorKind = iota
	// StorageError 状态文件或日志读写失败
	StorageError
	// InsufficientDataError 样本不足；永远被解析为保守默认值，
	// 不会传播给 filter/size 的调用方
	InsufficientDataError
)

func (k ErrorKind) String() string {
	switch k {
	case ValidationError:
		return "validation"
	case StorageError:
		return "storage"
	case InsufficientDataError:
		return "insufficient_data"
	}
	return "unknown"
}

// Error 是带分类的组件错误
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError 构造一个分类错误
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
