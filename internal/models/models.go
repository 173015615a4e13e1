package models

import "time"

// Config 机器人的完整配置
type Config struct {
	Mode       string           `json:"mode" yaml:"mode"` // live 或 paper
	Symbols    []string         `json:"symbols" yaml:"symbols"`
	Exchange   ExchangeConfig   `json:"exchange" yaml:"exchange"`
	Timeframes TimeframeConfig  `json:"timeframes" yaml:"timeframes"`
	Indicators IndicatorConfig  `json:"indicators" yaml:"indicators"`
	Regime     RegimeConfig     `json:"regime" yaml:"regime"`
	Strategies StrategiesConfig `json:"strategies" yaml:"strategies"`
	Risk       RiskConfig       `json:"risk" yaml:"risk"`
	Execution  ExecutionConfig  `json:"execution" yaml:"execution"`
	Reconcile  ReconcileConfig  `json:"reconcile" yaml:"reconcile"`
	Scheduler  SchedulerConfig  `json:"scheduler" yaml:"scheduler"`
	API        APIConfig        `json:"api" yaml:"api"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Alerts     AlertConfig      `json:"alerts" yaml:"alerts"`
	LogConfig  LogConfig        `json:"log" yaml:"log"`
}

// ExchangeConfig 交易所连接与合约账户设置
type ExchangeConfig struct {
	Testnet        bool    `json:"testnet" yaml:"testnet"`
	Leverage       int     `json:"leverage" yaml:"leverage"`
	MarginType     string  `json:"margin_type" yaml:"margin_type"` // ISOLATED 或 CROSSED
	HedgeMode      bool    `json:"hedge_mode" yaml:"hedge_mode"`   // 必须为 false, 启动时会把账户切回单向持仓
	CallTimeoutSec int     `json:"call_timeout_sec" yaml:"call_timeout_sec"`
	PaperBalance   float64 `json:"paper_balance" yaml:"paper_balance"`
	PaperFeeRate   float64 `json:"paper_fee_rate" yaml:"paper_fee_rate"`
}

// CallTimeout 单次交易所请求的超时时间
func (c ExchangeConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSec) * time.Second
}

// TimeframeConfig 三个周期: 趋势过滤、形态设置、入场确认
type TimeframeConfig struct {
	Trend    string `json:"trend" yaml:"trend"`
	Setup    string `json:"setup" yaml:"setup"`
	Entry    string `json:"entry" yaml:"entry"`
	Lookback int    `json:"lookback" yaml:"lookback"`
}

// All 返回去重后的周期列表
func (t TimeframeConfig) All() []string {
	var out []string
	seen := make(map[string]bool)
	for _, tf := range []string{t.Trend, t.Setup, t.Entry} {
		if tf != "" && !seen[tf] {
			seen[tf] = true
			out = append(out, tf)
		}
	}
	return out
}

// IndicatorConfig 指标周期参数
type IndicatorConfig struct {
	EMAFast          int     `json:"ema_fast" yaml:"ema_fast"`
	EMASlow          int     `json:"ema_slow" yaml:"ema_slow"`
	RSIPeriod        int     `json:"rsi_period" yaml:"rsi_period"`
	ATRPeriod        int     `json:"atr_period" yaml:"atr_period"`
	BBPeriod         int     `json:"bb_period" yaml:"bb_period"`
	BBStdDev         float64 `json:"bb_std_dev" yaml:"bb_std_dev"`
	ADXPeriod        int     `json:"adx_period" yaml:"adx_period"`
	SlopeBars        int     `json:"slope_bars" yaml:"slope_bars"`
	BandWidthROCBars int     `json:"bandwidth_roc_bars" yaml:"bandwidth_roc_bars"`
	BaselineBars     int     `json:"baseline_bars" yaml:"baseline_bars"`
	EfficiencyBars   int     `json:"efficiency_bars" yaml:"efficiency_bars"`
}

// RegimeConfig 市场状态分类阈值与滞后参数
type RegimeConfig struct {
	TrendADX             float64  `json:"trend_adx" yaml:"trend_adx"`
	TrendEMASeparation   float64  `json:"trend_ema_separation" yaml:"trend_ema_separation"`
	RangeADX             float64  `json:"range_adx" yaml:"range_adx"`
	RangeBandWidth       float64  `json:"range_bandwidth" yaml:"range_bandwidth"`
	RangeMRScore         float64  `json:"range_mr_score" yaml:"range_mr_score"`
	BreakoutBandWidthROC float64  `json:"breakout_bandwidth_roc" yaml:"breakout_bandwidth_roc"`
	ATRSpikeMultiplier   float64  `json:"atr_spike_multiplier" yaml:"atr_spike_multiplier"`
	ConfirmPasses        int      `json:"confirm_passes" yaml:"confirm_passes"`
	OverrideConfidence   float64  `json:"override_confidence" yaml:"override_confidence"`
	Priority             []string `json:"priority" yaml:"priority"`
}

// StrategiesConfig 策略开关与参数
type StrategiesConfig struct {
	TrendPullback   TrendPullbackConfig `json:"trend_pullback" yaml:"trend_pullback"`
	MeanReversion   MeanReversionConfig `json:"mean_reversion" yaml:"mean_reversion"`
	Breakout        BreakoutConfig      `json:"breakout" yaml:"breakout"`
	CooldownMinutes int                 `json:"cooldown_minutes" yaml:"cooldown_minutes"`
}

// Cooldown 平仓后同一交易对的冷却时间
func (c StrategiesConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}

type TrendPullbackConfig struct {
	Enabled          bool    `json:"enabled" yaml:"enabled"`
	RSILow           float64 `json:"rsi_low" yaml:"rsi_low"`
	RSIHigh          float64 `json:"rsi_high" yaml:"rsi_high"`
	SwingLookback    int     `json:"swing_lookback" yaml:"swing_lookback"`
	StopBufferPct    float64 `json:"stop_buffer_pct" yaml:"stop_buffer_pct"`
	StrongCloseRatio float64 `json:"strong_close_ratio" yaml:"strong_close_ratio"`
	TargetRR         float64 `json:"target_rr" yaml:"target_rr"`
	MinRR            float64 `json:"min_rr" yaml:"min_rr"`
}

type MeanReversionConfig struct {
	Enabled         bool    `json:"enabled" yaml:"enabled"`
	RSIOversold     float64 `json:"rsi_oversold" yaml:"rsi_oversold"`
	RSIOverbought   float64 `json:"rsi_overbought" yaml:"rsi_overbought"`
	SwingLookback   int     `json:"swing_lookback" yaml:"swing_lookback"`
	StopBufferPct   float64 `json:"stop_buffer_pct" yaml:"stop_buffer_pct"`
	UseOppositeBand bool    `json:"use_opposite_band" yaml:"use_opposite_band"`
	MinRR           float64 `json:"min_rr" yaml:"min_rr"`
}

type BreakoutConfig struct {
	Enabled              bool    `json:"enabled" yaml:"enabled"`
	CompressionBandWidth float64 `json:"compression_bandwidth" yaml:"compression_bandwidth"`
	ExpansionFactor      float64 `json:"expansion_factor" yaml:"expansion_factor"`
	RangeLookback        int     `json:"range_lookback" yaml:"range_lookback"`
	StopATRMult          float64 `json:"stop_atr_mult" yaml:"stop_atr_mult"`
	TargetRR             float64 `json:"target_rr" yaml:"target_rr"`
	MinRR                float64 `json:"min_rr" yaml:"min_rr"`
}

// RiskConfig 仓位计算和组合风控参数
type RiskConfig struct {
	RiskPct           float64          `json:"risk_pct" yaml:"risk_pct"`
	Sizing            RiskSizingConfig `json:"sizing" yaml:"sizing"`
	MaxPositions      int              `json:"max_positions" yaml:"max_positions"`
	MaxOpenRiskPct    float64          `json:"max_open_risk_pct" yaml:"max_open_risk_pct"`
	MaxDailyLossPct   float64          `json:"max_daily_loss_pct" yaml:"max_daily_loss_pct"`
	MaxWeeklyLossPct  float64          `json:"max_weekly_loss_pct" yaml:"max_weekly_loss_pct"`
	MaxMonthlyLossPct float64          `json:"max_monthly_loss_pct" yaml:"max_monthly_loss_pct"`
	EquityStaleSec    int              `json:"equity_stale_sec" yaml:"equity_stale_sec"`
	MaxStopATRMult    float64          `json:"max_stop_atr_mult" yaml:"max_stop_atr_mult"`
	MaxNotionalPct    float64          `json:"max_notional_pct" yaml:"max_notional_pct"`
}

// EquityStaleAfter 账户快照的最长有效期
func (c RiskConfig) EquityStaleAfter() time.Duration {
	return time.Duration(c.EquityStaleSec) * time.Second
}

// RiskSizingConfig 置信度缩放的风险比例: fixed / linear / exponential
type RiskSizingConfig struct {
	Mode          string  `json:"mode" yaml:"mode"`
	MinPct        float64 `json:"min_pct" yaml:"min_pct"`
	MaxPct        float64 `json:"max_pct" yaml:"max_pct"`
	MinConfidence float64 `json:"min_confidence" yaml:"min_confidence"`
	Exponent      float64 `json:"exponent" yaml:"exponent"`
}

// ExecutionConfig 下单重试与成交确认参数
type ExecutionConfig struct {
	MaxAttempts        int     `json:"max_attempts" yaml:"max_attempts"`
	BackoffMinMs       int     `json:"backoff_min_ms" yaml:"backoff_min_ms"`
	BackoffMaxMs       int     `json:"backoff_max_ms" yaml:"backoff_max_ms"`
	BackoffFactor      float64 `json:"backoff_factor" yaml:"backoff_factor"`
	ProtectionAttempts int     `json:"protection_attempts" yaml:"protection_attempts"`
	FillTimeoutSec     int     `json:"fill_timeout_sec" yaml:"fill_timeout_sec"`
	FillPollMs         int     `json:"fill_poll_ms" yaml:"fill_poll_ms"`
}

// ReconcileConfig 对账循环参数
type ReconcileConfig struct {
	IntervalSec            int     `json:"interval_sec" yaml:"interval_sec"`
	QuantityToleranceSteps float64 `json:"quantity_tolerance_steps" yaml:"quantity_tolerance_steps"`
	StopATRMult            float64 `json:"stop_atr_mult" yaml:"stop_atr_mult"`
	TakeProfitATRMult      float64 `json:"take_profit_atr_mult" yaml:"take_profit_atr_mult"`
	FallbackStopPct        float64 `json:"fallback_stop_pct" yaml:"fallback_stop_pct"`
	FallbackTakeProfitPct  float64 `json:"fallback_take_profit_pct" yaml:"fallback_take_profit_pct"`
}

// Interval 对账周期
func (c ReconcileConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

// SchedulerConfig 主循环节奏
type SchedulerConfig struct {
	TickIntervalSec   int `json:"tick_interval_sec" yaml:"tick_interval_sec"`
	StatusIntervalSec int `json:"status_interval_sec" yaml:"status_interval_sec"`
}

// APIConfig 运维接口
type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Listen  string `json:"listen" yaml:"listen"`
}

// StorageConfig 持久化目录; TradeDB 为空时不保存 sqlite 成交归档
type StorageConfig struct {
	Path    string `json:"path" yaml:"path"`
	TradeDB string `json:"trade_db" yaml:"trade_db"`
}

// AlertConfig 告警设置, Telegram 凭据从环境变量读取
type AlertConfig struct {
	MinSeverity string `json:"min_severity" yaml:"min_severity"`
	QueueSize   int    `json:"queue_size" yaml:"queue_size"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level" yaml:"level"`
	Output     string `json:"output" yaml:"output"` // "console", "file", "both"
	File       string `json:"file" yaml:"file"`
	MaxSize    int    `json:"max_size" yaml:"max_size"`       // MB
	MaxBackups int    `json:"max_backups" yaml:"max_backups"` // 文件个数
	MaxAge     int    `json:"max_age" yaml:"max_age"`         // 天数
	Compress   bool   `json:"compress" yaml:"compress"`
}
