package models

import (
	"encoding/json"
	"time"
)

// Regime 是一个交易对被识别出的市场状态
type Regime string

const (
	RegimeTrendUp   Regime = "TREND_UP"
	RegimeTrendDown Regime = "TREND_DOWN"
	RegimeRange     Regime = "RANGE"
	RegimeBreakout  Regime = "BREAKOUT"
	RegimeNoTrade   Regime = "NO_TRADE"
)

// Family 把 TREND_UP/TREND_DOWN 归为 TREND, 用于优先级排序
func (r Regime) Family() string {
	switch r {
	case RegimeTrendUp, RegimeTrendDown:
		return "TREND"
	case RegimeRange:
		return "RANGE"
	case RegimeBreakout:
		return "BREAKOUT"
	default:
		return "NO_TRADE"
	}
}

// Direction 交易方向
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// EntrySide 返回该方向开仓的订单方向
func (d Direction) EntrySide() Side {
	if d == Short {
		return Sell
	}
	return Buy
}

// CloseSide 返回该方向减仓的订单方向
func (d Direction) CloseSide() Side {
	if d == Short {
		return Buy
	}
	return Sell
}

// Sign 多头为 +1, 空头为 -1
func (d Direction) Sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

// Side 订单方向 (BUY 或 SELL)
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// Live 判断订单是否仍可能成交
func (s OrderStatus) Live() bool {
	return s == OrderStatusNew || s == OrderStatusPartiallyFilled
}

// Leg 表示订单在 OrderPlan 中的角色
type Leg string

const (
	LegEntry      Leg = "entry"
	LegStop       Leg = "stop"
	LegTakeProfit Leg = "tp"
	LegClose      Leg = "close"
)

// Candle 是一根已收盘的 OHLCV K线
type Candle struct {
	OpenTime  time.Time `json:"open_time"`
	CloseTime time.Time `json:"close_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// IndicatorSet 保存一个周期最新的指标值
type IndicatorSet struct {
	EMAFast     float64 `json:"ema_fast"`
	EMASlow     float64 `json:"ema_slow"`
	RSI         float64 `json:"rsi"`
	ATR         float64 `json:"atr"`
	ADX         float64 `json:"adx"`
	BBUpper     float64 `json:"bb_upper"`
	BBMiddle    float64 `json:"bb_middle"`
	BBLower     float64 `json:"bb_lower"`
	PrevBBUpper float64 `json:"prev_bb_upper"`
	PrevBBLower float64 `json:"prev_bb_lower"`
	Close       float64 `json:"close"`
}

// FeatureSnapshot 是一个交易对每个周期不可变的特征向量。
// 状态识别特征在 setup 周期上计算。
type FeatureSnapshot struct {
	Symbol             string                  `json:"symbol"`
	Timeframes         TimeframeConfig         `json:"timeframes"`
	Indicators         map[string]IndicatorSet `json:"indicators"`
	ADX                float64                 `json:"adx"`
	EMASeparation      float64                 `json:"ema_separation"`
	EMASlope           float64                 `json:"ema_slope"`
	BandWidth          float64                 `json:"bandwidth"`
	BandWidthROC       float64                 `json:"bandwidth_roc"`
	BandWidthMin       float64                 `json:"bandwidth_min"`
	ATRPercent         float64                 `json:"atr_percent"`
	ATRPercentBaseline float64                 `json:"atr_percent_baseline"`
	MeanReversionScore float64                 `json:"mean_reversion_score"`
	Close              float64                 `json:"close"`
	Timestamp          time.Time               `json:"timestamp"`
}

// Setup 返回 setup 周期的指标
func (f *FeatureSnapshot) Setup() IndicatorSet { return f.Indicators[f.Timeframes.Setup] }

// Trend 返回更高 (趋势) 周期的指标
func (f *FeatureSnapshot) Trend() IndicatorSet { return f.Indicators[f.Timeframes.Trend] }

// RegimeState 是一个交易对带版本号的状态记录
type RegimeState struct {
	Symbol          string    `json:"symbol"`
	Regime          Regime    `json:"regime"`
	Confidence      float64   `json:"confidence"`
	Candidate       Regime    `json:"candidate"`
	CandidateCount  int       `json:"candidate_count"`
	LastConfirmedAt time.Time `json:"last_confirmed_at"`
	Version         int64     `json:"version"`
}

// NewRegimeState 返回没有历史的交易对的初始状态
func NewRegimeState(symbol string) RegimeState {
	return RegimeState{Symbol: symbol, Regime: RegimeNoTrade, Candidate: RegimeNoTrade}
}

// RegimeSnapshot 在每次识别后发出
type RegimeSnapshot struct {
	Symbol     string           `json:"symbol"`
	Regime     Regime           `json:"regime"`
	Candidate  Regime           `json:"candidate"`
	Confidence float64          `json:"confidence"`
	Changed    bool             `json:"changed"`
	Features   *FeatureSnapshot `json:"features,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Signal 是策略产生的候选交易
type Signal struct {
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"direction"`
	StrategyID string    `json:"strategy_id"`
	Regime     Regime    `json:"regime"`
	Entry      float64   `json:"entry"`
	EntryNote  string    `json:"entry_note"`
	Stop       float64   `json:"stop"`
	Targets    []float64 `json:"targets"`
	Confidence float64   `json:"confidence"`
	ATR        float64   `json:"atr"`
	CandleTime time.Time `json:"candle_time"`
}

// Target 返回第一个止盈价, 没有时为 0
func (s Signal) Target() float64 {
	if len(s.Targets) == 0 {
		return 0
	}
	return s.Targets[0]
}

// StopOnLossSide 判断止损是否存在且位于入场价的不利一侧
func (s Signal) StopOnLossSide() bool {
	if s.Stop <= 0 || s.Entry <= 0 {
		return false
	}
	if s.Direction == Short {
		return s.Stop > s.Entry
	}
	return s.Stop < s.Entry
}

// RewardRisk 是以第一个目标计算的盈亏比, 无法计算时为 0
func (s Signal) RewardRisk() float64 {
	risk := (s.Entry - s.Stop) * s.Direction.Sign()
	reward := (s.Target() - s.Entry) * s.Direction.Sign()
	if risk <= 0 || s.Target() <= 0 {
		return 0
	}
	return reward / risk
}

// OrderSpec 描述计划中的一张订单
type OrderSpec struct {
	Symbol     string    `json:"symbol"`
	Leg        Leg       `json:"leg"`
	Side       Side      `json:"side"`
	Type       OrderType `json:"type"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price,omitempty"`
	StopPrice  float64   `json:"stop_price,omitempty"`
	ReduceOnly bool      `json:"reduce_only"`
}

// OrderPlan 是已批准、可以直接提交交易所的交易
type OrderPlan struct {
	IdempotencyKey string    `json:"idempotency_key"`
	Symbol         string    `json:"symbol"`
	Direction      Direction `json:"direction"`
	Side           Side      `json:"side"`
	Quantity       float64   `json:"quantity"`
	EntryPrice     float64   `json:"entry_price"`
	Entry          OrderSpec `json:"entry"`
	Stop           OrderSpec `json:"stop"`
	TakeProfit     OrderSpec `json:"take_profit"`
	RiskAmount     float64   `json:"risk_amount"`
	RiskPct        float64   `json:"risk_pct"`
	StrategyID     string    `json:"strategy_id"`
	Regime         Regime    `json:"regime"`
	CreatedAt      time.Time `json:"created_at"`
}

// Order 是交易所视角的订单
type Order struct {
	OrderID       int64       `json:"order_id"`
	ClientOrderID string      `json:"client_order_id"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Type          OrderType   `json:"type"`
	Status        OrderStatus `json:"status"`
	Price         float64     `json:"price"`
	StopPrice     float64     `json:"stop_price"`
	OrigQty       float64     `json:"orig_qty"`
	ExecutedQty   float64     `json:"executed_qty"`
	AvgPrice      float64     `json:"avg_price"`
	ReduceOnly    bool        `json:"reduce_only"`
	ClosePosition bool        `json:"close_position"`
	UpdateTime    time.Time   `json:"update_time"`
}

// Protective 判断订单是否为只减仓的止损或止盈单
func (o Order) Protective() bool {
	return (o.ReduceOnly || o.ClosePosition) &&
		(o.Type == OrderTypeStopMarket || o.Type == OrderTypeTakeProfitMarket)
}

// ProtectiveOrder 记录 ProtectiveOrderPair 中的一条腿
type ProtectiveOrder struct {
	OrderID       int64       `json:"order_id"`
	ClientOrderID string      `json:"client_order_id"`
	Status        OrderStatus `json:"status"`
	StopPrice     float64     `json:"stop_price"`
	Quantity      float64     `json:"quantity"`
}

// ProtectiveOrderPair 是一个仓位的止损和止盈
type ProtectiveOrderPair struct {
	Stop       ProtectiveOrder `json:"stop"`
	TakeProfit ProtectiveOrder `json:"take_profit"`
}

// Position 是本地对一个交易对持仓的认知
type Position struct {
	Symbol         string              `json:"symbol"`
	Direction      Direction           `json:"direction"`
	Size           float64             `json:"size"`
	EntryPrice     float64             `json:"entry_price"`
	MarkPrice      float64             `json:"mark_price"`
	UnrealizedPnL  float64             `json:"unrealized_pnl"`
	StopPrice      float64             `json:"stop_price"`
	TakeProfit     float64             `json:"take_profit"`
	Protection     ProtectiveOrderPair `json:"protection"`
	IdempotencyKey string              `json:"idempotency_key"`
	StrategyID     string              `json:"strategy_id"`
	OpenedAt       time.Time           `json:"opened_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// Open 判断仓位数量是否不为零
func (p Position) Open() bool { return p.Size > 0 }

// RiskAtStop 是止损成交时的亏损
func (p Position) RiskAtStop() float64 {
	if p.StopPrice <= 0 {
		return 0
	}
	r := (p.EntryPrice - p.StopPrice) * p.Direction.Sign() * p.Size
	if r < 0 {
		return 0
	}
	return r
}

// ExchangePosition 是交易所视角的持仓。
// Amount 带符号: 多头为正, 空头为负。
type ExchangePosition struct {
	Symbol        string  `json:"symbol"`
	Amount        float64 `json:"amount"`
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Leverage      int     `json:"leverage"`
	MarginType    string  `json:"margin_type"`
}

// AccountSnapshot 是某一时刻读取的账户权益
type AccountSnapshot struct {
	Equity        float64   `json:"equity"`
	WalletBalance float64   `json:"wallet_balance"`
	Available     float64   `json:"available"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	Timestamp     time.Time `json:"timestamp"`
}

// RiskState 是长期保存的风控记录
type RiskState struct {
	Equity           float64   `json:"equity"`
	EquityAt         time.Time `json:"equity_at"`
	DailyRealized    float64   `json:"daily_realized"`
	WeeklyRealized   float64   `json:"weekly_realized"`
	MonthlyRealized  float64   `json:"monthly_realized"`
	DayStartEquity   float64   `json:"day_start_equity"`
	WeekStartEquity  float64   `json:"week_start_equity"`
	MonthStartEquity float64   `json:"month_start_equity"`
	DayStart         time.Time `json:"day_start"`
	WeekStart        time.Time `json:"week_start"`
	MonthStart       time.Time `json:"month_start"`
	OpenRisk         float64   `json:"open_risk"`
	KillSwitch       bool      `json:"kill_switch"`
	KillSwitchReason string    `json:"kill_switch_reason"`
	LastTradeAt      time.Time `json:"last_trade_at"`
	TradesToday      int       `json:"trades_today"`
}

// ReconcileAction 是一个交易对的对账结果
type ReconcileAction string

const (
	ReconcileNone            ReconcileAction = "none"
	ReconcileRepaired        ReconcileAction = "repaired"
	ReconcileEmergencyClosed ReconcileAction = "emergency-closed"
	ReconcileCancelledOrphan ReconcileAction = "cancelled-orphan"
)

// ReconciliationRecord 是只追加的审计记录
type ReconciliationRecord struct {
	Action    ReconcileAction `json:"action"`
	Symbol    string          `json:"symbol"`
	Detail    string          `json:"detail"`
	Timestamp time.Time       `json:"timestamp"`
}

type ExecutionStatus string

const (
	ExecutionProtected       ExecutionStatus = "protected"
	ExecutionAbandoned       ExecutionStatus = "abandoned"
	ExecutionEmergencyClosed ExecutionStatus = "emergency-closed"
	ExecutionHalted          ExecutionStatus = "halted"
)

// ExecutionResult 是执行一个 OrderPlan 的结果
type ExecutionResult struct {
	IdempotencyKey string              `json:"idempotency_key"`
	Symbol         string              `json:"symbol"`
	Status         ExecutionStatus     `json:"status"`
	EntryOrderID   int64               `json:"entry_order_id"`
	FilledQty      float64             `json:"filled_qty"`
	AvgPrice       float64             `json:"avg_price"`
	Protection     ProtectiveOrderPair `json:"protection"`
	Reason         string              `json:"reason,omitempty"`
	Timestamp      time.Time           `json:"timestamp"`
}

// ExitReason 说明仓位是如何平掉的
type ExitReason string

const (
	ExitStopLoss   ExitReason = "stop-loss"
	ExitTakeProfit ExitReason = "take-profit"
	ExitEmergency  ExitReason = "emergency"
	ExitUnknown    ExitReason = "unknown"
)

// TradeRecord 是一笔已完成的交易
type TradeRecord struct {
	Symbol      string     `json:"symbol"`
	Direction   Direction  `json:"direction"`
	StrategyID  string     `json:"strategy_id"`
	Size        float64    `json:"size"`
	EntryPrice  float64    `json:"entry_price"`
	ExitPrice   float64    `json:"exit_price"`
	RealizedPnL float64    `json:"realized_pnl"`
	ExitReason  ExitReason `json:"exit_reason"`
	OpenedAt    time.Time  `json:"opened_at"`
	ClosedAt    time.Time  `json:"closed_at"`
}

// Status 是控制器面向操作员的视图
type Status struct {
	Mode          string                 `json:"mode"`
	Paused        bool                   `json:"paused"`
	PausedSymbols []string               `json:"paused_symbols"`
	KillSwitch    bool                   `json:"kill_switch"`
	KillReason    string                 `json:"kill_reason"`
	KillSince     time.Time              `json:"kill_since"`
	Regimes       map[string]RegimeState `json:"regimes"`
	Positions     []Position             `json:"positions"`
	Cooldowns     map[string]time.Time   `json:"cooldowns"`
	Risk          RiskState              `json:"risk"`
	Timestamp     time.Time              `json:"timestamp"`
}

// LedgerSnapshot 是仓位账本和操作员开关的持久化形式
type LedgerSnapshot struct {
	Positions     map[string]Position  `json:"positions"`
	Cooldowns     map[string]time.Time `json:"cooldowns"`
	Paused        bool                 `json:"paused"`
	PausedSymbols []string             `json:"paused_symbols"`
	SavedAt       time.Time            `json:"saved_at"`
}

// JournalEntry 是一条只追加的日志记录
type JournalEntry struct {
	Kind    string          `json:"kind"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}
