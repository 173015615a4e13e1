// Package risk 把信号换算成下单计划, 并执行组合层面的风控上限
package risk

import (
	"binance-regime-bot-go/internal/alert"
	"binance-regime-bot-go/internal/models"
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Reason 是机器可读的拒绝原因
type Reason string

const (
	ReasonKillSwitch       Reason = "kill-switch-active"
	ReasonMaxPositions     Reason = "max-positions"
	ReasonMaxExposure      Reason = "max-exposure"
	ReasonDailyLossCap     Reason = "daily-loss-cap"
	ReasonWeeklyLossCap    Reason = "weekly-loss-cap"
	ReasonMonthlyLossCap   Reason = "monthly-loss-cap"
	ReasonStaleEquity      Reason = "stale-equity"
	ReasonLowConfidence    Reason = "below-min-confidence"
	ReasonQuantityTooSmall Reason = "quantity-below-minimum"
	ReasonMinNotional      Reason = "min-notional"
	ReasonInvalidSignal    Reason = "invalid-signal"
	ReasonStopTooWide      Reason = "stop-too-wide"
)

// Rejection 是风控决定, 不是错误
type Rejection struct {
	Reason Reason `json:"reason"`
	Detail string `json:"detail"`
}

func (r Rejection) String() string {
	if r.Detail == "" {
		return string(r.Reason)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

// Exposure 是新计划将要加入的组合
type Exposure struct {
	OpenPositions int
	OpenRisk      float64
}

// availableMarginBuffer 预留部分可用保证金给手续费和滑点
const availableMarginBuffer = 0.9

var planNamespace = uuid.MustParse("6f1c1f7e-3d0a-4c57-9a8e-2b7d5e4f9c10")

// PlanKey 生成由 sig 构建的计划的幂等键。
// 同一根K线上的同一个信号总是得到相同的键。
func PlanKey(sig models.Signal) string {
	name := strings.Join([]string{
		sig.Symbol, sig.StrategyID, string(sig.Direction),
		sig.CandleTime.UTC().Format(time.RFC3339Nano),
	}, "|")
	return uuid.NewSHA1(planNamespace, []byte(name)).String()
}

// Engine 持有 RiskState, 所有方法都可以并发调用
type Engine struct {
	cfg      models.RiskConfig
	leverage int
	policy   RiskPctPolicy
	kill     *KillSwitch
	notifier alert.Notifier
	logger   *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	state     models.RiskState
	available float64
	onChange  func(models.RiskState)
}

func NewEngine(cfg models.RiskConfig, leverage int, kill *KillSwitch, notifier alert.Notifier, logger *zap.Logger) *Engine {
	if leverage < 1 {
		leverage = 1
	}
	return &Engine{
		cfg:      cfg,
		leverage: leverage,
		policy:   NewPolicy(cfg),
		kill:     kill,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// OnStateChange 注册一个回调, 每次状态变化后以状态副本调用
func (e *Engine) OnStateChange(fn func(models.RiskState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onChange = fn
}

// Restore 加载持久化的状态。已触发的熔断保持触发。
func (e *Engine) Restore(state *models.RiskState) {
	if state == nil {
		return
	}
	e.mu.Lock()
	e.state = *state
	e.mu.Unlock()
	if state.KillSwitch {
		e.kill.Trip(state.KillSwitchReason, e.now())
		e.logger.Warn("kill switch restored from state", zap.String("reason", state.KillSwitchReason))
	}
}

// State 返回带有当前熔断字段的状态副本
func (e *Engine) State() models.RiskState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() models.RiskState {
	st := e.state
	st.KillSwitch = e.kill.Active()
	st.KillSwitchReason = e.kill.Reason()
	return st
}

// UpdateAccount 记录最新权益并滚动各周期的累计值
func (e *Engine) UpdateAccount(acct models.AccountSnapshot) {
	e.mu.Lock()
	e.state.Equity = acct.Equity
	e.state.EquityAt = acct.Timestamp
	e.available = acct.Available
	if e.state.EquityAt.IsZero() {
		e.state.EquityAt = e.now()
	}
	e.rolloverLocked(e.state.EquityAt)
	st, fn := e.snapshotLocked(), e.onChange
	e.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// SetOpenRisk 保存当前所有持仓到止损的总风险, 用于展示
func (e *Engine) SetOpenRisk(openRisk float64) {
	e.mu.Lock()
	e.state.OpenRisk = openRisk
	e.mu.Unlock()
}

// RecordRealized 记入一笔平仓盈亏, 并立即重新检查亏损上限
func (e *Engine) RecordRealized(pnl float64, at time.Time) {
	e.mu.Lock()
	e.rolloverLocked(at)
	e.state.DailyRealized += pnl
	e.state.WeeklyRealized += pnl
	e.state.MonthlyRealized += pnl
	e.state.LastTradeAt = at
	e.state.TradesToday++
	breach, detail := e.lossCapLocked()
	e.mu.Unlock()

	e.logger.Info("realized pnl recorded", zap.Float64("pnl", pnl))
	if breach != "" {
		e.trip(breach, detail)
	}
	e.publish()
}

// Trip 从引擎外部 (对账、操作员) 触发熔断
func (e *Engine) Trip(reason string) {
	e.trip(Reason(reason), "")
	e.publish()
}

// Clear 解除熔断, 只用于显式的全局恢复
func (e *Engine) Clear() {
	e.kill.Clear()
	e.logger.Info("kill switch cleared")
	e.publish()
}

// KillSwitch 返回共享的熔断开关
func (e *Engine) KillSwitch() *KillSwitch { return e.kill }

func (e *Engine) trip(reason Reason, detail string) {
	if !e.kill.Trip(string(reason), e.now()) {
		return
	}
	msg := fmt.Sprintf("KILL-SWITCH ACTIVATED: %s", reason)
	if detail != "" {
		msg += " (" + detail + ")"
	}
	e.logger.Error(msg)
	if e.notifier != nil {
		_ = e.notifier.Notify(context.Background(), alert.Critical, msg+". All trading halted until resume.")
	}
}

func (e *Engine) publish() {
	e.mu.Lock()
	st, fn := e.snapshotLocked(), e.onChange
	e.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// Size 把信号转换为下单计划或拒绝。各项检查按顺序执行,
// 第一个失败的检查决定结果。
func (e *Engine) Size(sig models.Signal, exp Exposure, filters models.SymbolFilters) (*models.OrderPlan, *Rejection) {
	now := e.now()

	if reason := validateSignal(sig); reason != "" {
		return nil, &Rejection{Reason: ReasonInvalidSignal, Detail: reason}
	}
	if e.kill.Active() {
		return nil, &Rejection{Reason: ReasonKillSwitch, Detail: e.kill.Reason()}
	}

	e.mu.Lock()
	e.rolloverLocked(now)
	st, available := e.state, e.available
	e.mu.Unlock()

	if st.Equity <= 0 || st.EquityAt.IsZero() || now.Sub(st.EquityAt) > e.cfg.EquityStaleAfter() {
		return nil, &Rejection{Reason: ReasonStaleEquity, Detail: fmt.Sprintf("equity read at %s", st.EquityAt.Format(time.RFC3339))}
	}
	if exp.OpenPositions >= e.cfg.MaxPositions {
		return nil, &Rejection{Reason: ReasonMaxPositions, Detail: fmt.Sprintf("%d open", exp.OpenPositions)}
	}
	if minConf := e.policy.MinConfidence(); minConf > 0 && sig.Confidence < minConf {
		return nil, &Rejection{Reason: ReasonLowConfidence, Detail: fmt.Sprintf("%.2f < %.2f", sig.Confidence, minConf)}
	}

	dist := math.Abs(sig.Entry - sig.Stop)
	if sig.ATR > 0 && e.cfg.MaxStopATRMult > 0 && dist > e.cfg.MaxStopATRMult*sig.ATR {
		return nil, &Rejection{Reason: ReasonStopTooWide, Detail: fmt.Sprintf("stop %.6f > %.1f x ATR %.6f", dist, e.cfg.MaxStopATRMult, sig.ATR)}
	}

	riskPct := e.policy.ComputeRiskPct(sig.Confidence)
	qty := SizeQuantity(st.Equity, riskPct, sig.Entry, sig.Stop, filters)
	qty = e.clampNotional(qty, sig.Entry, st.Equity, filters)
	qty = e.clampMargin(qty, sig.Entry, available, filters)

	if qty.IsZero() || qty.LessThan(filters.MinQty) {
		return nil, &Rejection{Reason: ReasonQuantityTooSmall, Detail: fmt.Sprintf("qty %s < min %s", qty, filters.MinQty)}
	}
	entryPrice := decimal.NewFromFloat(sig.Entry)
	if qty.Mul(entryPrice).LessThan(filters.MinNotional) {
		return nil, &Rejection{Reason: ReasonMinNotional, Detail: fmt.Sprintf("notional %s < %s", qty.Mul(entryPrice).StringFixed(2), filters.MinNotional)}
	}

	quantity := qty.InexactFloat64()
	newRisk := quantity * dist
	if maxRisk := st.Equity * e.cfg.MaxOpenRiskPct; exp.OpenRisk+newRisk > maxRisk {
		return nil, &Rejection{Reason: ReasonMaxExposure, Detail: fmt.Sprintf("%.2f + %.2f > %.2f", exp.OpenRisk, newRisk, maxRisk)}
	}

	e.mu.Lock()
	breach, detail := e.lossCapLocked()
	e.mu.Unlock()
	if breach != "" {
		e.trip(breach, detail)
		e.publish()
		return nil, &Rejection{Reason: breach, Detail: detail}
	}

	return buildPlan(sig, quantity, newRisk, riskPct, filters, now), nil
}

// SizeQuantity 用 decimal 计算 equity*riskPct/|entry-stop|, 并向下取整到数量步长
func SizeQuantity(equity, riskPct, entry, stop float64, filters models.SymbolFilters) decimal.Decimal {
	dist := decimal.NewFromFloat(entry).Sub(decimal.NewFromFloat(stop)).Abs()
	if !dist.IsPositive() {
		return decimal.Zero
	}
	riskAmount := decimal.NewFromFloat(equity).Mul(decimal.NewFromFloat(riskPct))
	return filters.FloorQty(riskAmount.Div(dist))
}

// clampNotional 把仓位名义价值限制在权益的 MaxNotionalPct 倍以内
func (e *Engine) clampNotional(qty decimal.Decimal, entry, equity float64, filters models.SymbolFilters) decimal.Decimal {
	if e.cfg.MaxNotionalPct <= 0 || entry <= 0 {
		return qty
	}
	maxNotional := decimal.NewFromFloat(equity * e.cfg.MaxNotionalPct)
	price := decimal.NewFromFloat(entry)
	if qty.Mul(price).LessThanOrEqual(maxNotional) {
		return qty
	}
	capped := filters.FloorQty(maxNotional.Div(price))
	e.logger.Info("notional capped",
		zap.String("qty", qty.String()),
		zap.String("capped", capped.String()))
	return capped
}

// clampMargin 减少 qty, 使初始保证金不超过可用余额
func (e *Engine) clampMargin(qty decimal.Decimal, entry, available float64, filters models.SymbolFilters) decimal.Decimal {
	if available <= 0 || entry <= 0 {
		return qty
	}
	maxQty := decimal.NewFromFloat(available * availableMarginBuffer * float64(e.leverage) / entry)
	if qty.LessThanOrEqual(maxQty) {
		return qty
	}
	return filters.FloorQty(maxQty)
}

func validateSignal(sig models.Signal) string {
	switch {
	case sig.Symbol == "":
		return "missing symbol"
	case sig.Direction != models.Long && sig.Direction != models.Short:
		return "missing direction"
	case !sig.StopOnLossSide():
		return "stop missing or not on the loss side"
	case sig.RewardRisk() <= 0:
		return "non-positive reward:risk"
	}
	return ""
}

func buildPlan(sig models.Signal, qty, riskAmount, riskPct float64, filters models.SymbolFilters, now time.Time) *models.OrderPlan {
	closeSide := sig.Direction.CloseSide()
	return &models.OrderPlan{
		IdempotencyKey: PlanKey(sig),
		Symbol:         sig.Symbol,
		Direction:      sig.Direction,
		Side:           sig.Direction.EntrySide(),
		Quantity:       qty,
		EntryPrice:     sig.Entry,
		Entry: models.OrderSpec{
			Symbol: sig.Symbol, Leg: models.LegEntry, Side: sig.Direction.EntrySide(),
			Type: models.OrderTypeMarket, Quantity: qty,
		},
		Stop: models.OrderSpec{
			Symbol: sig.Symbol, Leg: models.LegStop, Side: closeSide,
			Type: models.OrderTypeStopMarket, Quantity: qty,
			StopPrice: filters.RoundPrice(sig.Stop), ReduceOnly: true,
		},
		TakeProfit: models.OrderSpec{
			Symbol: sig.Symbol, Leg: models.LegTakeProfit, Side: closeSide,
			Type: models.OrderTypeTakeProfitMarket, Quantity: qty,
			StopPrice: filters.RoundPrice(sig.Target()), ReduceOnly: true,
		},
		RiskAmount: riskAmount,
		RiskPct:    riskPct,
		StrategyID: sig.StrategyID,
		Regime:     sig.Regime,
		CreatedAt:  now,
	}
}
