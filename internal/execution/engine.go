// Package execution 把已批准的下单计划转换为交易所订单,
// 并让每个已成交的仓位始终挂有止损和止盈。
package execution

import (
	"binance-regime-bot-go/internal/alert"
	"binance-regime-bot-go/internal/exchange"
	"binance-regime-bot-go/internal/journal"
	"binance-regime-bot-go/internal/ledger"
	"binance-regime-bot-go/internal/metrics"
	"binance-regime-bot-go/internal/models"
	"binance-regime-bot-go/internal/persistence"
	"binance-regime-bot-go/internal/retry"
	"binance-regime-bot-go/internal/risk"
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Settler 记录平仓的已实现盈亏, 由 risk.Engine 实现
type Settler interface {
	RecordRealized(pnl float64, at time.Time)
}

// Deps 是 Engine 的依赖。Risk、Notifier、Journal 和 Metrics 可以为 nil。
type Deps struct {
	Exchange exchange.Exchange
	Ledger   *ledger.Ledger
	Kill     *risk.KillSwitch
	Risk     Settler
	Cooldown time.Duration
	Notifier alert.Notifier
	Journal  journal.Recorder
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// Engine 执行 OrderPlan。调用方需持有该交易对的账本锁。
type Engine struct {
	ex       exchange.Exchange
	ledger   *ledger.Ledger
	kill     *risk.KillSwitch
	settler  Settler
	cooldown time.Duration
	notifier alert.Notifier
	journal  journal.Recorder
	metrics  *metrics.Metrics
	logger   *zap.Logger

	exCfg       models.ExchangeConfig
	calls       retry.Policy
	protection  retry.Policy
	fillTimeout time.Duration
	fillPoll    time.Duration
	now         func() time.Time

	mu          sync.Mutex
	configured  map[string]bool
	modeChecked bool
}

func NewEngine(cfg models.ExecutionConfig, exCfg models.ExchangeConfig, d Deps) *Engine {
	e := &Engine{
		ex:          d.Exchange,
		ledger:      d.Ledger,
		kill:        d.Kill,
		settler:     d.Risk,
		cooldown:    d.Cooldown,
		notifier:    d.Notifier,
		journal:     d.Journal,
		metrics:     d.Metrics,
		logger:      d.Logger,
		exCfg:       exCfg,
		fillTimeout: time.Duration(cfg.FillTimeoutSec) * time.Second,
		fillPoll:    time.Duration(cfg.FillPollMs) * time.Millisecond,
		now:         time.Now,
		configured:  make(map[string]bool),
	}
	if e.journal == nil {
		e.journal = journal.Discard
	}
	if e.fillPoll <= 0 {
		e.fillPoll = 500 * time.Millisecond
	}
	e.calls = retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		Min:         time.Duration(cfg.BackoffMinMs) * time.Millisecond,
		Max:         time.Duration(cfg.BackoffMaxMs) * time.Millisecond,
		Factor:      cfg.BackoffFactor,
		Jitter:      true,
		Retryable:   exchange.IsTransient,
		CallTimeout: exCfg.CallTimeout(),
		OnRetry: func(attempt int, err error, wait time.Duration) {
			e.logger.Warn("exchange call failed, retrying",
				zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		},
	}
	// 保护单遇到任何错误都重试, 放弃即意味着紧急平仓
	e.protection = e.calls.WithAttempts(cfg.ProtectionAttempts)
	e.protection.CallTimeout = 0
	e.protection.Retryable = func(err error) bool { return !errors.Is(err, context.Canceled) }
	return e
}

// Retry 返回与对账共用的瞬时错误重试策略
func (e *Engine) Retry() retry.Policy { return e.calls }

// Execute 执行计划: 交易对设置、入场、等待成交、挂保护单并校验
func (e *Engine) Execute(ctx context.Context, plan *models.OrderPlan) models.ExecutionResult {
	res := models.ExecutionResult{IdempotencyKey: plan.IdempotencyKey, Symbol: plan.Symbol}
	finish := func(status models.ExecutionStatus, reason string) models.ExecutionResult {
		res.Status = status
		res.Reason = reason
		res.Timestamp = e.now()
		e.journal.Record(persistence.KindExecution, res)
		log := e.logger.Info
		if status != models.ExecutionProtected {
			log = e.logger.Warn
		}
		log("execution finished",
			zap.String("symbol", plan.Symbol),
			zap.String("status", string(status)),
			zap.String("reason", reason),
			zap.Float64("filled", res.FilledQty))
		return res
	}

	if e.kill.Active() {
		return finish(models.ExecutionHalted, "kill-switch-active")
	}
	if err := checkPriceOrdering(plan); err != nil {
		return finish(models.ExecutionAbandoned, err.Error())
	}
	if err := e.ensureSymbol(ctx, plan.Symbol); err != nil {
		return finish(models.ExecutionAbandoned, "symbol setup: "+err.Error())
	}

	entry, err := e.placeIdempotent(ctx, e.calls, plan.Entry, ClientOrderID(plan.IdempotencyKey, models.LegEntry, 0))
	if err != nil {
		e.count(models.LegEntry, outcome(err))
		return finish(models.ExecutionAbandoned, "entry: "+err.Error())
	}
	e.count(models.LegEntry, "accepted")
	res.EntryOrderID = entry.OrderID

	filled, err := e.awaitFill(ctx, entry)
	if err != nil && filled == nil {
		return finish(models.ExecutionAbandoned, "fill: "+err.Error())
	}
	if filled.ExecutedQty <= 0 {
		return finish(models.ExecutionAbandoned, "entry not filled")
	}
	res.FilledQty = filled.ExecutedQty
	res.AvgPrice = filled.AvgPrice
	if res.AvgPrice <= 0 {
		res.AvgPrice = plan.EntryPrice
	}
	e.journal.Record(persistence.KindFill, filled)

	pos := models.Position{
		Symbol:         plan.Symbol,
		Direction:      plan.Direction,
		Size:           res.FilledQty,
		EntryPrice:     res.AvgPrice,
		MarkPrice:      res.AvgPrice,
		StopPrice:      plan.Stop.StopPrice,
		TakeProfit:     plan.TakeProfit.StopPrice,
		IdempotencyKey: plan.IdempotencyKey,
		StrategyID:     plan.StrategyID,
		OpenedAt:       e.now(),
		UpdatedAt:      e.now(),
	}
	e.ledger.SetPosition(pos)

	pair, err := e.ProtectPosition(ctx, pos, plan.Stop.StopPrice, plan.TakeProfit.StopPrice, 0)
	if err != nil {
		reason := fmt.Sprintf("protection failed after %d attempts: %v", e.protection.MaxAttempts, err)
		if cerr := e.EmergencyClose(ctx, plan.Symbol, reason); cerr != nil {
			e.logger.Error("emergency close failed", zap.String("symbol", plan.Symbol), zap.Error(cerr))
			return finish(models.ExecutionEmergencyClosed, reason+"; close failed: "+cerr.Error())
		}
		return finish(models.ExecutionEmergencyClosed, reason)
	}
	res.Protection = pair
	return finish(models.ExecutionProtected, "")
}

// ProtectPosition 为 pos 挂出 (或找到已有的) 只减仓止损和止盈单,
// 数量等于 pos.Size, 校验两者都有效后写回账本仓位。
func (e *Engine) ProtectPosition(ctx context.Context, pos models.Position, stop, takeProfit float64, generation int64) (models.ProtectiveOrderPair, error) {
	var pair models.ProtectiveOrderPair
	filters, err := e.ex.SymbolFilters(ctx, pos.Symbol)
	if err != nil {
		return pair, err
	}
	qty := filters.RoundQty(pos.Size)
	if qty <= 0 {
		return pair, fmt.Errorf("position size %v rounds to zero", pos.Size)
	}
	closeSide := pos.Direction.CloseSide()
	stopSpec := models.OrderSpec{
		Symbol: pos.Symbol, Leg: models.LegStop, Side: closeSide, Type: models.OrderTypeStopMarket,
		Quantity: qty, StopPrice: filters.RoundPrice(stop), ReduceOnly: true,
	}
	tpSpec := models.OrderSpec{
		Symbol: pos.Symbol, Leg: models.LegTakeProfit, Side: closeSide, Type: models.OrderTypeTakeProfitMarket,
		Quantity: qty, StopPrice: filters.RoundPrice(takeProfit), ReduceOnly: true,
	}
	stopID := ClientOrderID(pos.IdempotencyKey, models.LegStop, generation)
	tpID := ClientOrderID(pos.IdempotencyKey, models.LegTakeProfit, generation)

	err = e.protection.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := e.callContext(ctx)
		defer cancel()
		s, err := e.placeIdempotent(callCtx, e.calls.WithAttempts(1), stopSpec, stopID)
		if err != nil {
			e.count(models.LegStop, outcome(err))
			return fmt.Errorf("stop: %w", err)
		}
		t, err := e.placeIdempotent(callCtx, e.calls.WithAttempts(1), tpSpec, tpID)
		if err != nil {
			e.count(models.LegTakeProfit, outcome(err))
			return fmt.Errorf("take-profit: %w", err)
		}
		if pair, err = e.verify(callCtx, pos.Symbol, s, t); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		if e.notifier != nil {
			_ = e.notifier.Notify(ctx, alert.Critical, fmt.Sprintf("%s: protective orders could not be placed: %v", pos.Symbol, err))
		}
		return pair, err
	}
	e.count(models.LegStop, "accepted")
	e.count(models.LegTakeProfit, "accepted")

	pos.StopPrice = stopSpec.StopPrice
	pos.TakeProfit = tpSpec.StopPrice
	pos.Protection = pair
	pos.UpdatedAt = e.now()
	e.ledger.SetPosition(pos)
	return pair, nil
}

// verify 重新读取两张保护单, 要求它们都处于有效状态
func (e *Engine) verify(ctx context.Context, symbol string, stop, tp *models.Order) (models.ProtectiveOrderPair, error) {
	var pair models.ProtectiveOrderPair
	s, err := e.ex.GetOrder(ctx, symbol, stop.ClientOrderID)
	if err != nil {
		return pair, fmt.Errorf("verify stop: %w", err)
	}
	t, err := e.ex.GetOrder(ctx, symbol, tp.ClientOrderID)
	if err != nil {
		return pair, fmt.Errorf("verify take-profit: %w", err)
	}
	if !s.Status.Live() {
		return pair, fmt.Errorf("stop order %d is %s", s.OrderID, s.Status)
	}
	if !t.Status.Live() {
		return pair, fmt.Errorf("take-profit order %d is %s", t.OrderID, t.Status)
	}
	return models.ProtectiveOrderPair{Stop: protective(s), TakeProfit: protective(t)}, nil
}

// EmergencyClose 撤销 symbol 的全部挂单并市价平仓, 然后按成交均价结算这笔交易:
// 记入已实现盈亏、写入 trade 日志并开始冷却。它不受熔断限制, 平仓只会降低风险。
// 交易所已经没有仓位时账本保持不变, 留给下一轮对账结算。
func (e *Engine) EmergencyClose(ctx context.Context, symbol, reason string) error {
	e.logger.Error("emergency close", zap.String("symbol", symbol), zap.String("reason", reason))
	e.journal.Record(persistence.KindEvent, map[string]string{"event": "emergency-close", "symbol": symbol, "reason": reason})

	if err := e.CancelAll(ctx, symbol); err != nil {
		e.logger.Warn("cancel before emergency close failed", zap.String("symbol", symbol), zap.Error(err))
	}

	var pos *models.ExchangePosition
	err := e.calls.Do(ctx, func(ctx context.Context) error {
		var err error
		pos, err = e.ex.GetPosition(ctx, symbol)
		return err
	})
	if err != nil {
		return fmt.Errorf("emergency close %s: read position: %w", symbol, err)
	}
	if pos.Amount == 0 {
		if _, ok := e.ledger.Position(symbol); ok {
			e.logger.Warn("exchange already flat, settlement left to reconciliation", zap.String("symbol", symbol))
		}
		return nil
	}

	side := models.Sell
	if pos.Amount < 0 {
		side = models.Buy
	}
	spec := models.OrderSpec{
		Symbol: symbol, Leg: models.LegClose, Side: side, Type: models.OrderTypeMarket,
		Quantity: math.Abs(pos.Amount), ReduceOnly: true,
	}
	cid := ClientOrderID("close|"+symbol, models.LegClose, e.now().UnixNano())
	order, err := e.placeIdempotent(ctx, e.calls, spec, cid)
	if err != nil {
		e.count(models.LegClose, outcome(err))
		if e.notifier != nil {
			_ = e.notifier.Notify(ctx, alert.Critical, fmt.Sprintf("%s: EMERGENCY CLOSE FAILED (%s): %v", symbol, reason, err))
		}
		return fmt.Errorf("emergency close %s: %w", symbol, err)
	}
	e.count(models.LegClose, "accepted")

	trade := e.settle(ctx, symbol, pos, order)
	if e.metrics != nil {
		e.metrics.EmergencyCloses.Inc()
	}
	if e.notifier != nil {
		_ = e.notifier.Notify(ctx, alert.Critical, fmt.Sprintf("%s: emergency close executed: %s (exit %v, pnl %.2f)",
			symbol, reason, trade.ExitPrice, trade.RealizedPnL))
	}
	return nil
}

// settle 把紧急平仓记为一笔已完成交易并清除账本仓位
func (e *Engine) settle(ctx context.Context, symbol string, pos *models.ExchangePosition, order *models.Order) models.TradeRecord {
	now := e.now()
	local, hasLocal := e.ledger.Position(symbol)
	exit := e.closePrice(ctx, order)
	if exit <= 0 {
		exit = pos.MarkPrice
	}
	entry := pos.EntryPrice
	if entry <= 0 {
		entry = local.EntryPrice
	}
	if exit <= 0 {
		exit = entry
	}
	dir := models.Long
	if pos.Amount < 0 {
		dir = models.Short
	}
	size := math.Abs(pos.Amount)
	if order.ExecutedQty > 0 {
		size = order.ExecutedQty
	}

	trade := models.TradeRecord{
		Symbol:      symbol,
		Direction:   dir,
		StrategyID:  local.StrategyID,
		Size:        size,
		EntryPrice:  entry,
		ExitPrice:   exit,
		RealizedPnL: (exit - entry) * size * dir.Sign(),
		ExitReason:  models.ExitEmergency,
		OpenedAt:    local.OpenedAt,
		ClosedAt:    now,
	}
	if !hasLocal {
		trade.OpenedAt = now
	}

	if e.settler != nil {
		e.settler.RecordRealized(trade.RealizedPnL, now)
	}
	e.journal.Record(persistence.KindTrade, trade)
	e.ledger.ClearPosition(symbol)
	if e.cooldown > 0 {
		e.ledger.StartCooldown(symbol, now.Add(e.cooldown))
	}
	e.logger.Info("emergency close settled",
		zap.String("symbol", trade.Symbol),
		zap.String("direction", string(trade.Direction)),
		zap.Float64("exit", exit),
		zap.Float64("pnl", trade.RealizedPnL))
	return trade
}

// closePrice 返回平仓单的成交均价; 回报里没有均价时再查询一次订单
func (e *Engine) closePrice(ctx context.Context, order *models.Order) float64 {
	if order.AvgPrice > 0 {
		return order.AvgPrice
	}
	var current *models.Order
	err := e.calls.Do(ctx, func(ctx context.Context) error {
		var err error
		current, err = e.ex.GetOrder(ctx, order.Symbol, order.ClientOrderID)
		return err
	})
	if err != nil {
		e.logger.Warn("close order lookup failed", zap.String("symbol", order.Symbol), zap.Error(err))
		return 0
	}
	if current.ExecutedQty > 0 {
		order.ExecutedQty = current.ExecutedQty
	}
	return current.AvgPrice
}

// CancelAll 撤销 symbol 的所有有效挂单
func (e *Engine) CancelAll(ctx context.Context, symbol string) error {
	var orders []models.Order
	err := e.calls.Do(ctx, func(ctx context.Context) error {
		var err error
		orders, err = e.ex.GetOpenOrders(ctx, symbol)
		return err
	})
	if err != nil {
		return err
	}
	var firstErr error
	for _, o := range orders {
		if err := e.Cancel(ctx, symbol, o.OrderID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Cancel 撤销一张订单。订单已不存在时视为撤销成功。
func (e *Engine) Cancel(ctx context.Context, symbol string, orderID int64) error {
	err := e.calls.Do(ctx, func(ctx context.Context) error {
		return e.ex.CancelOrder(ctx, symbol, orderID)
	})
	if exchange.IsNotFound(err) {
		return nil
	}
	return err
}

// placeIdempotent 返回 clientID 对应的已有订单, 不存在时按 spec 下单
func (e *Engine) placeIdempotent(ctx context.Context, policy retry.Policy, spec models.OrderSpec, clientID string) (*models.Order, error) {
	var order *models.Order
	err := policy.Do(ctx, func(ctx context.Context) error {
		existing, err := e.ex.GetOrder(ctx, spec.Symbol, clientID)
		if err == nil {
			order = existing
			return nil
		}
		if !exchange.IsNotFound(err) {
			return err
		}
		placed, err := e.ex.PlaceOrder(ctx, spec, clientID)
		if exchange.IsDuplicate(err) {
			placed, err = e.ex.GetOrder(ctx, spec.Symbol, clientID)
		}
		if err != nil {
			return err
		}
		order = placed
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("order acknowledged",
		zap.String("symbol", spec.Symbol),
		zap.String("leg", string(spec.Leg)),
		zap.String("clientOrderId", clientID),
		zap.Int64("orderId", order.OrderID),
		zap.String("status", string(order.Status)))
	return order, nil
}

// awaitFill 轮询入场单, 直到成交或超过成交等待时间。
// 部分成交时撤销剩余未成交部分。
func (e *Engine) awaitFill(ctx context.Context, order *models.Order) (*models.Order, error) {
	deadline := e.now().Add(e.fillTimeout)
	current := order
	for {
		switch current.Status {
		case models.OrderStatusFilled:
			return current, nil
		case models.OrderStatusCanceled, models.OrderStatusExpired, models.OrderStatusRejected:
			return current, nil
		}
		if !e.now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return current, ctx.Err()
		case <-time.After(e.fillPoll):
		}
		var next *models.Order
		err := e.calls.Do(ctx, func(ctx context.Context) error {
			var err error
			next, err = e.ex.GetOrder(ctx, current.Symbol, current.ClientOrderID)
			return err
		})
		if err != nil {
			e.logger.Warn("fill poll failed", zap.String("symbol", current.Symbol), zap.Error(err))
			continue
		}
		current = next
	}

	e.logger.Warn("entry not fully filled before timeout, cancelling remainder",
		zap.String("symbol", current.Symbol),
		zap.Float64("executed", current.ExecutedQty),
		zap.Float64("orig", current.OrigQty))
	if err := e.Cancel(ctx, current.Symbol, current.OrderID); err != nil {
		return current, err
	}
	var final *models.Order
	err := e.calls.Do(ctx, func(ctx context.Context) error {
		var err error
		final, err = e.ex.GetOrder(ctx, current.Symbol, current.ClientOrderID)
		return err
	})
	if err != nil {
		return current, err
	}
	return final, nil
}

// ensureSymbol 每个交易对设置一次杠杆和保证金模式,
// 每个进程检查一次账户持仓模式。
func (e *Engine) ensureSymbol(ctx context.Context, symbol string) error {
	e.mu.Lock()
	done, modeChecked := e.configured[symbol], e.modeChecked
	e.mu.Unlock()
	if done {
		return nil
	}

	if !modeChecked {
		err := e.calls.Do(ctx, func(ctx context.Context) error {
			hedge, err := e.ex.GetPositionMode(ctx)
			if err != nil {
				return err
			}
			if hedge == e.exCfg.HedgeMode {
				return nil
			}
			return e.ex.SetPositionMode(ctx, e.exCfg.HedgeMode)
		})
		if err != nil {
			return fmt.Errorf("position mode: %w", err)
		}
		e.mu.Lock()
		e.modeChecked = true
		e.mu.Unlock()
	}

	if e.exCfg.MarginType != "" {
		if err := e.calls.Do(ctx, func(ctx context.Context) error {
			return e.ex.SetMarginType(ctx, symbol, e.exCfg.MarginType)
		}); err != nil {
			return fmt.Errorf("margin type: %w", err)
		}
	}
	if e.exCfg.Leverage > 0 {
		if err := e.calls.Do(ctx, func(ctx context.Context) error {
			return e.ex.SetLeverage(ctx, symbol, e.exCfg.Leverage)
		}); err != nil {
			return fmt.Errorf("leverage: %w", err)
		}
	}

	e.mu.Lock()
	e.configured[symbol] = true
	e.mu.Unlock()
	return nil
}

func (e *Engine) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if t := e.exCfg.CallTimeout(); t > 0 {
		return context.WithTimeout(ctx, 4*t)
	}
	return context.WithCancel(ctx)
}

func (e *Engine) count(leg models.Leg, result string) {
	if e.metrics != nil {
		e.metrics.Orders.WithLabelValues(string(leg), result).Inc()
	}
}

func outcome(err error) string {
	switch {
	case exchange.IsRejected(err):
		return "rejected"
	case exchange.IsTransient(err):
		return "transient"
	default:
		return "error"
	}
}

func protective(o *models.Order) models.ProtectiveOrder {
	return models.ProtectiveOrder{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Status:        o.Status,
		StopPrice:     o.StopPrice,
		Quantity:      o.OrigQty,
	}
}

// checkPriceOrdering 要求多头 止损 < 入场 < 目标, 空头相反
func checkPriceOrdering(plan *models.OrderPlan) error {
	stop, entry, tp := plan.Stop.StopPrice, plan.EntryPrice, plan.TakeProfit.StopPrice
	if plan.Direction == models.Short {
		stop, tp = -stop, -tp
		entry = -entry
	}
	if !(stop < entry && entry < tp) {
		return fmt.Errorf("price ordering violated: stop=%v entry=%v tp=%v", plan.Stop.StopPrice, plan.EntryPrice, plan.TakeProfit.StopPrice)
	}
	if plan.Quantity <= 0 {
		return errors.New("non-positive quantity")
	}
	return nil
}
