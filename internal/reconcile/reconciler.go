// Package reconcile 定期比较账本与交易所的状态,
// 修复或升级处理发现的每一处差异。
package reconcile

import (
	"binance-regime-bot-go/internal/alert"
	"binance-regime-bot-go/internal/exchange"
	"binance-regime-bot-go/internal/execution"
	"binance-regime-bot-go/internal/journal"
	"binance-regime-bot-go/internal/ledger"
	"binance-regime-bot-go/internal/metrics"
	"binance-regime-bot-go/internal/models"
	"binance-regime-bot-go/internal/persistence"
	"binance-regime-bot-go/internal/risk"
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ATRSource 提供 setup 周期的 ATR, 用于计算修复用的止损
type ATRSource interface {
	ATR(ctx context.Context, symbol string) (float64, error)
}

// Deps 是 Reconciler 的依赖。ATR、Notifier、Journal 和 Metrics 可以为 nil。
type Deps struct {
	Exchange exchange.Exchange
	Executor *execution.Engine
	Ledger   *ledger.Ledger
	Risk     *risk.Engine
	ATR      ATRSource
	Notifier alert.Notifier
	Journal  journal.Recorder
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

type Reconciler struct {
	cfg      models.ReconcileConfig
	cooldown time.Duration
	symbols  []string

	ex       exchange.Exchange
	exec     *execution.Engine
	ledger   *ledger.Ledger
	risk     *risk.Engine
	atr      ATRSource
	notifier alert.Notifier
	journal  journal.Recorder
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

func New(cfg models.ReconcileConfig, cooldown time.Duration, symbols []string, d Deps) *Reconciler {
	r := &Reconciler{
		cfg:      cfg,
		cooldown: cooldown,
		symbols:  symbols,
		ex:       d.Exchange,
		exec:     d.Executor,
		ledger:   d.Ledger,
		risk:     d.Risk,
		atr:      d.ATR,
		notifier: d.Notifier,
		journal:  d.Journal,
		metrics:  d.Metrics,
		logger:   d.Logger,
		now:      time.Now,
	}
	if r.journal == nil {
		r.journal = journal.Discard
	}
	return r
}

// Run 按配置的间隔对账所有交易对, 直到 ctx 结束
func (r *Reconciler) Run(ctx context.Context) {
	interval := r.cfg.Interval()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	r.logger.Info("reconciliation loop started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciliation loop stopped")
			return
		case <-ticker.C:
			r.ReconcileAll(ctx)
		}
	}
}

// ReconcileAll 对每个配置的交易对以及账本中有持仓的交易对
// 各执行一轮对账。
func (r *Reconciler) ReconcileAll(ctx context.Context) []models.ReconciliationRecord {
	seen := make(map[string]bool)
	var symbols []string
	for _, s := range r.symbols {
		if !seen[s] {
			seen[s] = true
			symbols = append(symbols, s)
		}
	}
	for _, p := range r.ledger.Positions() {
		if !seen[p.Symbol] {
			seen[p.Symbol] = true
			symbols = append(symbols, p.Symbol)
		}
	}

	var out []models.ReconciliationRecord
	for _, s := range symbols {
		if ctx.Err() != nil {
			break
		}
		out = append(out, r.ReconcileSymbol(ctx, s)...)
	}
	return out
}

// ReconcileSymbol 在交易对的账本锁内执行一轮对账
func (r *Reconciler) ReconcileSymbol(ctx context.Context, symbol string) []models.ReconciliationRecord {
	// 下面的每个动作都只会降低风险, 熔断时也继续执行
	halted := r.risk.KillSwitch().Active()

	unlock := r.ledger.Lock(symbol)
	defer unlock()

	policy := r.exec.Retry()
	var (
		pos    *models.ExchangePosition
		orders []models.Order
	)
	err := policy.Do(ctx, func(ctx context.Context) error {
		var err error
		if pos, err = r.ex.GetPosition(ctx, symbol); err != nil {
			return err
		}
		orders, err = r.ex.GetOpenOrders(ctx, symbol)
		return err
	})
	if err != nil {
		r.logger.Error("reconciliation fetch failed", zap.String("symbol", symbol), zap.Error(err))
		r.journal.Record(persistence.KindError, map[string]string{"component": "reconcile", "symbol": symbol, "error": err.Error()})
		return nil
	}

	filters, err := r.ex.SymbolFilters(ctx, symbol)
	if err != nil {
		r.logger.Error("symbol filters unavailable", zap.String("symbol", symbol), zap.Error(err))
		return nil
	}
	tolerance := r.cfg.QuantityToleranceSteps * filters.Step()

	p := &pass{r: r, symbol: symbol, halted: halted}
	local, hasLocal := r.ledger.Position(symbol)
	exSize := math.Abs(pos.Amount)

	switch {
	case exSize == 0 && hasLocal:
		trade := r.handleClosed(ctx, local, pos)
		p.add(models.ReconcileNone, fmt.Sprintf("settled closed position (%s, pnl %.2f)", trade.ExitReason, trade.RealizedPnL))
		p.cancelOrphans(ctx, orders, func(models.Order) bool { return true })

	case exSize == 0:
		p.cancelOrphans(ctx, orders, func(models.Order) bool { return true })

	case hasLocal && (local.Direction != directionOf(pos.Amount) || math.Abs(exSize-local.Size) > tolerance):
		detail := fmt.Sprintf("quantity mismatch: local %s %v, exchange %v", local.Direction, local.Size, pos.Amount)
		r.risk.Trip("reconcile-quantity-mismatch")
		if err := r.exec.EmergencyClose(ctx, symbol, detail); err != nil {
			detail += "; close failed: " + err.Error()
		}
		p.add(models.ReconcileEmergencyClosed, detail)

	default:
		if !hasLocal {
			local = r.adopt(pos)
			detail := fmt.Sprintf("adopted unknown %s position of %v @ %v", local.Direction, local.Size, local.EntryPrice)
			p.add(models.ReconcileNone, detail)
			r.logger.Warn("unknown position adopted", zap.String("symbol", symbol), zap.String("detail", detail))
			if r.notifier != nil {
				_ = r.notifier.Notify(ctx, alert.Warning, fmt.Sprintf("Reconciliation %s: %s", symbol, detail))
			}
		}
		local.MarkPrice = pos.MarkPrice
		local.UnrealizedPnL = pos.UnrealizedPnL
		local.Size = exSize
		r.ledger.SetPosition(local)
		p.checkProtection(ctx, local, orders, tolerance)
	}

	if len(p.records) == 0 {
		p.add(models.ReconcileNone, "consistent")
	}
	return p.records
}

// pass 收集一个交易对本轮对账的记录
type pass struct {
	r       *Reconciler
	symbol  string
	halted  bool
	records []models.ReconciliationRecord
}

func (p *pass) add(action models.ReconcileAction, detail string) {
	r := p.r
	if p.halted && action != models.ReconcileNone {
		detail += " (kill switch active)"
	}
	rec := models.ReconciliationRecord{Action: action, Symbol: p.symbol, Detail: detail, Timestamp: r.now()}
	p.records = append(p.records, rec)
	r.journal.Record(persistence.KindReconciliation, rec)
	if r.metrics != nil {
		r.metrics.ReconcileActions.WithLabelValues(string(action)).Inc()
	}
	if action == models.ReconcileNone {
		r.logger.Debug("reconciled", zap.String("symbol", p.symbol))
		return
	}
	r.logger.Warn("reconciliation action",
		zap.String("symbol", p.symbol),
		zap.String("action", string(action)),
		zap.String("detail", detail))
	if r.notifier != nil {
		severity := alert.Warning
		if action == models.ReconcileEmergencyClosed {
			severity = alert.Critical
		}
		_ = r.notifier.Notify(context.Background(), severity,
			fmt.Sprintf("Reconciliation %s %s: %s", p.symbol, action, detail))
	}
}

// cancelOrphans 撤销 orphan 匹配到的所有只减仓订单
func (p *pass) cancelOrphans(ctx context.Context, orders []models.Order, orphan func(models.Order) bool) {
	for _, o := range orders {
		if !(o.ReduceOnly || o.ClosePosition) || !orphan(o) {
			continue
		}
		if err := p.r.exec.Cancel(ctx, p.symbol, o.OrderID); err != nil {
			p.r.logger.Error("orphan cancel failed", zap.String("symbol", p.symbol), zap.Int64("orderId", o.OrderID), zap.Error(err))
			continue
		}
		p.add(models.ReconcileCancelledOrphan, fmt.Sprintf("cancelled %s %s order %d", o.Type, o.Side, o.OrderID))
	}
}

// checkProtection 要求恰好有一张有效止损和一张有效止盈,
// 都在平仓方向上只减仓, 且数量覆盖整个仓位。
func (p *pass) checkProtection(ctx context.Context, pos models.Position, orders []models.Order, tolerance float64) {
	r := p.r
	closeSide := pos.Direction.CloseSide()

	var stops, tps []models.Order
	p.cancelOrphans(ctx, orders, func(o models.Order) bool { return o.Side != closeSide })
	for _, o := range orders {
		if !o.Protective() || o.Side != closeSide {
			continue
		}
		if o.Type == models.OrderTypeStopMarket {
			stops = append(stops, o)
		} else {
			tps = append(tps, o)
		}
	}

	sized := func(o models.Order) bool { return o.ClosePosition || o.OrigQty >= pos.Size-tolerance }
	if len(stops) == 1 && len(tps) == 1 && sized(stops[0]) && sized(tps[0]) {
		pos.Protection = models.ProtectiveOrderPair{Stop: protectiveOf(stops[0]), TakeProfit: protectiveOf(tps[0])}
		pos.StopPrice = stops[0].StopPrice
		pos.TakeProfit = tps[0].StopPrice
		pos.UpdatedAt = r.now()
		r.ledger.SetPosition(pos)
		return
	}

	issue := describe(stops, tps, pos.Size, tolerance)
	for _, o := range append(stops, tps...) {
		if err := r.exec.Cancel(ctx, p.symbol, o.OrderID); err != nil {
			r.logger.Warn("cancel of faulty protective order failed", zap.Int64("orderId", o.OrderID), zap.Error(err))
		}
	}

	stop, tp, err := r.repairLevels(ctx, pos)
	if err == nil {
		_, err = r.exec.ProtectPosition(ctx, pos, stop, tp, r.now().UnixNano())
	}
	if err != nil {
		detail := fmt.Sprintf("%s; protection could not be restored: %v", issue, err)
		if cerr := r.exec.EmergencyClose(ctx, p.symbol, detail); cerr != nil {
			detail += "; close failed: " + cerr.Error()
		}
		p.add(models.ReconcileEmergencyClosed, detail)
		return
	}
	p.add(models.ReconcileRepaired, fmt.Sprintf("%s; placed stop %v and take-profit %v", issue, stop, tp))
}

// repairLevels 在仓位原有价位相对标记价格仍然有效时沿用它们,
// 否则按 ATR 或入场价的固定百分比重新计算。
func (r *Reconciler) repairLevels(ctx context.Context, pos models.Position) (float64, float64, error) {
	sign := pos.Direction.Sign()
	mark := pos.MarkPrice
	if mark <= 0 {
		mark = pos.EntryPrice
	}
	valid := func(stop, tp float64) bool {
		return stop > 0 && tp > 0 && (mark-stop)*sign > 0 && (tp-mark)*sign > 0
	}
	if valid(pos.StopPrice, pos.TakeProfit) {
		return pos.StopPrice, pos.TakeProfit, nil
	}

	stopDist := pos.EntryPrice * r.cfg.FallbackStopPct
	tpDist := pos.EntryPrice * r.cfg.FallbackTakeProfitPct
	if r.atr != nil {
		if atr, err := r.atr.ATR(ctx, pos.Symbol); err == nil && atr > 0 {
			stopDist = atr * r.cfg.StopATRMult
			tpDist = atr * r.cfg.TakeProfitATRMult
		} else if err != nil {
			r.logger.Warn("ATR unavailable, using fallback percentages", zap.String("symbol", pos.Symbol), zap.Error(err))
		}
	}
	stop := pos.EntryPrice - sign*stopDist
	tp := pos.EntryPrice + sign*tpDist
	if !valid(stop, tp) {
		return 0, 0, fmt.Errorf("mark %v already beyond repair levels stop=%v tp=%v", mark, stop, tp)
	}
	return stop, tp, nil
}

// adopt 为账本不认识的交易所仓位创建账本记录
func (r *Reconciler) adopt(pos *models.ExchangePosition) models.Position {
	now := r.now()
	return models.Position{
		Symbol:         pos.Symbol,
		Direction:      directionOf(pos.Amount),
		Size:           math.Abs(pos.Amount),
		EntryPrice:     pos.EntryPrice,
		MarkPrice:      pos.MarkPrice,
		UnrealizedPnL:  pos.UnrealizedPnL,
		IdempotencyKey: fmt.Sprintf("adopt|%s|%d", pos.Symbol, now.UnixNano()),
		StrategyID:     "adopted",
		OpenedAt:       now,
		UpdatedAt:      now,
	}
}

func directionOf(amount float64) models.Direction {
	if amount < 0 {
		return models.Short
	}
	return models.Long
}

func protectiveOf(o models.Order) models.ProtectiveOrder {
	return models.ProtectiveOrder{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Status:        o.Status,
		StopPrice:     o.StopPrice,
		Quantity:      o.OrigQty,
	}
}

func describe(stops, tps []models.Order, size, tolerance float64) string {
	var parts []string
	for _, leg := range []struct {
		name   string
		orders []models.Order
	}{{"stop", stops}, {"take-profit", tps}} {
		switch n := len(leg.orders); {
		case n == 0:
			parts = append(parts, "missing "+leg.name)
		case n > 1:
			parts = append(parts, fmt.Sprintf("%d %s orders", n, leg.name))
		case !leg.orders[0].ClosePosition && leg.orders[0].OrigQty < size-tolerance:
			parts = append(parts, fmt.Sprintf("undersized %s (%v < %v)", leg.name, leg.orders[0].OrigQty, size))
		}
	}
	return strings.Join(parts, ", ")
}
