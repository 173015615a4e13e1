package reconcile

import (
	"binance-regime-bot-go/internal/alert"
	"binance-regime-bot-go/internal/models"
	"binance-regime-bot-go/internal/persistence"
	"context"
	"fmt"

	"go.uber.org/zap"
)

// handleClosed 结算账本仍持有但交易所已经平掉的仓位,
// 通常是止损或止盈单已触发。
func (r *Reconciler) handleClosed(ctx context.Context, local models.Position, ex *models.ExchangePosition) models.TradeRecord {
	now := r.now()
	reason, exit := r.exitOf(ctx, local)
	if exit <= 0 {
		exit = ex.MarkPrice
	}
	if exit <= 0 {
		exit = local.MarkPrice
	}

	trade := models.TradeRecord{
		Symbol:      local.Symbol,
		Direction:   local.Direction,
		StrategyID:  local.StrategyID,
		Size:        local.Size,
		EntryPrice:  local.EntryPrice,
		ExitPrice:   exit,
		RealizedPnL: (exit - local.EntryPrice) * local.Size * local.Direction.Sign(),
		ExitReason:  reason,
		OpenedAt:    local.OpenedAt,
		ClosedAt:    now,
	}

	r.risk.RecordRealized(trade.RealizedPnL, now)
	r.journal.Record(persistence.KindTrade, trade)
	r.ledger.ClearPosition(local.Symbol)
	if r.cooldown > 0 {
		r.ledger.StartCooldown(local.Symbol, now.Add(r.cooldown))
	}

	r.logger.Info("position closed",
		zap.String("symbol", trade.Symbol),
		zap.String("direction", string(trade.Direction)),
		zap.String("reason", string(reason)),
		zap.Float64("exit", exit),
		zap.Float64("pnl", trade.RealizedPnL))
	if r.notifier != nil {
		_ = r.notifier.Notify(ctx, alert.Info, fmt.Sprintf("Trade closed %s %s (%s): entry %v exit %v pnl %.2f",
			trade.Symbol, trade.Direction, reason, trade.EntryPrice, exit, trade.RealizedPnL))
	}
	return trade
}

// exitOf 查询仓位的保护单, 找出是哪一张成交了
func (r *Reconciler) exitOf(ctx context.Context, pos models.Position) (models.ExitReason, float64) {
	legs := []struct {
		reason models.ExitReason
		order  models.ProtectiveOrder
	}{
		{models.ExitStopLoss, pos.Protection.Stop},
		{models.ExitTakeProfit, pos.Protection.TakeProfit},
	}
	for _, leg := range legs {
		if leg.order.ClientOrderID == "" {
			continue
		}
		o, err := r.ex.GetOrder(ctx, pos.Symbol, leg.order.ClientOrderID)
		if err != nil {
			r.logger.Debug("protective order lookup failed", zap.String("clientOrderId", leg.order.ClientOrderID), zap.Error(err))
			continue
		}
		if o.Status == models.OrderStatusFilled {
			return leg.reason, o.AvgPrice
		}
	}
	return models.ExitUnknown, 0
}
