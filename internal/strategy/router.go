package strategy

import (
	"binance-regime-bot-go/internal/models"
	"time"

	"go.uber.org/zap"
)

// Decision 是路由的结果: 一个可用信号, 或没有信号的原因
type Decision struct {
	Signal     *models.Signal
	StrategyID string
	Reason     string
}

// HasSignal 判断结果是否带有信号
func (d Decision) HasSignal() bool { return d.Signal != nil }

// PauseState 在每个周期开始时读取一次
type PauseState struct {
	Global bool
	Symbol bool
}

type binding struct {
	strategy Strategy
	enabled  bool
	minRR    float64
}

// Router 通过固定的映射表把已确认的状态对应到唯一的策略
type Router struct {
	table  map[models.Regime]*binding
	logger *zap.Logger
}

// NewRouter 根据配置构建状态映射表
func NewRouter(cfg models.StrategiesConfig, logger *zap.Logger) *Router {
	trend := &binding{strategy: NewTrendPullback(cfg.TrendPullback), enabled: cfg.TrendPullback.Enabled, minRR: cfg.TrendPullback.MinRR}
	meanRev := &binding{strategy: NewMeanReversion(cfg.MeanReversion), enabled: cfg.MeanReversion.Enabled, minRR: cfg.MeanReversion.MinRR}
	breakout := &binding{strategy: NewBreakout(cfg.Breakout), enabled: cfg.Breakout.Enabled, minRR: cfg.Breakout.MinRR}
	return &Router{
		table: map[models.Regime]*binding{
			models.RegimeTrendUp:   trend,
			models.RegimeTrendDown: trend,
			models.RegimeRange:     meanRev,
			models.RegimeBreakout:  breakout,
		},
		logger: logger,
	}
}

// Bind 替换某个状态绑定的策略
func (r *Router) Bind(regime models.Regime, s Strategy, enabled bool, minRR float64) {
	r.table[regime] = &binding{strategy: s, enabled: enabled, minRR: minRR}
}

// Route 依次检查暂停、冷却和启用开关, 然后执行绑定的策略。
// 没有冷却时 cooldownUntil 为零值。
func (r *Router) Route(in Input, pause PauseState, cooldownUntil, now time.Time) Decision {
	switch {
	case pause.Global:
		return Decision{Reason: ReasonGlobalPause}
	case pause.Symbol:
		return Decision{Reason: ReasonSymbolPause}
	case now.Before(cooldownUntil):
		return Decision{Reason: ReasonCooldown}
	}

	b, ok := r.table[in.Regime.Regime]
	if !ok {
		return Decision{Reason: ReasonNoTradeRegime}
	}
	id := b.strategy.ID()
	if !b.enabled {
		return Decision{StrategyID: id, Reason: ReasonDisabled}
	}
	if in.Snapshot == nil {
		return Decision{StrategyID: id, Reason: ReasonNotEnoughCandles}
	}

	sig, reason := b.strategy.Evaluate(in)
	if sig == nil {
		return Decision{StrategyID: id, Reason: reason}
	}

	// 策略返回不合格的信号属于逻辑错误, 放弃本周期
	if !sig.StopOnLossSide() || sig.RewardRisk() <= 0 {
		r.logger.Error("strategy emitted a signal without a valid stop",
			zap.String("symbol", in.Symbol),
			zap.String("strategy", id),
			zap.Float64("entry", sig.Entry),
			zap.Float64("stop", sig.Stop),
			zap.Float64("target", sig.Target()))
		return Decision{StrategyID: id, Reason: ReasonInvalidSignal}
	}
	if sig.RewardRisk() < b.minRR-1e-9 {
		return Decision{StrategyID: id, Reason: ReasonBelowRewardRisk}
	}
	return Decision{Signal: sig, StrategyID: id}
}
