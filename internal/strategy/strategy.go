// Package strategy 包含与状态绑定的入场策略, 以及每个周期
// 从中选出唯一一个策略的路由器。
package strategy

import (
	"binance-regime-bot-go/internal/models"
	"math"
)

// 策略 ID
const (
	IDTrendPullback = "trend_pullback"
	IDMeanReversion = "mean_reversion"
	IDBreakout      = "breakout"
)

// NoSignal 的原因
const (
	ReasonGlobalPause      = "global-pause"
	ReasonSymbolPause      = "symbol-pause"
	ReasonCooldown         = "cooldown"
	ReasonNoTradeRegime    = "no-trade-regime"
	ReasonDisabled         = "strategy-disabled"
	ReasonInvalidSignal    = "invalid-signal"
	ReasonBelowRewardRisk  = "reward-risk-below-floor"
	ReasonRegimeMismatch   = "regime-mismatch"
	ReasonNotEnoughCandles = "not-enough-candles"
)

// Input 是策略在一个交易对的一个周期中可以使用的全部数据
type Input struct {
	Symbol   string
	Regime   models.RegimeState
	Snapshot *models.FeatureSnapshot
	Candles  map[string][]models.Candle
}

func (in Input) series(tf string) []models.Candle {
	return in.Candles[tf]
}

// Strategy 评估并产生一个信号。信号为 nil 时附带原因。
// 实现必须是纯函数。
type Strategy interface {
	ID() string
	Evaluate(in Input) (*models.Signal, string)
}

// finalize 检查信号约定: 止损在不利一侧, 且盈亏比为正
// 并满足最低要求。
func finalize(sig *models.Signal, minRR float64) (*models.Signal, string) {
	if !sig.StopOnLossSide() {
		return nil, ReasonInvalidSignal
	}
	rr := sig.RewardRisk()
	if rr <= 0 {
		return nil, ReasonInvalidSignal
	}
	if rr < minRR-1e-9 {
		return nil, ReasonBelowRewardRisk
	}
	return sig, ""
}

func lowest(candles []models.Candle) float64 {
	m := math.Inf(1)
	for _, c := range candles {
		m = math.Min(m, c.Low)
	}
	return m
}

func highest(candles []models.Candle) float64 {
	m := math.Inf(-1)
	for _, c := range candles {
		m = math.Max(m, c.High)
	}
	return m
}

func tail(candles []models.Candle, n int) []models.Candle {
	if n <= 0 || n > len(candles) {
		return candles
	}
	return candles[len(candles)-n:]
}
