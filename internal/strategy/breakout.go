package strategy

import (
	"binance-regime-bot-go/internal/models"
	"math"
)

// Breakout 在波动率收缩后, 交易收盘价突破近期区间的行情
type Breakout struct {
	cfg models.BreakoutConfig
}

func NewBreakout(cfg models.BreakoutConfig) *Breakout {
	return &Breakout{cfg: cfg}
}

func (s *Breakout) ID() string { return IDBreakout }

func (s *Breakout) Evaluate(in Input) (*models.Signal, string) {
	if in.Regime.Regime != models.RegimeBreakout {
		return nil, ReasonRegimeMismatch
	}
	snap := in.Snapshot
	if snap.BandWidthMin <= 0 || snap.BandWidthMin > s.cfg.CompressionBandWidth {
		return nil, "no-prior-compression"
	}
	if snap.BandWidth < snap.BandWidthMin*s.cfg.ExpansionFactor {
		return nil, "no-expansion"
	}

	candles := in.series(snap.Timeframes.Setup)
	if len(candles) < s.cfg.RangeLookback+1 {
		return nil, ReasonNotEnoughCandles
	}
	last := candles[len(candles)-1]
	rangeBars := candles[len(candles)-1-s.cfg.RangeLookback : len(candles)-1]
	hi, lo := highest(rangeBars), lowest(rangeBars)
	atr := snap.Setup().ATR
	if atr <= 0 {
		return nil, "no-atr"
	}

	var dir models.Direction
	var stop float64
	switch {
	case last.Close > hi:
		dir = models.Long
		stop = hi - atr*s.cfg.StopATRMult
	case last.Close < lo:
		dir = models.Short
		stop = lo + atr*s.cfg.StopATRMult
	default:
		return nil, "inside-range"
	}
	risk := math.Abs(last.Close - stop)

	return finalize(&models.Signal{
		Symbol:     in.Symbol,
		Direction:  dir,
		StrategyID: IDBreakout,
		Regime:     in.Regime.Regime,
		Entry:      last.Close,
		EntryNote:  "market on range break close",
		Stop:       stop,
		Targets:    []float64{last.Close + dir.Sign()*risk*s.cfg.TargetRR},
		Confidence: in.Regime.Confidence,
		ATR:        atr,
		CandleTime: last.CloseTime,
	}, s.cfg.MinRR)
}
