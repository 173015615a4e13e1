package strategy

import (
	"binance-regime-bot-go/internal/models"
	"math"
)

// TrendPullback 在已形成的趋势中买入回调到 EMA 区间的机会
type TrendPullback struct {
	cfg models.TrendPullbackConfig
}

func NewTrendPullback(cfg models.TrendPullbackConfig) *TrendPullback {
	return &TrendPullback{cfg: cfg}
}

func (s *TrendPullback) ID() string { return IDTrendPullback }

func (s *TrendPullback) Evaluate(in Input) (*models.Signal, string) {
	var dir models.Direction
	switch in.Regime.Regime {
	case models.RegimeTrendUp:
		dir = models.Long
	case models.RegimeTrendDown:
		dir = models.Short
	default:
		return nil, ReasonRegimeMismatch
	}

	htf := in.Snapshot.Trend()
	if dir == models.Long && htf.EMAFast <= htf.EMASlow {
		return nil, "htf-not-aligned"
	}
	if dir == models.Short && htf.EMAFast >= htf.EMASlow {
		return nil, "htf-not-aligned"
	}

	setup := in.Snapshot.Setup()
	lo, hi := math.Min(setup.EMAFast, setup.EMASlow), math.Max(setup.EMAFast, setup.EMASlow)
	if setup.Close < lo || setup.Close > hi {
		return nil, "price-outside-ema-band"
	}
	if setup.RSI < s.cfg.RSILow || setup.RSI > s.cfg.RSIHigh {
		return nil, "rsi-outside-neutral-band"
	}

	entry := in.series(in.Snapshot.Timeframes.Entry)
	if len(entry) < 2 || len(entry) < s.cfg.SwingLookback {
		return nil, ReasonNotEnoughCandles
	}
	last, prev := entry[len(entry)-1], entry[len(entry)-2]
	if !confirms(dir, last, prev, s.cfg.StrongCloseRatio) {
		return nil, "no-confirmation-candle"
	}

	window := tail(entry, s.cfg.SwingLookback)
	var stop float64
	if dir == models.Long {
		stop = lowest(window) * (1 - s.cfg.StopBufferPct)
	} else {
		stop = highest(window) * (1 + s.cfg.StopBufferPct)
	}
	price := last.Close
	risk := math.Abs(price - stop)

	return finalize(&models.Signal{
		Symbol:     in.Symbol,
		Direction:  dir,
		StrategyID: IDTrendPullback,
		Regime:     in.Regime.Regime,
		Entry:      price,
		EntryNote:  "market on confirmation close",
		Stop:       stop,
		Targets:    []float64{price + dir.Sign()*risk*s.cfg.TargetRR},
		Confidence: in.Regime.Confidence,
		ATR:        setup.ATR,
		CandleTime: last.CloseTime,
	}, s.cfg.MinRR)
}

// confirms 接受吞没形态或顺势的强势收盘
func confirms(dir models.Direction, last, prev models.Candle, strongRatio float64) bool {
	rng := last.High - last.Low
	if dir == models.Long {
		if last.Close <= last.Open {
			return false
		}
		engulfing := prev.Close < prev.Open && last.Close >= prev.Open && last.Open <= prev.Close
		strong := rng > 0 && (last.Close-last.Low)/rng >= strongRatio
		return engulfing || strong
	}
	if last.Close >= last.Open {
		return false
	}
	engulfing := prev.Close > prev.Open && last.Close <= prev.Open && last.Open >= prev.Close
	strong := rng > 0 && (last.High-last.Close)/rng >= strongRatio
	return engulfing || strong
}
