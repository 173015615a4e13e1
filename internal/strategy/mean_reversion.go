package strategy

import (
	"binance-regime-bot-go/internal/models"
	"math"
)

// MeanReversion 在价格偏离布林带后做回归中轨的交易
type MeanReversion struct {
	cfg models.MeanReversionConfig
}

func NewMeanReversion(cfg models.MeanReversionConfig) *MeanReversion {
	return &MeanReversion{cfg: cfg}
}

func (s *MeanReversion) ID() string { return IDMeanReversion }

func (s *MeanReversion) Evaluate(in Input) (*models.Signal, string) {
	if in.Regime.Regime != models.RegimeRange {
		return nil, ReasonRegimeMismatch
	}
	setup := in.Snapshot.Setup()
	candles := in.series(in.Snapshot.Timeframes.Setup)
	if len(candles) < 2 || len(candles) < s.cfg.SwingLookback {
		return nil, ReasonNotEnoughCandles
	}
	last, prev := candles[len(candles)-1], candles[len(candles)-2]
	inside := last.Close > setup.BBLower && last.Close < setup.BBUpper
	window := tail(candles, s.cfg.SwingLookback)

	var dir models.Direction
	var stop float64
	var targets []float64
	switch {
	case prev.Close < setup.PrevBBLower && inside && setup.RSI <= s.cfg.RSIOversold:
		dir = models.Long
		stop = math.Min(lowest(window), math.Min(prev.Low, last.Low)) * (1 - s.cfg.StopBufferPct)
		targets = []float64{setup.BBMiddle}
		if s.cfg.UseOppositeBand {
			targets = append(targets, setup.BBUpper)
		}
	case prev.Close > setup.PrevBBUpper && inside && setup.RSI >= s.cfg.RSIOverbought:
		dir = models.Short
		stop = math.Max(highest(window), math.Max(prev.High, last.High)) * (1 + s.cfg.StopBufferPct)
		targets = []float64{setup.BBMiddle}
		if s.cfg.UseOppositeBand {
			targets = append(targets, setup.BBLower)
		}
	default:
		return nil, "no-band-reentry"
	}

	return finalize(&models.Signal{
		Symbol:     in.Symbol,
		Direction:  dir,
		StrategyID: IDMeanReversion,
		Regime:     in.Regime.Regime,
		Entry:      last.Close,
		EntryNote:  "market on close back inside bands",
		Stop:       stop,
		Targets:    targets,
		Confidence: in.Regime.Confidence,
		ATR:        setup.ATR,
		CandleTime: last.CloseTime,
	}, s.cfg.MinRR)
}
