// Package features 把K线序列转换为状态识别和策略使用的 FeatureSnapshot
package features

import (
	"binance-regime-bot-go/internal/indicators"
	"binance-regime-bot-go/internal/models"
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInsufficientData 表示某个周期已收盘的K线数量不足
var ErrInsufficientData = errors.New("insufficient candle history")

// KlineSource 是特征计算所需的交易所接口
type KlineSource interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
}

// Provider 拉取配置的各周期K线并计算特征快照
type Provider struct {
	src KlineSource
	tf  models.TimeframeConfig
	cfg models.IndicatorConfig
	now func() time.Time
}

func NewProvider(src KlineSource, tf models.TimeframeConfig, cfg models.IndicatorConfig) *Provider {
	return &Provider{src: src, tf: tf, cfg: cfg, now: time.Now}
}

// Snapshot 拉取每个周期已收盘的K线并计算特征快照
func (p *Provider) Snapshot(ctx context.Context, symbol string) (*models.FeatureSnapshot, map[string][]models.Candle, error) {
	candles := make(map[string][]models.Candle)
	now := p.now()
	for _, tf := range p.tf.All() {
		series, err := p.src.GetKlines(ctx, symbol, tf, p.tf.Lookback+1)
		if err != nil {
			return nil, nil, fmt.Errorf("klines %s %s: %w", symbol, tf, err)
		}
		// 收盘时间还在未来的最后一根K线尚未走完
		if n := len(series); n > 0 && series[n-1].CloseTime.After(now) {
			series = series[:n-1]
		}
		candles[tf] = series
	}
	snap, err := Compute(symbol, p.tf, p.cfg, candles, now)
	if err != nil {
		return nil, nil, err
	}
	return snap, candles, nil
}

// ATR 返回交易对 setup 周期最新的 ATR
func (p *Provider) ATR(ctx context.Context, symbol string) (float64, error) {
	snap, _, err := p.Snapshot(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return snap.Setup().ATR, nil
}

// MinBars 是 Compute 接受的最短 setup 序列长度
func MinBars(cfg models.IndicatorConfig) int {
	n := cfg.EMASlow + cfg.SlopeBars
	for _, v := range []int{
		cfg.BBPeriod + cfg.BandWidthROCBars,
		cfg.BBPeriod * 2,
		2*cfg.ADXPeriod + 1,
		cfg.ATRPeriod + cfg.BaselineBars + 1,
		cfg.EfficiencyBars + 1,
		cfg.RSIPeriod + 1,
	} {
		if v > n {
			n = v
		}
	}
	return n
}

// Compute 是特征计算中的纯函数部分
func Compute(symbol string, tf models.TimeframeConfig, cfg models.IndicatorConfig, candles map[string][]models.Candle, ts time.Time) (*models.FeatureSnapshot, error) {
	setup := candles[tf.Setup]
	if len(setup) < MinBars(cfg) {
		return nil, fmt.Errorf("%w: %s %s has %d bars, need %d", ErrInsufficientData, symbol, tf.Setup, len(setup), MinBars(cfg))
	}

	snap := &models.FeatureSnapshot{
		Symbol:     symbol,
		Timeframes: tf,
		Indicators: make(map[string]models.IndicatorSet),
		Timestamp:  ts,
	}
	for _, name := range tf.All() {
		if len(candles[name]) == 0 {
			return nil, fmt.Errorf("%w: %s %s has no bars", ErrInsufficientData, symbol, name)
		}
		snap.Indicators[name] = indicatorSet(candles[name], cfg)
	}

	closes, highs, lows := split(setup)
	fast := indicators.EMA(closes, cfg.EMAFast)
	slow := indicators.EMA(closes, cfg.EMASlow)
	upper, middle, lower := indicators.Bollinger(closes, cfg.BBPeriod, cfg.BBStdDev)
	atr := indicators.ATR(highs, lows, closes, cfg.ATRPeriod)

	bw := make([]float64, len(closes))
	atrPct := make([]float64, len(closes))
	for i := range closes {
		bw[i] = (upper[i] - lower[i]) / middle[i]
		atrPct[i] = atr[i] / closes[i]
	}

	last := len(closes) - 1
	snap.Close = closes[last]
	snap.ADX = finite(indicators.Last(indicators.ADX(highs, lows, closes, cfg.ADXPeriod)))
	snap.EMASeparation = finite(ratio(fast[last]-slow[last], slow[last]))
	prevFast := indicators.Ago(fast, cfg.SlopeBars)
	snap.EMASlope = finite(ratio(fast[last]-prevFast, prevFast))
	snap.BandWidth = finite(bw[last])
	prevBW := indicators.Ago(bw, cfg.BandWidthROCBars)
	snap.BandWidthROC = finite(ratio(bw[last]-prevBW, prevBW))
	snap.BandWidthMin = finite(minOf(bw[max(0, last-cfg.BBPeriod):last]))
	snap.ATRPercent = finite(atrPct[last])
	snap.ATRPercentBaseline = finite(meanOf(atrPct[max(0, last-cfg.BaselineBars):last]))
	snap.MeanReversionScore = finite(1 - indicators.EfficiencyRatio(closes, cfg.EfficiencyBars))
	return snap, nil
}

func indicatorSet(candles []models.Candle, cfg models.IndicatorConfig) models.IndicatorSet {
	closes, highs, lows := split(candles)
	upper, middle, lower := indicators.Bollinger(closes, cfg.BBPeriod, cfg.BBStdDev)
	return models.IndicatorSet{
		EMAFast:     finite(indicators.Last(indicators.EMA(closes, cfg.EMAFast))),
		EMASlow:     finite(indicators.Last(indicators.EMA(closes, cfg.EMASlow))),
		RSI:         finite(indicators.Last(indicators.RSI(closes, cfg.RSIPeriod))),
		ATR:         finite(indicators.Last(indicators.ATR(highs, lows, closes, cfg.ATRPeriod))),
		ADX:         finite(indicators.Last(indicators.ADX(highs, lows, closes, cfg.ADXPeriod))),
		BBUpper:     finite(indicators.Last(upper)),
		BBMiddle:    finite(indicators.Last(middle)),
		BBLower:     finite(indicators.Last(lower)),
		PrevBBUpper: finite(indicators.Ago(upper, 1)),
		PrevBBLower: finite(indicators.Ago(lower, 1)),
		Close:       closes[len(closes)-1],
	}
}

func split(candles []models.Candle) (closes, highs, lows []float64) {
	closes = make([]float64, len(candles))
	highs = make([]float64, len(candles))
	lows = make([]float64, len(candles))
	for i, c := range candles {
		closes[i], highs[i], lows[i] = c.Close, c.High, c.Low
	}
	return closes, highs, lows
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return math.NaN()
	}
	return num / den
}

func minOf(values []float64) float64 {
	m := math.NaN()
	for _, v := range values {
		if !math.IsNaN(v) && (math.IsNaN(m) || v < m) {
			m = v
		}
	}
	return m
}

func meanOf(values []float64) float64 {
	var sum float64
	var n int
	for _, v := range values {
		if !math.IsNaN(v) {
			sum += v
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// finite 把 NaN/Inf 转为 0, 保证快照可以 JSON 编码
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
