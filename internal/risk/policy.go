package risk

import (
	"binance-regime-bot-go/internal/models"
	"math"
)

// RiskPctPolicy 把信号置信度换算为每笔交易的权益风险比例
type RiskPctPolicy interface {
	ComputeRiskPct(confidence float64) float64
	// MinConfidence 低于该置信度的信号被拒绝, 0 表示不检查
	MinConfidence() float64
}

// FixedRisk 忽略置信度
type FixedRisk struct {
	Pct float64
}

func (p FixedRisk) ComputeRiskPct(float64) float64 { return p.Pct }
func (p FixedRisk) MinConfidence() float64         { return 0 }

// LinearRisk 随置信度从 Min 线性增加到 Max
type LinearRisk struct {
	Min, Max float64
	MinConf  float64
}

func (p LinearRisk) ComputeRiskPct(confidence float64) float64 {
	return clampPct(p.Min+(p.Max-p.Min)*clamp01(confidence), p.Min, p.Max)
}

func (p LinearRisk) MinConfidence() float64 { return p.MinConf }

// ExponentialRisk 按 confidence^Exponent 缩放, 比线性更保守
type ExponentialRisk struct {
	Min, Max float64
	MinConf  float64
	Exponent float64
}

func (p ExponentialRisk) ComputeRiskPct(confidence float64) float64 {
	exp := p.Exponent
	if exp <= 0 {
		exp = 2
	}
	return clampPct(p.Min+(p.Max-p.Min)*math.Pow(clamp01(confidence), exp), p.Min, p.Max)
}

func (p ExponentialRisk) MinConfidence() float64 { return p.MinConf }

// NewPolicy 按 cfg.Sizing.Mode 选择策略
func NewPolicy(cfg models.RiskConfig) RiskPctPolicy {
	s := cfg.Sizing
	switch s.Mode {
	case "linear":
		return LinearRisk{Min: s.MinPct, Max: s.MaxPct, MinConf: s.MinConfidence}
	case "exponential":
		return ExponentialRisk{Min: s.MinPct, Max: s.MaxPct, MinConf: s.MinConfidence, Exponent: s.Exponent}
	default:
		return FixedRisk{Pct: cfg.RiskPct}
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampPct(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
