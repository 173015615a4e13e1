// Package regime 识别交易对的市场状态, 并在确认新状态前
// 进行滞后处理。
package regime

import (
	"binance-regime-bot-go/internal/models"
	"math"
	"time"
)

// Classifier 只保存配置, 所有状态都在 models.RegimeState 中
type Classifier struct {
	cfg      models.RegimeConfig
	priority []string
}

// NewClassifier 创建分类器。priority 为空时使用 TREND, RANGE, BREAKOUT。
func NewClassifier(cfg models.RegimeConfig) *Classifier {
	priority := cfg.Priority
	if len(priority) == 0 {
		priority = []string{"TREND", "RANGE", "BREAKOUT"}
	}
	if cfg.ConfirmPasses < 1 {
		cfg.ConfirmPasses = 1
	}
	return &Classifier{cfg: cfg, priority: priority}
}

type candidate struct {
	regime     models.Regime
	confidence float64
	ok         bool
}

// Classify 返回原始候选状态及其 [0,1] 区间的置信度。
// 结果只取决于快照和配置的阈值。
func (c *Classifier) Classify(snap *models.FeatureSnapshot) (models.Regime, float64) {
	if snap == nil {
		return models.RegimeNoTrade, 0
	}
	cands := []candidate{c.trend(snap), c.rangeBound(snap), c.breakout(snap)}
	// 多个状态同时成立时按 priority 中的族顺序取第一个
	for _, family := range c.priority {
		for _, cand := range cands {
			if cand.ok && cand.regime.Family() == family {
				return cand.regime, cand.confidence
			}
		}
	}
	return models.RegimeNoTrade, 0
}

func (c *Classifier) trend(s *models.FeatureSnapshot) candidate {
	if s.ADX <= c.cfg.TrendADX || math.Abs(s.EMASeparation) <= c.cfg.TrendEMASeparation {
		return candidate{}
	}
	var r models.Regime
	switch {
	case s.EMASeparation > 0 && s.EMASlope > 0:
		r = models.RegimeTrendUp
	case s.EMASeparation < 0 && s.EMASlope < 0:
		r = models.RegimeTrendDown
	default:
		return candidate{}
	}
	conf := 0.5*excess(s.ADX, c.cfg.TrendADX) + 0.5*excess(math.Abs(s.EMASeparation), c.cfg.TrendEMASeparation)
	return candidate{regime: r, confidence: clamp01(conf), ok: true}
}

func (c *Classifier) rangeBound(s *models.FeatureSnapshot) candidate {
	if s.ADX > c.cfg.RangeADX || s.BandWidth > c.cfg.RangeBandWidth || s.MeanReversionScore < c.cfg.RangeMRScore {
		return candidate{}
	}
	adxRoom := 1.0
	if c.cfg.RangeADX > 0 {
		adxRoom = (c.cfg.RangeADX - s.ADX) / c.cfg.RangeADX
	}
	bwRoom := 1.0
	if c.cfg.RangeBandWidth > 0 {
		bwRoom = (c.cfg.RangeBandWidth - s.BandWidth) / c.cfg.RangeBandWidth
	}
	conf := (clamp01(adxRoom) + clamp01(bwRoom) + clamp01(s.MeanReversionScore)) / 3
	return candidate{regime: models.RegimeRange, confidence: clamp01(conf), ok: true}
}

func (c *Classifier) breakout(s *models.FeatureSnapshot) candidate {
	expanding := s.BandWidthROC > c.cfg.BreakoutBandWidthROC
	spike := s.ATRPercentBaseline > 0 && c.cfg.ATRSpikeMultiplier > 0 &&
		s.ATRPercent > s.ATRPercentBaseline*c.cfg.ATRSpikeMultiplier
	if !expanding && !spike {
		return candidate{}
	}
	var conf float64
	if expanding {
		conf = excess(s.BandWidthROC, c.cfg.BreakoutBandWidthROC)
	}
	if spike {
		conf = math.Max(conf, excess(s.ATRPercent/s.ATRPercentBaseline, c.cfg.ATRSpikeMultiplier))
	}
	return candidate{regime: models.RegimeBreakout, confidence: clamp01(conf), ok: true}
}

// Confirm 进行滞后确认。返回新的状态值, 只有已确认状态
// 发生切换时 changed 才为 true。
func (c *Classifier) Confirm(cand models.Regime, confidence float64, prev models.RegimeState, now time.Time) (models.RegimeState, bool) {
	next := prev
	if next.Regime == "" {
		next.Regime = models.RegimeNoTrade
	}

	if cand == next.Candidate && next.CandidateCount > 0 {
		next.CandidateCount++
	} else {
		next.Candidate = cand
		next.CandidateCount = 1
	}

	if cand == next.Regime {
		next.Confidence = confidence
		return next, false
	}

	if next.CandidateCount >= c.cfg.ConfirmPasses || confidence > c.cfg.OverrideConfidence {
		next.Regime = cand
		next.Confidence = confidence
		next.LastConfirmedAt = now
		next.Version++
		return next, true
	}
	return next, false
}

// excess 把 value/threshold 映射到 [0,1]: 等于阈值时为 0, 两倍阈值时为 1
func excess(value, threshold float64) float64 {
	if threshold <= 0 {
		return clamp01(value)
	}
	return clamp01((value - threshold) / threshold)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
