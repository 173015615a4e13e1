package regime

import (
	"binance-regime-bot-go/internal/models"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegimeConfig() models.RegimeConfig {
	return models.RegimeConfig{
		TrendADX:             25,
		TrendEMASeparation:   0.003,
		RangeADX:             20,
		RangeBandWidth:       0.05,
		RangeMRScore:         0.6,
		BreakoutBandWidthROC: 0.3,
		ATRSpikeMultiplier:   1.8,
		ConfirmPasses:        3,
		OverrideConfidence:   0.9,
	}
}

func trendUpSnapshot() *models.FeatureSnapshot {
	return &models.FeatureSnapshot{Symbol: "BTCUSDT", ADX: 32, EMASeparation: 0.004, EMASlope: 0.002, BandWidth: 0.08, MeanReversionScore: 0.2}
}

func rangeSnapshot() *models.FeatureSnapshot {
	return &models.FeatureSnapshot{Symbol: "BTCUSDT", ADX: 14, EMASeparation: 0.001, EMASlope: 0.0001, BandWidth: 0.03, MeanReversionScore: 0.8}
}

func TestClassifyTrendDirections(t *testing.T) {
	c := NewClassifier(testRegimeConfig())

	r, conf := c.Classify(trendUpSnapshot())
	assert.Equal(t, models.RegimeTrendUp, r)
	assert.Greater(t, conf, 0.0)
	assert.LessOrEqual(t, conf, 1.0)

	down := trendUpSnapshot()
	down.EMASeparation, down.EMASlope = -0.004, -0.002
	r, _ = c.Classify(down)
	assert.Equal(t, models.RegimeTrendDown, r)

	mixed := trendUpSnapshot()
	mixed.EMASlope = -0.001
	r, _ = c.Classify(mixed)
	assert.Equal(t, models.RegimeNoTrade, r, "slope disagreeing with separation is not a trend")
}

func TestClassifyRangeAndBreakout(t *testing.T) {
	c := NewClassifier(testRegimeConfig())

	r, conf := c.Classify(rangeSnapshot())
	assert.Equal(t, models.RegimeRange, r)
	assert.Greater(t, conf, 0.4)

	spike := &models.FeatureSnapshot{ADX: 22, BandWidth: 0.07, ATRPercent: 0.04, ATRPercentBaseline: 0.01}
	r, _ = c.Classify(spike)
	assert.Equal(t, models.RegimeBreakout, r)

	expansion := &models.FeatureSnapshot{ADX: 22, BandWidth: 0.07, BandWidthROC: 0.5}
	r, _ = c.Classify(expansion)
	assert.Equal(t, models.RegimeBreakout, r)

	r, conf = c.Classify(&models.FeatureSnapshot{ADX: 22, BandWidth: 0.07})
	assert.Equal(t, models.RegimeNoTrade, r)
	assert.Equal(t, 0.0, conf)
}

func TestClassifyIsPure(t *testing.T) {
	c := NewClassifier(testRegimeConfig())
	snap := trendUpSnapshot()
	r1, c1 := c.Classify(snap)
	for i := 0; i < 10; i++ {
		r, conf := c.Classify(snap)
		assert.Equal(t, r1, r)
		assert.Equal(t, c1, conf)
	}
}

func TestPriorityResolvesOverlap(t *testing.T) {
	// satisfies both TREND and BREAKOUT
	snap := trendUpSnapshot()
	snap.BandWidthROC = 0.6

	r, _ := NewClassifier(testRegimeConfig()).Classify(snap)
	assert.Equal(t, models.RegimeTrendUp, r)

	cfg := testRegimeConfig()
	cfg.Priority = []string{"BREAKOUT", "TREND", "RANGE"}
	r, _ = NewClassifier(cfg).Classify(snap)
	assert.Equal(t, models.RegimeBreakout, r)
}

func TestPriorityGroupsTrendDirections(t *testing.T) {
	snap := trendUpSnapshot()
	snap.EMASeparation = -snap.EMASeparation
	snap.EMASlope = -snap.EMASlope
	snap.BandWidthROC = 0.6

	cfg := testRegimeConfig()
	cfg.Priority = []string{"TREND", "BREAKOUT"}
	r, _ := NewClassifier(cfg).Classify(snap)
	assert.Equal(t, models.RegimeTrendDown, r)
	assert.Equal(t, "TREND", r.Family())

	// a family missing from the priority list is never chosen
	cfg.Priority = []string{"RANGE", "BREAKOUT"}
	r, _ = NewClassifier(cfg).Classify(snap)
	assert.Equal(t, models.RegimeBreakout, r)
}

func TestConfirmRequiresKConsecutivePasses(t *testing.T) {
	c := NewClassifier(testRegimeConfig())
	now := time.Now()
	state := models.RegimeState{Symbol: "BTCUSDT", Regime: models.RegimeRange, Candidate: models.RegimeRange, CandidateCount: 7}

	var changed bool
	for i := 0; i < 2; i++ {
		state, changed = c.Confirm(models.RegimeTrendUp, 0.5, state, now)
		require.False(t, changed)
		assert.Equal(t, models.RegimeRange, state.Regime, "pass %d must not flip", i+1)
	}

	state, changed = c.Confirm(models.RegimeTrendUp, 0.5, state, now)
	require.True(t, changed)
	assert.Equal(t, models.RegimeTrendUp, state.Regime)
	assert.Equal(t, now, state.LastConfirmedAt)
	assert.Equal(t, int64(1), state.Version)
}

func TestConfirmCounterResetsOnFlicker(t *testing.T) {
	c := NewClassifier(testRegimeConfig())
	now := time.Now()
	state := models.NewRegimeState("BTCUSDT")

	state, _ = c.Confirm(models.RegimeRange, 0.5, state, now)
	state, _ = c.Confirm(models.RegimeRange, 0.5, state, now)
	state, _ = c.Confirm(models.RegimeBreakout, 0.5, state, now)
	assert.Equal(t, 1, state.CandidateCount)
	state, changed := c.Confirm(models.RegimeRange, 0.5, state, now)
	assert.False(t, changed)
	assert.Equal(t, 1, state.CandidateCount)
	assert.Equal(t, models.RegimeNoTrade, state.Regime)
}

func TestConfirmOverrideFlipsImmediately(t *testing.T) {
	c := NewClassifier(testRegimeConfig())
	state := models.NewRegimeState("BTCUSDT")

	state, changed := c.Confirm(models.RegimeBreakout, 0.95, state, time.Now())
	assert.True(t, changed)
	assert.Equal(t, models.RegimeBreakout, state.Regime)
	assert.Equal(t, 0.95, state.Confidence)
}

func TestConfirmSameRegimeRefreshesConfidenceOnly(t *testing.T) {
	c := NewClassifier(testRegimeConfig())
	state := models.RegimeState{Regime: models.RegimeRange, Candidate: models.RegimeRange, CandidateCount: 3, Confidence: 0.4, Version: 2}

	next, changed := c.Confirm(models.RegimeRange, 0.7, state, time.Now())
	assert.False(t, changed)
	assert.Equal(t, 0.7, next.Confidence)
	assert.Equal(t, int64(2), next.Version)
}
