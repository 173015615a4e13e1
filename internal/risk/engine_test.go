package risk

import (
	"binance-regime-bot-go/internal/alert"
	"binance-regime-bot-go/internal/config"
	"binance-regime-bot-go/internal/models"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type capturedAlerts struct {
	mu   sync.Mutex
	msgs []string
}

func (c *capturedAlerts) Notify(_ context.Context, s alert.Severity, msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, s.String()+":"+msg)
	return nil
}

var testNow = time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC) // Monday

func newTestEngine(t *testing.T, mutate func(*models.RiskConfig)) (*Engine, *capturedAlerts) {
	t.Helper()
	cfg := config.Default().Risk
	if mutate != nil {
		mutate(&cfg)
	}
	alerts := &capturedAlerts{}
	e := NewEngine(cfg, 5, NewKillSwitch(), alerts, zap.NewNop())
	e.now = func() time.Time { return testNow }
	e.UpdateAccount(models.AccountSnapshot{Equity: 10000, Available: 10000, Timestamp: testNow})
	return e, alerts
}

func tenthFilters() models.SymbolFilters {
	return models.NewSymbolFilters("BTCUSDT", 0.01, 0.1, 0.1, 5)
}

func longSignal(entry, stop, target float64) models.Signal {
	return models.Signal{
		Symbol:     "BTCUSDT",
		Direction:  models.Long,
		StrategyID: "trend_pullback",
		Regime:     models.RegimeTrendUp,
		Entry:      entry,
		Stop:       stop,
		Targets:    []float64{target},
		Confidence: 0.8,
		CandleTime: testNow.Add(-15 * time.Minute),
	}
}

func TestSizeExactQuantity(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	plan, rej := e.Size(longSignal(100, 98, 106), Exposure{}, tenthFilters())
	require.Nil(t, rej)
	require.NotNil(t, plan)
	assert.Equal(t, 25.0, plan.Quantity)
	assert.InDelta(t, 50.0, plan.RiskAmount, 1e-9)

	assert.Equal(t, models.Buy, plan.Entry.Side)
	assert.Equal(t, models.OrderTypeMarket, plan.Entry.Type)
	assert.Equal(t, models.Sell, plan.Stop.Side)
	assert.True(t, plan.Stop.ReduceOnly)
	assert.Equal(t, 98.0, plan.Stop.StopPrice)
	assert.Equal(t, models.OrderTypeTakeProfitMarket, plan.TakeProfit.Type)
	assert.Equal(t, 106.0, plan.TakeProfit.StopPrice)
	assert.Equal(t, 25.0, plan.TakeProfit.Quantity)
}

func TestSizeTruncatesToStep(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	plan, rej := e.Size(longSignal(100, 97.3, 106), Exposure{}, tenthFilters())
	require.Nil(t, rej)
	assert.Equal(t, 18.5, plan.Quantity)
}

func TestSizeQuantityDecimal(t *testing.T) {
	qty := SizeQuantity(10000, 0.005, 100, 97.3, tenthFilters())
	assert.Equal(t, "18.5", qty.String())
	assert.True(t, SizeQuantity(10000, 0.005, 100, 100, tenthFilters()).IsZero())
}

func TestInvalidSignalRejected(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	_, rej := e.Size(longSignal(100, 101, 106), Exposure{}, tenthFilters())
	require.NotNil(t, rej)
	assert.Equal(t, ReasonInvalidSignal, rej.Reason)

	noStop := longSignal(100, 0, 106)
	_, rej = e.Size(noStop, Exposure{}, tenthFilters())
	require.NotNil(t, rej)
	assert.Equal(t, ReasonInvalidSignal, rej.Reason)
}

func TestDailyLossTripsKillSwitchUntilResume(t *testing.T) {
	e, alerts := newTestEngine(t, nil)

	e.RecordRealized(-150, testNow)
	_, rej := e.Size(longSignal(100, 98, 106), Exposure{}, tenthFilters())
	assert.Nil(t, rej)

	e.RecordRealized(-151, testNow)
	assert.True(t, e.KillSwitch().Active())
	assert.Equal(t, string(ReasonDailyLossCap), e.KillSwitch().Reason())
	require.Len(t, alerts.msgs, 1)
	assert.Contains(t, alerts.msgs[0], "critical:KILL-SWITCH ACTIVATED")

	for i := 0; i < 3; i++ {
		_, rej = e.Size(longSignal(100, 98, 106), Exposure{}, tenthFilters())
		require.NotNil(t, rej)
		assert.Equal(t, ReasonKillSwitch, rej.Reason)
	}

	// A new day does not clear the switch.
	e.now = func() time.Time { return testNow.Add(24 * time.Hour) }
	e.UpdateAccount(models.AccountSnapshot{Equity: 9700, Timestamp: testNow.Add(24 * time.Hour)})
	_, rej = e.Size(longSignal(100, 98, 106), Exposure{}, tenthFilters())
	require.NotNil(t, rej)
	assert.Equal(t, ReasonKillSwitch, rej.Reason)

	e.Clear()
	_, rej = e.Size(longSignal(100, 98, 106), Exposure{}, tenthFilters())
	assert.Nil(t, rej)
}

func TestKillSwitchSurvivesRestore(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	e.Trip("reconcile-quantity-mismatch")
	saved := e.State()
	require.True(t, saved.KillSwitch)

	restored, _ := newTestEngine(t, nil)
	restored.Restore(&saved)
	restored.UpdateAccount(models.AccountSnapshot{Equity: 10000, Timestamp: testNow})

	_, rej := restored.Size(longSignal(100, 98, 106), Exposure{}, tenthFilters())
	require.NotNil(t, rej)
	assert.Equal(t, ReasonKillSwitch, rej.Reason)
	assert.Equal(t, "reconcile-quantity-mismatch", rej.Detail)
}

func TestWeeklyCapAcrossDays(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	e.RecordRealized(-250, testNow)
	e.RecordRealized(-250, testNow.Add(24*time.Hour))
	assert.False(t, e.KillSwitch().Active())
	st := e.State()
	assert.Equal(t, -250.0, st.DailyRealized)
	assert.Equal(t, -500.0, st.WeeklyRealized)

	e.RecordRealized(-250, testNow.Add(48*time.Hour))
	assert.True(t, e.KillSwitch().Active())
	assert.Equal(t, string(ReasonWeeklyLossCap), e.KillSwitch().Reason())
}

func TestPortfolioGates(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	sig := longSignal(100, 98, 106)

	_, rej := e.Size(sig, Exposure{OpenPositions: 3}, tenthFilters())
	require.NotNil(t, rej)
	assert.Equal(t, ReasonMaxPositions, rej.Reason)

	_, rej = e.Size(sig, Exposure{OpenPositions: 1, OpenRisk: 180}, tenthFilters())
	require.NotNil(t, rej)
	assert.Equal(t, ReasonMaxExposure, rej.Reason)

	_, rej = e.Size(sig, Exposure{}, models.NewSymbolFilters("BTCUSDT", 0.01, 1, 100, 5))
	require.NotNil(t, rej)
	assert.Equal(t, ReasonQuantityTooSmall, rej.Reason)

	_, rej = e.Size(sig, Exposure{}, models.NewSymbolFilters("BTCUSDT", 0.01, 0.1, 0.1, 5000))
	require.NotNil(t, rej)
	assert.Equal(t, ReasonMinNotional, rej.Reason)

	wide := sig
	wide.ATR = 0.5
	_, rej = e.Size(wide, Exposure{}, tenthFilters())
	require.NotNil(t, rej)
	assert.Equal(t, ReasonStopTooWide, rej.Reason)
}

func TestStaleEquityAbstains(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	e.now = func() time.Time { return testNow.Add(10 * time.Minute) }

	_, rej := e.Size(longSignal(100, 98, 106), Exposure{}, tenthFilters())
	require.NotNil(t, rej)
	assert.Equal(t, ReasonStaleEquity, rej.Reason)
}

func TestConfidenceScaledSizing(t *testing.T) {
	e, _ := newTestEngine(t, func(c *models.RiskConfig) { c.Sizing.Mode = "linear" })

	low := longSignal(100, 98, 106)
	low.Confidence = 0.1
	_, rej := e.Size(low, Exposure{}, tenthFilters())
	require.NotNil(t, rej)
	assert.Equal(t, ReasonLowConfidence, rej.Reason)

	high := longSignal(100, 98, 106)
	high.Confidence = 1
	plan, rej := e.Size(high, Exposure{}, tenthFilters())
	require.Nil(t, rej)
	assert.Equal(t, 37.5, plan.Quantity)
}

func TestNotionalCap(t *testing.T) {
	e, _ := newTestEngine(t, func(c *models.RiskConfig) { c.MaxNotionalPct = 0.2 })

	plan, rej := e.Size(longSignal(100, 98, 106), Exposure{}, tenthFilters())
	require.Nil(t, rej)
	assert.Equal(t, 20.0, plan.Quantity)
}

func TestPolicies(t *testing.T) {
	assert.Equal(t, 0.005, FixedRisk{Pct: 0.005}.ComputeRiskPct(0.1))
	assert.InDelta(t, 0.005, LinearRisk{Min: 0.0025, Max: 0.0075}.ComputeRiskPct(0.5), 1e-12)
	assert.InDelta(t, 0.00375, ExponentialRisk{Min: 0.0025, Max: 0.0075, Exponent: 2}.ComputeRiskPct(0.5), 1e-12)
	assert.InDelta(t, 0.0075, LinearRisk{Min: 0.0025, Max: 0.0075}.ComputeRiskPct(3), 1e-12)
}

func TestPlanKeyIsDeterministic(t *testing.T) {
	a := longSignal(100, 98, 106)
	b := longSignal(101, 97, 110)
	assert.Equal(t, PlanKey(a), PlanKey(b))

	c := a
	c.CandleTime = a.CandleTime.Add(15 * time.Minute)
	assert.NotEqual(t, PlanKey(a), PlanKey(c))
}
