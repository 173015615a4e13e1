package bot

import (
	"binance-regime-bot-go/internal/alert"
	"binance-regime-bot-go/internal/config"
	"binance-regime-bot-go/internal/exchange"
	"binance-regime-bot-go/internal/execution"
	"binance-regime-bot-go/internal/ledger"
	"binance-regime-bot-go/internal/models"
	"binance-regime-bot-go/internal/persistence"
	"binance-regime-bot-go/internal/reconcile"
	"binance-regime-bot-go/internal/regime"
	"binance-regime-bot-go/internal/risk"
	"binance-regime-bot-go/internal/strategy"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockStore 记录所有写入, 模拟 journal.Journal
type mockStore struct {
	mu      sync.Mutex
	kinds   []string
	regimes []models.RegimeState
	risk    []models.RiskState
	ledgers []*models.LedgerSnapshot
	equity  []float64
}

func (m *mockStore) Record(kind string, _ interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kinds = append(m.kinds, kind)
}

func (m *mockStore) SaveRegimeState(state models.RegimeState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regimes = append(m.regimes, state)
}

func (m *mockStore) SaveRiskState(state models.RiskState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.risk = append(m.risk, state)
}

func (m *mockStore) SaveLedger(snapshot *models.LedgerSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledgers = append(m.ledgers, snapshot)
}

func (m *mockStore) SaveAccount(snapshot models.AccountSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equity = append(m.equity, snapshot.Equity)
}

// trendingFeatures 返回一个强趋势的快照
type trendingFeatures struct{}

func (trendingFeatures) Snapshot(_ context.Context, symbol string) (*models.FeatureSnapshot, map[string][]models.Candle, error) {
	return &models.FeatureSnapshot{
		Symbol:        symbol,
		ADX:           50,
		EMASeparation: 0.01,
		EMASlope:      0.01,
		Close:         100,
		Timestamp:     time.Now(),
	}, nil, nil
}

// fixedStrategy 总是给出同一个做多信号
type fixedStrategy struct {
	mu    sync.Mutex
	calls int
}

func (s *fixedStrategy) ID() string { return strategy.IDTrendPullback }

func (s *fixedStrategy) Evaluate(in strategy.Input) (*models.Signal, string) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return &models.Signal{
		Symbol:     in.Symbol,
		Direction:  models.Long,
		StrategyID: strategy.IDTrendPullback,
		Regime:     in.Regime.Regime,
		Entry:      100,
		Stop:       98,
		Targets:    []float64{106},
		Confidence: 0.8,
		CandleTime: time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC),
	}, ""
}

type events struct {
	mu    sync.Mutex
	names []string
}

func (e *events) Broadcast(event string, _ interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.names = append(e.names, event)
}

type alerts struct {
	mu   sync.Mutex
	msgs []string
}

func (a *alerts) Notify(_ context.Context, s alert.Severity, msg string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, s.String()+":"+msg)
	return nil
}

func (a *alerts) count(prefix string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, m := range a.msgs {
		if strings.HasPrefix(m, prefix) {
			n++
		}
	}
	return n
}

type harness struct {
	bot      *RegimeTradingBot
	paper    *exchange.PaperExchange
	ledger   *ledger.Ledger
	risk     *risk.Engine
	store    *mockStore
	events   *events
	alerts   *alerts
	strategy *fixedStrategy
}

func newHarness(t *testing.T, repo persistence.Repository) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Symbols = []string{"BTCUSDT"}
	cfg.Execution.BackoffMinMs = 1
	cfg.Execution.BackoffMaxMs = 2
	cfg.Execution.FillPollMs = 1
	cfg.Execution.FillTimeoutSec = 0

	paper := exchange.NewPaperExchange(10000, 0, nil)
	paper.SetFilters(models.NewSymbolFilters("BTCUSDT", 0.01, 0.001, 0.001, 5))
	paper.SetPrice("BTCUSDT", 100)

	h := &harness{paper: paper, ledger: ledger.New(), store: &mockStore{}, events: &events{}, alerts: &alerts{}, strategy: &fixedStrategy{}}
	logger := zap.NewNop()
	h.risk = risk.NewEngine(cfg.Risk, cfg.Exchange.Leverage, risk.NewKillSwitch(), nil, logger)
	exec := execution.NewEngine(cfg.Execution, cfg.Exchange, execution.Deps{
		Exchange: paper, Ledger: h.ledger, Kill: h.risk.KillSwitch(), Risk: h.risk,
		Cooldown: cfg.Strategies.Cooldown(), Journal: h.store, Logger: logger,
	})
	recon := reconcile.New(cfg.Reconcile, cfg.Strategies.Cooldown(), cfg.Symbols, reconcile.Deps{
		Exchange: paper, Executor: exec, Ledger: h.ledger, Risk: h.risk, Journal: h.store, Logger: logger,
	})
	router := strategy.NewRouter(cfg.Strategies, logger)
	router.Bind(models.RegimeTrendUp, h.strategy, true, 2.0)

	h.bot = NewRegimeTradingBot(cfg, Deps{
		Exchange:    paper,
		Features:    trendingFeatures{},
		Classifier:  regime.NewClassifier(cfg.Regime),
		Router:      router,
		Risk:        h.risk,
		Executor:    exec,
		Reconciler:  recon,
		Ledger:      h.ledger,
		Store:       h.store,
		Repository:  repo,
		Notifier:    h.alerts,
		Broadcaster: h.events,
		Logger:      logger,
	})
	return h
}

func TestTickOpensProtectedPosition(t *testing.T) {
	h := newHarness(t, nil)

	h.bot.Tick(context.Background())

	pos, ok := h.ledger.Position("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 25.0, pos.Size)
	assert.Len(t, h.paper.Orders("BTCUSDT"), 3)

	assert.Equal(t, models.RegimeTrendUp, h.ledger.Regime("BTCUSDT").Regime)
	require.Len(t, h.store.regimes, 1)
	assert.Contains(t, h.store.kinds, persistence.KindRegime)
	assert.Contains(t, h.store.kinds, persistence.KindSignal)
	assert.Contains(t, h.store.kinds, persistence.KindPlan)
	assert.Contains(t, h.events.names, "regime")
	assert.Contains(t, h.events.names, "execution")
	assert.NotEmpty(t, h.store.ledgers)
	assert.Equal(t, []float64{10000}, h.store.equity)
}

func TestOpenPositionBlocksNewEntry(t *testing.T) {
	h := newHarness(t, nil)

	h.bot.Tick(context.Background())
	h.bot.Tick(context.Background())

	assert.Equal(t, 1, h.strategy.calls)
	assert.Len(t, h.paper.Orders("BTCUSDT"), 3)
	// regime persisted on the transition only
	assert.Len(t, h.store.regimes, 1)
}

func TestPausedSymbolDoesNotTrade(t *testing.T) {
	h := newHarness(t, nil)
	h.bot.Pause("BTCUSDT")

	h.bot.Tick(context.Background())
	assert.Empty(t, h.paper.Orders("BTCUSDT"))
	assert.Equal(t, models.RegimeTrendUp, h.ledger.Regime("BTCUSDT").Regime)

	h.bot.Resume("BTCUSDT")
	h.bot.Tick(context.Background())
	assert.Len(t, h.paper.Orders("BTCUSDT"), 3)
}

func TestKillSwitchBlocksUntilGlobalResume(t *testing.T) {
	h := newHarness(t, nil)
	h.risk.Trip("daily-loss-cap")
	st := h.bot.Status()
	assert.True(t, st.KillSwitch)
	assert.Equal(t, "daily-loss-cap", st.KillReason)
	assert.WithinDuration(t, time.Now(), st.KillSince, time.Minute)

	h.bot.Tick(context.Background())
	assert.Empty(t, h.paper.Orders("BTCUSDT"))

	// a symbol resume does not clear the switch
	h.bot.Resume("BTCUSDT")
	h.bot.Tick(context.Background())
	assert.Empty(t, h.paper.Orders("BTCUSDT"))

	h.bot.Resume("")
	assert.False(t, h.risk.KillSwitch().Active())
	assert.True(t, h.bot.Status().KillSince.IsZero())
	h.bot.Tick(context.Background())
	assert.Len(t, h.paper.Orders("BTCUSDT"), 3)
}

func TestFlattenAll(t *testing.T) {
	h := newHarness(t, nil)
	h.bot.Tick(context.Background())
	require.Equal(t, 1, h.ledger.OpenCount())

	require.NoError(t, h.bot.Flatten(context.Background(), "all"))

	ep, err := h.paper.GetPosition(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Zero(t, ep.Amount)
	assert.Zero(t, h.ledger.OpenCount())
	open, err := h.paper.GetOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestStatus(t *testing.T) {
	h := newHarness(t, nil)
	h.bot.Pause("")
	h.bot.Tick(context.Background())

	st := h.bot.Status()
	assert.Equal(t, "paper", st.Mode)
	assert.True(t, st.Paused)
	assert.Empty(t, st.Positions)
	assert.Equal(t, models.RegimeTrendUp, st.Regimes["BTCUSDT"].Regime)
	assert.Equal(t, 10000.0, st.Risk.Equity)
}

func TestRestoreFromRepository(t *testing.T) {
	repo, err := persistence.NewInMemoryRepository()
	require.NoError(t, err)
	defer repo.Close()

	require.NoError(t, repo.SaveRiskState(&models.RiskState{KillSwitch: true, KillSwitchReason: "weekly-loss-cap"}))
	require.NoError(t, repo.SaveLedger(&models.LedgerSnapshot{PausedSymbols: []string{"BTCUSDT"}}))
	require.NoError(t, repo.SaveRegimeState(models.RegimeState{Symbol: "BTCUSDT", Regime: models.RegimeRange, Version: 4}))

	h := newHarness(t, repo)
	require.NoError(t, h.bot.Restore())

	assert.True(t, h.risk.KillSwitch().Active())
	assert.Equal(t, "weekly-loss-cap", h.risk.KillSwitch().Reason())
	_, paused := h.ledger.Paused("BTCUSDT")
	assert.True(t, paused)
	assert.Equal(t, int64(4), h.ledger.Regime("BTCUSDT").Version)
}

func TestStartRunsReconciliationFirst(t *testing.T) {
	h := newHarness(t, nil)
	h.paper.SetPosition("BTCUSDT", 2, 100)
	h.bot.Pause("")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.bot.Start(ctx))
	// the unknown position was adopted and protected before any tick could trade
	pos, ok := h.ledger.Position("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, "adopted", pos.StrategyID)
	assert.NotZero(t, pos.Protection.Stop.OrderID)

	assert.Error(t, h.bot.Start(ctx))
	h.bot.Stop()
}

func TestHeartbeatReportsEquityAndDailyPnL(t *testing.T) {
	h := newHarness(t, nil)
	h.bot.Tick(context.Background())
	h.risk.RecordRealized(-42.5, time.Now())

	h.bot.heartbeat()
	require.Equal(t, 1, h.alerts.count("info:Heartbeat"))
	msg := h.alerts.msgs[len(h.alerts.msgs)-1]
	assert.Contains(t, msg, "equity 10000.00")
	assert.Contains(t, msg, "daily pnl -42.50")
	assert.Contains(t, msg, "open positions 1")
	assert.Contains(t, msg, "kill switch off")
}

func TestRepeatedAccountFailuresEscalate(t *testing.T) {
	h := newHarness(t, nil)
	h.bot.Pause("")
	failing := true
	h.paper.SetFailureHook(func(op string, _ *models.OrderSpec) error {
		if op == "account" && failing {
			return errors.New("account endpoint down")
		}
		return nil
	})

	for i := 0; i < maxAccountFailures-1; i++ {
		h.bot.Tick(context.Background())
	}
	assert.Zero(t, h.alerts.count("critical:"))

	h.bot.Tick(context.Background())
	assert.Equal(t, 1, h.alerts.count("critical:Account refresh failed 5 times"))

	// further failures do not repeat the alert
	h.bot.Tick(context.Background())
	assert.Equal(t, 1, h.alerts.count("critical:"))

	failing = false
	h.bot.Tick(context.Background())
	assert.Equal(t, 1, h.alerts.count("info:Account refresh recovered"))
	assert.Zero(t, h.bot.accountFailures.Load())
}
