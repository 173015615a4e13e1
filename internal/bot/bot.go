package bot

import (
	"binance-regime-bot-go/internal/alert"
	"binance-regime-bot-go/internal/exchange"
	"binance-regime-bot-go/internal/execution"
	"binance-regime-bot-go/internal/features"
	"binance-regime-bot-go/internal/journal"
	"binance-regime-bot-go/internal/ledger"
	"binance-regime-bot-go/internal/metrics"
	"binance-regime-bot-go/internal/models"
	"binance-regime-bot-go/internal/persistence"
	"binance-regime-bot-go/internal/reconcile"
	"binance-regime-bot-go/internal/regime"
	"binance-regime-bot-go/internal/reporter"
	"binance-regime-bot-go/internal/risk"
	"binance-regime-bot-go/internal/strategy"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// FeatureSource 提供每个交易对的特征快照和K线上下文
type FeatureSource interface {
	Snapshot(ctx context.Context, symbol string) (*models.FeatureSnapshot, map[string][]models.Candle, error)
}

// Store 是控制循环使用的异步持久化接口, 由 journal.Journal 实现
type Store interface {
	journal.Recorder
	SaveRegimeState(state models.RegimeState)
	SaveRiskState(state models.RiskState)
	SaveLedger(snapshot *models.LedgerSnapshot)
	SaveAccount(snapshot models.AccountSnapshot)
}

// Broadcaster 向运维端推送实时事件, 可以为空
type Broadcaster interface {
	Broadcast(event string, payload interface{})
}

// maxAccountFailures 连续这么多次读取账户失败后发送严重告警
const maxAccountFailures = 5

// Deps 汇总机器人的所有协作者。Repository、Notifier、Metrics、Broadcaster 可以为空。
type Deps struct {
	Exchange    exchange.Exchange
	Features    FeatureSource
	Classifier  *regime.Classifier
	Router      *strategy.Router
	Risk        *risk.Engine
	Executor    *execution.Engine
	Reconciler  *reconcile.Reconciler
	Ledger      *ledger.Ledger
	Store       Store
	Repository  persistence.Repository
	Notifier    alert.Notifier
	Metrics     *metrics.Metrics
	Broadcaster Broadcaster
	Logger      *zap.Logger
}

// RegimeTradingBot 是状态识别交易机器人的控制器: 定时驱动每个交易对的
// 特征 -> 状态 -> 策略 -> 风控 -> 执行 流程, 并独立运行对账循环。
type RegimeTradingBot struct {
	cfg *models.Config

	ex         exchange.Exchange
	features   FeatureSource
	classifier *regime.Classifier
	router     *strategy.Router
	risk       *risk.Engine
	exec       *execution.Engine
	recon      *reconcile.Reconciler
	ledger     *ledger.Ledger
	store      Store
	repo       persistence.Repository
	notifier   alert.Notifier
	metrics    *metrics.Metrics
	broadcast  Broadcaster
	logger     *zap.Logger
	now        func() time.Time

	mutex       sync.Mutex
	isRunning   bool
	stopChannel chan struct{}
	wg          sync.WaitGroup

	accountFailures atomic.Int32
}

// NewRegimeTradingBot 创建控制器实例
func NewRegimeTradingBot(cfg *models.Config, d Deps) *RegimeTradingBot {
	b := &RegimeTradingBot{
		cfg:        cfg,
		ex:         d.Exchange,
		features:   d.Features,
		classifier: d.Classifier,
		router:     d.Router,
		risk:       d.Risk,
		exec:       d.Executor,
		recon:      d.Reconciler,
		ledger:     d.Ledger,
		store:      d.Store,
		repo:       d.Repository,
		notifier:   d.Notifier,
		metrics:    d.Metrics,
		broadcast:  d.Broadcaster,
		logger:     d.Logger,
		now:        time.Now,
	}
	b.risk.OnStateChange(func(st models.RiskState) {
		b.store.SaveRiskState(st)
		if b.metrics != nil {
			b.metrics.Equity.Set(st.Equity)
			b.metrics.SetKillSwitch(st.KillSwitch)
		}
	})
	return b
}

// Restore 从持久化存储恢复状态识别、风控和账本。没有存储时直接返回。
func (b *RegimeTradingBot) Restore() error {
	if b.repo == nil {
		return nil
	}
	regimes, err := b.repo.LoadRegimeStates()
	if err != nil {
		return fmt.Errorf("load regime states: %w", err)
	}
	for _, st := range regimes {
		b.ledger.SetRegime(st)
	}
	riskState, err := b.repo.LoadRiskState()
	if err != nil {
		return fmt.Errorf("load risk state: %w", err)
	}
	b.risk.Restore(riskState)
	snap, err := b.repo.LoadLedger()
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	b.ledger.Restore(snap)

	b.logger.Info("state restored",
		zap.Int("regimes", len(regimes)),
		zap.Int("positions", b.ledger.OpenCount()),
		zap.Bool("killSwitch", b.risk.KillSwitch().Active()))
	return nil
}

// Start 恢复状态, 先完成一次对账, 再启动主循环、对账循环和状态打印
func (b *RegimeTradingBot) Start(ctx context.Context) error {
	b.mutex.Lock()
	if b.isRunning {
		b.mutex.Unlock()
		return errors.New("bot is already running")
	}
	b.isRunning = true
	b.stopChannel = make(chan struct{})
	b.mutex.Unlock()

	if err := b.Restore(); err != nil {
		b.mutex.Lock()
		b.isRunning = false
		b.mutex.Unlock()
		return err
	}

	b.refreshAccount(ctx)
	records := b.recon.ReconcileAll(ctx)
	b.logger.Info("startup reconciliation finished", zap.Int("records", len(records)))
	b.persistLedger()

	loopCtx, cancel := context.WithCancel(ctx)
	b.wg.Add(3)
	go func() {
		defer b.wg.Done()
		<-b.stopChannel
		cancel()
	}()
	go func() {
		defer b.wg.Done()
		b.strategyLoop(loopCtx)
	}()
	go func() {
		defer b.wg.Done()
		b.recon.Run(loopCtx)
	}()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.monitorStatus(loopCtx)
	}()

	b.logger.Info("regime trading bot started",
		zap.String("mode", b.cfg.Mode),
		zap.Strings("symbols", b.cfg.Symbols))
	return nil
}

// Stop 停止所有循环并保存账本。持仓和保护单保持不变。
func (b *RegimeTradingBot) Stop() {
	b.mutex.Lock()
	if !b.isRunning {
		b.mutex.Unlock()
		return
	}
	b.isRunning = false
	close(b.stopChannel)
	b.mutex.Unlock()

	b.wg.Wait()
	b.persistLedger()
	b.logger.Info("regime trading bot stopped")
}

// strategyLoop 按固定周期驱动控制循环
func (b *RegimeTradingBot) strategyLoop(ctx context.Context) {
	interval := time.Duration(b.cfg.Scheduler.TickIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	b.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Tick(ctx)
		}
	}
}

// monitorStatus 定期打印状态表并发送心跳
func (b *RegimeTradingBot) monitorStatus(ctx context.Context) {
	interval := time.Duration(b.cfg.Scheduler.StatusIntervalSec) * time.Second
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.heartbeat()
		}
	}
}

// heartbeat 记录状态表, 并通过告警通道发送权益和当日盈亏摘要
func (b *RegimeTradingBot) heartbeat() {
	st := b.Status()
	b.logger.Info("status\n" + reporter.RenderStatus(st))

	kill := "off"
	if st.KillSwitch {
		kill = "ON (" + st.KillReason + ")"
	}
	b.notify(alert.Info, fmt.Sprintf("Heartbeat [%s]: equity %.2f, daily pnl %.2f, open positions %d, kill switch %s",
		st.Mode, st.Risk.Equity, st.Risk.DailyRealized, len(st.Positions), kill))
}

// Tick 执行一次完整的控制循环
func (b *RegimeTradingBot) Tick(ctx context.Context) {
	// 熔断开关必须是第一个检查
	halted := b.risk.KillSwitch().Active()
	if b.metrics != nil {
		b.metrics.Ticks.Inc()
		b.metrics.SetKillSwitch(halted)
	}
	if halted {
		b.logger.Warn("kill switch active, new entries suppressed", zap.String("reason", b.risk.KillSwitch().Reason()))
	}

	b.refreshAccount(ctx)

	for _, symbol := range b.cfg.Symbols {
		if ctx.Err() != nil {
			return
		}
		b.processSymbol(ctx, symbol, halted)
	}

	b.risk.SetOpenRisk(b.ledger.OpenRisk())
	if b.metrics != nil {
		b.metrics.OpenPositions.Set(float64(b.ledger.OpenCount()))
	}
}

// refreshAccount 读取账户权益。失败时保留旧快照, 风控会因数据过期而拒绝开仓。
func (b *RegimeTradingBot) refreshAccount(ctx context.Context) {
	var acct *models.AccountSnapshot
	err := b.exec.Retry().Do(ctx, func(ctx context.Context) error {
		var err error
		acct, err = b.ex.GetAccount(ctx)
		return err
	})
	if err != nil {
		n := b.accountFailures.Add(1)
		b.logger.Error("account refresh failed", zap.Int32("consecutive", n), zap.Error(err))
		b.store.Record(persistence.KindError, map[string]string{"component": "account", "error": err.Error()})
		if n == maxAccountFailures {
			b.notify(alert.Critical, fmt.Sprintf("Account refresh failed %d times in a row, new entries blocked by stale equity: %v", n, err))
		}
		return
	}
	if n := b.accountFailures.Swap(0); n >= maxAccountFailures {
		b.notify(alert.Info, fmt.Sprintf("Account refresh recovered after %d failures", n))
	}
	if acct.Timestamp.IsZero() {
		acct.Timestamp = b.now()
	}
	b.risk.UpdateAccount(*acct)
	b.store.SaveAccount(*acct)
}

func (b *RegimeTradingBot) processSymbol(ctx context.Context, symbol string, halted bool) {
	log := b.logger.With(zap.String("symbol", symbol))

	snap, candles, err := b.features.Snapshot(ctx, symbol)
	if err != nil {
		if errors.Is(err, features.ErrInsufficientData) {
			log.Debug("not enough candles yet", zap.Error(err))
		} else {
			log.Error("feature snapshot failed", zap.Error(err))
			b.store.Record(persistence.KindError, map[string]string{"component": "features", "symbol": symbol, "error": err.Error()})
		}
		return
	}

	state := b.updateRegime(symbol, snap)

	if halted {
		return
	}
	if _, open := b.ledger.Position(symbol); open {
		log.Debug("position open, no new entry")
		return
	}

	global, paused := b.ledger.Paused(symbol)
	decision := b.router.Route(
		strategy.Input{Symbol: symbol, Regime: state, Snapshot: snap, Candles: candles},
		strategy.PauseState{Global: global, Symbol: paused},
		b.ledger.CooldownUntil(symbol),
		b.now(),
	)
	if !decision.HasSignal() {
		log.Debug("no signal", zap.String("strategy", decision.StrategyID), zap.String("reason", decision.Reason))
		return
	}
	sig := *decision.Signal
	if b.metrics != nil {
		b.metrics.Signals.WithLabelValues(symbol, decision.StrategyID).Inc()
	}
	b.store.Record(persistence.KindSignal, sig)
	log.Info("signal",
		zap.String("strategy", sig.StrategyID),
		zap.String("direction", string(sig.Direction)),
		zap.Float64("entry", sig.Entry),
		zap.Float64("stop", sig.Stop),
		zap.Float64("target", sig.Target()),
		zap.Float64("confidence", sig.Confidence))

	filters, err := b.ex.SymbolFilters(ctx, symbol)
	if err != nil {
		log.Error("symbol filters unavailable", zap.Error(err))
		return
	}

	unlock := b.ledger.Lock(symbol)
	defer unlock()

	// 对账循环可能在等待锁期间接管了一个仓位
	if _, open := b.ledger.Position(symbol); open {
		return
	}
	exposure := risk.Exposure{OpenPositions: b.ledger.OpenCount(), OpenRisk: b.ledger.OpenRisk()}
	plan, rej := b.risk.Size(sig, exposure, *filters)
	if rej != nil {
		if b.metrics != nil {
			b.metrics.Rejections.WithLabelValues(string(rej.Reason)).Inc()
		}
		b.store.Record(persistence.KindRejection, map[string]string{
			"symbol": symbol, "strategy": sig.StrategyID, "reason": string(rej.Reason), "detail": rej.Detail,
		})
		log.Info("signal rejected", zap.String("reason", rej.String()))
		return
	}
	b.store.Record(persistence.KindPlan, plan)

	res := b.exec.Execute(ctx, plan)
	if b.broadcast != nil {
		b.broadcast.Broadcast("execution", res)
	}
	b.persistLedger()
}

// updateRegime 分类并应用滞后确认, 仅在状态切换时持久化
func (b *RegimeTradingBot) updateRegime(symbol string, snap *models.FeatureSnapshot) models.RegimeState {
	now := b.now()
	candidate, confidence := b.classifier.Classify(snap)
	prev := b.ledger.Regime(symbol)
	next, changed := b.classifier.Confirm(candidate, confidence, prev, now)
	next.Symbol = symbol
	b.ledger.SetRegime(next)

	if changed {
		b.store.SaveRegimeState(next)
		b.store.Record(persistence.KindRegime, next)
		b.logger.Info("regime changed",
			zap.String("symbol", symbol),
			zap.String("from", string(prev.Regime)),
			zap.String("to", string(next.Regime)),
			zap.Float64("confidence", next.Confidence))
	}
	if b.metrics != nil {
		b.metrics.SetRegime(symbol, string(next.Regime))
	}
	if b.broadcast != nil {
		b.broadcast.Broadcast("regime", models.RegimeSnapshot{
			Symbol:     symbol,
			Regime:     next.Regime,
			Candidate:  candidate,
			Confidence: confidence,
			Changed:    changed,
			Features:   snap,
			Timestamp:  now,
		})
	}
	return next
}

// Pause 暂停新开仓。symbol 为空表示全局暂停, 在下一个周期边界生效。
func (b *RegimeTradingBot) Pause(symbol string) {
	b.ledger.SetPaused(symbol, true)
	b.persistLedger()
	b.store.Record(persistence.KindEvent, map[string]string{"event": "pause", "symbol": symbol})
	b.logger.Warn("trading paused", zap.String("symbol", scope(symbol)))
	b.notify(alert.Warning, fmt.Sprintf("Trading paused (%s)", scope(symbol)))
}

// Resume 恢复交易。全局恢复同时解除熔断开关。
func (b *RegimeTradingBot) Resume(symbol string) {
	b.ledger.SetPaused(symbol, false)
	if symbol == "" && b.risk.KillSwitch().Active() {
		b.risk.Clear()
	}
	b.persistLedger()
	b.store.Record(persistence.KindEvent, map[string]string{"event": "resume", "symbol": symbol})
	b.logger.Info("trading resumed", zap.String("symbol", scope(symbol)))
	b.notify(alert.Info, fmt.Sprintf("Trading resumed (%s)", scope(symbol)))
}

// Flatten 立即市价平掉指定交易对 (或全部, symbol 为空或 "all") 的仓位并撤销挂单
func (b *RegimeTradingBot) Flatten(ctx context.Context, symbol string) error {
	symbols := []string{symbol}
	if symbol == "" || symbol == "all" {
		symbols = b.allSymbols()
	}
	var errs []error
	for _, s := range symbols {
		unlock := b.ledger.Lock(s)
		err := b.exec.EmergencyClose(ctx, s, "operator flatten")
		unlock()
		if err != nil {
			errs = append(errs, err)
		}
	}
	b.persistLedger()
	b.risk.SetOpenRisk(b.ledger.OpenRisk())
	return errors.Join(errs...)
}

// Status 返回运维视图
func (b *RegimeTradingBot) Status() models.Status {
	now := b.now()
	snap := b.ledger.Snapshot(now)
	kill := b.risk.KillSwitch()
	return models.Status{
		Mode:          b.cfg.Mode,
		Paused:        snap.Paused,
		PausedSymbols: snap.PausedSymbols,
		KillSwitch:    kill.Active(),
		KillReason:    kill.Reason(),
		KillSince:     kill.Since(),
		Regimes:       b.ledger.Regimes(),
		Positions:     b.ledger.Positions(),
		Cooldowns:     snap.Cooldowns,
		Risk:          b.risk.State(),
		Timestamp:     now,
	}
}

// Recent 返回某类日志的最近记录
func (b *RegimeTradingBot) Recent(kind string, limit int) ([]models.JournalEntry, error) {
	if b.repo == nil {
		return nil, errors.New("no repository configured")
	}
	return b.repo.Recent(kind, limit)
}

func (b *RegimeTradingBot) persistLedger() {
	b.store.SaveLedger(b.ledger.Snapshot(b.now()))
}

func (b *RegimeTradingBot) allSymbols() []string {
	seen := make(map[string]bool)
	for _, s := range b.cfg.Symbols {
		seen[s] = true
	}
	for _, p := range b.ledger.Positions() {
		seen[p.Symbol] = true
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (b *RegimeTradingBot) notify(severity alert.Severity, msg string) {
	if b.notifier != nil {
		_ = b.notifier.Notify(context.Background(), severity, msg)
	}
}

func scope(symbol string) string {
	if symbol == "" {
		return "all symbols"
	}
	return symbol
}
