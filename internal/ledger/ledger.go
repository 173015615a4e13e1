// Package ledger 保存共享的仓位/订单账本和操作员开关。
// 控制循环和对账循环在操作某个交易对的交易所状态之前
// 都要先获取 Lock(symbol)。
package ledger

import (
	"binance-regime-bot-go/internal/models"
	"sort"
	"sync"
	"time"
)

// Ledger 是内存中对仓位、冷却期和暂停状态的认知
type Ledger struct {
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	mu            sync.RWMutex
	positions     map[string]models.Position
	cooldowns     map[string]time.Time
	regimes       map[string]models.RegimeState
	paused        bool
	pausedSymbols map[string]bool
}

func New() *Ledger {
	return &Ledger{
		locks:         make(map[string]*sync.Mutex),
		positions:     make(map[string]models.Position),
		cooldowns:     make(map[string]time.Time),
		regimes:       make(map[string]models.RegimeState),
		pausedSymbols: make(map[string]bool),
	}
}

// Lock 获取交易对的互斥锁并返回释放函数
func (l *Ledger) Lock(symbol string) func() {
	l.locksMu.Lock()
	m, ok := l.locks[symbol]
	if !ok {
		m = &sync.Mutex{}
		l.locks[symbol] = m
	}
	l.locksMu.Unlock()
	m.Lock()
	return m.Unlock
}

// Position 返回交易对仓位的副本
func (l *Ledger) Position(symbol string) (models.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[symbol]
	return p, ok && p.Open()
}

// SetPosition 保存 p, 数量为零时删除
func (l *Ledger) SetPosition(p models.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !p.Open() {
		delete(l.positions, p.Symbol)
		return
	}
	l.positions[p.Symbol] = p
}

// ClearPosition 删除交易对的仓位
func (l *Ledger) ClearPosition(symbol string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.positions, symbol)
}

// Positions 返回按交易对排序的所有持仓
func (l *Ledger) Positions() []models.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// OpenCount 返回持仓数量
func (l *Ledger) OpenCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.positions)
}

// OpenRisk 汇总所有持仓到止损时的风险
func (l *Ledger) OpenRisk() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total float64
	for _, p := range l.positions {
		total += p.RiskAtStop()
	}
	return total
}

// StartCooldown 在 until 之前阻止该交易对的新信号
func (l *Ledger) StartCooldown(symbol string, until time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cooldowns[symbol] = until
}

// CooldownUntil 返回交易对冷却期的结束时间, 没有冷却时为零值
func (l *Ledger) CooldownUntil(symbol string) time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cooldowns[symbol]
}

// Regime 返回交易对已确认的状态
func (l *Ledger) Regime(symbol string) models.RegimeState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if st, ok := l.regimes[symbol]; ok {
		return st
	}
	return models.NewRegimeState(symbol)
}

func (l *Ledger) SetRegime(state models.RegimeState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.regimes[state.Symbol] = state
}

// Regimes 返回所有状态的副本
func (l *Ledger) Regimes() map[string]models.RegimeState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]models.RegimeState, len(l.regimes))
	for k, v := range l.regimes {
		out[k] = v
	}
	return out
}

// SetPaused symbol 为空时设置全局暂停, 否则设置单个交易对的暂停
func (l *Ledger) SetPaused(symbol string, paused bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if symbol == "" {
		l.paused = paused
		return
	}
	if paused {
		l.pausedSymbols[symbol] = true
	} else {
		delete(l.pausedSymbols, symbol)
	}
}

// Paused 返回全局暂停和交易对暂停标志
func (l *Ledger) Paused(symbol string) (global, sym bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.paused, l.pausedSymbols[symbol]
}

// Snapshot 复制账本中需要持久化的部分
func (l *Ledger) Snapshot(now time.Time) *models.LedgerSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	snap := &models.LedgerSnapshot{
		Positions: make(map[string]models.Position, len(l.positions)),
		Cooldowns: make(map[string]time.Time, len(l.cooldowns)),
		Paused:    l.paused,
		SavedAt:   now,
	}
	for k, v := range l.positions {
		snap.Positions[k] = v
	}
	for k, v := range l.cooldowns {
		snap.Cooldowns[k] = v
	}
	for s := range l.pausedSymbols {
		snap.PausedSymbols = append(snap.PausedSymbols, s)
	}
	sort.Strings(snap.PausedSymbols)
	return snap
}

// Restore 用 snap 替换账本内容。状态识别单独恢复。
func (l *Ledger) Restore(snap *models.LedgerSnapshot) {
	if snap == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions = make(map[string]models.Position, len(snap.Positions))
	for k, v := range snap.Positions {
		if v.Open() {
			l.positions[k] = v
		}
	}
	l.cooldowns = make(map[string]time.Time, len(snap.Cooldowns))
	for k, v := range snap.Cooldowns {
		l.cooldowns[k] = v
	}
	l.paused = snap.Paused
	l.pausedSymbols = make(map[string]bool, len(snap.PausedSymbols))
	for _, s := range snap.PausedSymbols {
		l.pausedSymbols[s] = true
	}
}
