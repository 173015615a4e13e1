package reporter

import (
	"binance-regime-bot-go/internal/models"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Metrics 存储根据已平仓交易计算出的绩效指标
type Metrics struct {
	InitialEquity    float64
	FinalEquity      float64
	TotalProfit      float64
	ProfitPercentage float64
	TotalTrades      int
	WinningTrades    int
	LosingTrades     int
	WinRate          float64
	AvgProfitLoss    float64
	MaxDrawdown      float64
	StopLossExits    int
	TakeProfitExits  int
	ByStrategy       map[string]float64
	StartTime        time.Time
	EndTime          time.Time
}

// Summarize 计算交易绩效。initialEquity 为第一笔交易前的权益。
func Summarize(trades []models.TradeRecord, initialEquity float64) *Metrics {
	m := &Metrics{InitialEquity: initialEquity, ByStrategy: make(map[string]float64)}
	if len(trades) == 0 {
		m.FinalEquity = initialEquity
		return m
	}

	sorted := append([]models.TradeRecord(nil), trades...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ClosedAt.Before(sorted[j].ClosedAt) })
	m.StartTime = sorted[0].OpenedAt
	m.EndTime = sorted[len(sorted)-1].ClosedAt
	m.TotalTrades = len(sorted)

	var totalProfit, totalLoss float64
	equityCurve := []float64{initialEquity}
	equity := initialEquity
	for _, trade := range sorted {
		if trade.RealizedPnL > 0 {
			m.WinningTrades++
			totalProfit += trade.RealizedPnL
		} else {
			m.LosingTrades++
			totalLoss += trade.RealizedPnL
		}
		switch trade.ExitReason {
		case models.ExitStopLoss:
			m.StopLossExits++
		case models.ExitTakeProfit:
			m.TakeProfitExits++
		}
		m.ByStrategy[trade.StrategyID] += trade.RealizedPnL
		equity += trade.RealizedPnL
		equityCurve = append(equityCurve, equity)
	}

	m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
	if m.LosingTrades > 0 && m.WinningTrades > 0 {
		avgWin := totalProfit / float64(m.WinningTrades)
		avgLoss := math.Abs(totalLoss / float64(m.LosingTrades))
		if avgLoss > 0 {
			m.AvgProfitLoss = avgWin / avgLoss
		}
	}
	m.FinalEquity = equity
	m.TotalProfit = m.FinalEquity - m.InitialEquity
	if m.InitialEquity != 0 {
		m.ProfitPercentage = m.TotalProfit / m.InitialEquity * 100
	}
	m.MaxDrawdown = calculateMaxDrawdown(equityCurve) * 100
	return m
}

func calculateMaxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0.0
	}
	peak := equityCurve[0]
	maxDrawdown := 0.0

	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		drawdown := (peak - equity) / peak
		if drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}
	return maxDrawdown
}

// RenderReport 渲染绩效报告表格
func RenderReport(m *Metrics) string {
	t := newTable("Performance")
	t.AppendRows([]table.Row{
		{"Period", periodOf(m)},
		{"Initial equity", fmt.Sprintf("%.2f USDT", m.InitialEquity)},
		{"Final equity", fmt.Sprintf("%.2f USDT", m.FinalEquity)},
		{"Total profit", fmt.Sprintf("%.2f USDT (%.2f%%)", m.TotalProfit, m.ProfitPercentage)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Trades", m.TotalTrades},
		{"Win / loss", fmt.Sprintf("%d / %d", m.WinningTrades, m.LosingTrades)},
		{"Win rate", fmt.Sprintf("%.2f%%", m.WinRate)},
		{"Avg win / avg loss", fmt.Sprintf("%.2f", m.AvgProfitLoss)},
		{"Max drawdown", fmt.Sprintf("%.2f%%", m.MaxDrawdown)},
		{"Stop-loss / take-profit exits", fmt.Sprintf("%d / %d", m.StopLossExits, m.TakeProfitExits)},
	})
	if len(m.ByStrategy) > 0 {
		t.AppendSeparator()
		ids := make([]string, 0, len(m.ByStrategy))
		for id := range m.ByStrategy {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			t.AppendRow(table.Row{"PnL " + id, fmt.Sprintf("%.2f", m.ByStrategy[id])})
		}
	}
	return t.Render()
}

// RenderStatus 渲染控制器状态: 概览、各交易对状态、持仓
func RenderStatus(s models.Status) string {
	var sb strings.Builder

	overview := newTable("Bot")
	kill := "off"
	if s.KillSwitch {
		kill = text.FgRed.Sprint("ON: " + s.KillReason)
		if !s.KillSince.IsZero() {
			kill += " (since " + s.KillSince.UTC().Format("2006-01-02 15:04:05") + ")"
		}
	}
	paused := "no"
	if s.Paused {
		paused = "all symbols"
	} else if len(s.PausedSymbols) > 0 {
		paused = strings.Join(s.PausedSymbols, ", ")
	}
	overview.AppendRows([]table.Row{
		{"Mode", s.Mode},
		{"Time", s.Timestamp.UTC().Format("2006-01-02 15:04:05")},
		{"Kill switch", kill},
		{"Paused", paused},
		{"Equity", fmt.Sprintf("%.2f", s.Risk.Equity)},
		{"Realized d / w / m", fmt.Sprintf("%.2f / %.2f / %.2f", s.Risk.DailyRealized, s.Risk.WeeklyRealized, s.Risk.MonthlyRealized)},
		{"Open risk", fmt.Sprintf("%.2f", s.Risk.OpenRisk)},
	})
	sb.WriteString(overview.Render())
	sb.WriteString("\n")

	regimes := newTable("Regimes")
	regimes.AppendHeader(table.Row{"Symbol", "Regime", "Confidence", "Candidate", "Count", "Cooldown until"})
	symbols := make([]string, 0, len(s.Regimes))
	for sym := range s.Regimes {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	for _, sym := range symbols {
		st := s.Regimes[sym]
		cooldown := "-"
		if until, ok := s.Cooldowns[sym]; ok && until.After(s.Timestamp) {
			cooldown = until.UTC().Format("15:04:05")
		}
		regimes.AppendRow(table.Row{sym, st.Regime, fmt.Sprintf("%.2f", st.Confidence), st.Candidate, st.CandidateCount, cooldown})
	}
	sb.WriteString(regimes.Render())
	sb.WriteString("\n")

	positions := newTable("Positions")
	positions.AppendHeader(table.Row{"Symbol", "Side", "Size", "Entry", "Mark", "Stop", "Take profit", "uPnL", "Strategy"})
	if len(s.Positions) == 0 {
		positions.AppendRow(table.Row{"-", "", "", "", "", "", "", "", ""})
	}
	for _, p := range s.Positions {
		positions.AppendRow(table.Row{
			p.Symbol, p.Direction, p.Size,
			fmt.Sprintf("%.4f", p.EntryPrice), fmt.Sprintf("%.4f", p.MarkPrice),
			fmt.Sprintf("%.4f", p.StopPrice), fmt.Sprintf("%.4f", p.TakeProfit),
			fmt.Sprintf("%.2f", p.UnrealizedPnL), p.StrategyID,
		})
	}
	sb.WriteString(positions.Render())
	return sb.String()
}

func newTable(title string) table.Writer {
	t := table.NewWriter()
	t.SetTitle(title)
	t.SetStyle(table.StyleLight)
	return t
}

func periodOf(m *Metrics) string {
	if m.StartTime.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%s to %s", m.StartTime.UTC().Format("2006-01-02 15:04"), m.EndTime.UTC().Format("2006-01-02 15:04"))
}
