package risk

import (
	"fmt"
	"time"
)

// dayStart 返回 t 当天 00:00 UTC
func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// weekStart 返回 t 所在周的周一 00:00 UTC
func weekStart(t time.Time) time.Time {
	d := dayStart(t)
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// rolloverLocked 重置周期已结束的累计值。熔断开关不受影响,
// 解除它需要显式的恢复。
func (e *Engine) rolloverLocked(now time.Time) {
	st := &e.state
	if d := dayStart(now); !d.Equal(st.DayStart) && d.After(st.DayStart) {
		st.DayStart = d
		st.DailyRealized = 0
		st.DayStartEquity = st.Equity
		st.TradesToday = 0
	}
	if w := weekStart(now); !w.Equal(st.WeekStart) && w.After(st.WeekStart) {
		st.WeekStart = w
		st.WeeklyRealized = 0
		st.WeekStartEquity = st.Equity
	}
	if m := monthStart(now); !m.Equal(st.MonthStart) && m.After(st.MonthStart) {
		st.MonthStart = m
		st.MonthlyRealized = 0
		st.MonthStartEquity = st.Equity
	}
	if st.DayStartEquity <= 0 {
		st.DayStartEquity = st.Equity
	}
	if st.WeekStartEquity <= 0 {
		st.WeekStartEquity = st.Equity
	}
	if st.MonthStartEquity <= 0 {
		st.MonthStartEquity = st.Equity
	}
}

// lossCapLocked 依次把当日、当周、当月的已实现亏损
// 与该周期的起始权益比较。
func (e *Engine) lossCapLocked() (Reason, string) {
	st := e.state
	caps := []struct {
		reason   Reason
		realized float64
		base     float64
		pct      float64
	}{
		{ReasonDailyLossCap, st.DailyRealized, st.DayStartEquity, e.cfg.MaxDailyLossPct},
		{ReasonWeeklyLossCap, st.WeeklyRealized, st.WeekStartEquity, e.cfg.MaxWeeklyLossPct},
		{ReasonMonthlyLossCap, st.MonthlyRealized, st.MonthStartEquity, e.cfg.MaxMonthlyLossPct},
	}
	for _, c := range caps {
		base := c.base
		if base <= 0 {
			base = st.Equity
		}
		if c.pct <= 0 || base <= 0 || c.realized >= 0 {
			continue
		}
		if loss := -c.realized; loss >= base*c.pct {
			return c.reason, fmt.Sprintf("loss %.2f >= %.2f%% of %.2f", loss, c.pct*100, base)
		}
	}
	return "", ""
}
