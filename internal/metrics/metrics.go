// Package metrics 提供控制器的 Prometheus 指标
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 使用独立的 registry, 测试可以任意创建多个实例
type Metrics struct {
	registry *prometheus.Registry

	Ticks            prometheus.Counter
	Signals          *prometheus.CounterVec
	Rejections       *prometheus.CounterVec
	Orders           *prometheus.CounterVec
	EmergencyCloses  prometheus.Counter
	ReconcileActions *prometheus.CounterVec
	KillSwitch       prometheus.Gauge
	OpenPositions    prometheus.Gauge
	Equity           prometheus.Gauge
	Regime           *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Ticks:    prometheus.NewCounter(prometheus.CounterOpts{Name: "bot_ticks_total", Help: "Control loop passes"}),
		Signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_signals_total", Help: "Signals produced by strategies",
		}, []string{"symbol", "strategy"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_rejections_total", Help: "Signals or plans rejected, by reason",
		}, []string{"reason"}),
		Orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_orders_total", Help: "Order placements by leg and outcome",
		}, []string{"leg", "outcome"}),
		EmergencyCloses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bot_emergency_closes_total", Help: "Positions closed by the fail-safe path",
		}),
		ReconcileActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_reconcile_actions_total", Help: "Reconciliation records by action",
		}, []string{"action"}),
		KillSwitch:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "bot_kill_switch", Help: "1 when trading is halted"}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{Name: "bot_open_positions", Help: "Positions in the ledger"}),
		Equity:        prometheus.NewGauge(prometheus.GaugeOpts{Name: "bot_equity", Help: "Latest account equity"}),
		Regime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bot_regime", Help: "1 for the confirmed regime of a symbol, 0 otherwise",
		}, []string{"symbol", "regime"}),
	}
	m.registry.MustRegister(
		m.Ticks, m.Signals, m.Rejections, m.Orders, m.EmergencyCloses,
		m.ReconcileActions, m.KillSwitch, m.OpenPositions, m.Equity, m.Regime,
	)
	return m
}

var regimes = []string{"TREND_UP", "TREND_DOWN", "RANGE", "BREAKOUT", "NO_TRADE"}

// SetRegime 标记交易对当前已确认的状态
func (m *Metrics) SetRegime(symbol, regime string) {
	for _, r := range regimes {
		v := 0.0
		if r == regime {
			v = 1
		}
		m.Regime.WithLabelValues(symbol, r).Set(v)
	}
}

func (m *Metrics) SetKillSwitch(on bool) {
	if on {
		m.KillSwitch.Set(1)
		return
	}
	m.KillSwitch.Set(0)
}

// Handler 以 Prometheus 文本格式输出 registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry 供测试使用
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
