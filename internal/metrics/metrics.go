// Package metrics exposes the engine's Prometheus counters and gauges:
// halt transitions, order rejections, checkpoint latency, and fill
// counts, all named with an engine_ prefix (engine_*_total for counters).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every collector the engine emits and its own
// *prometheus.Registry, so tests can create isolated instances instead
// of colliding on the global default registry.
type Registry struct {
	reg *prometheus.Registry

	OrdersSubmitted   *prometheus.CounterVec
	OrdersRejected    *prometheus.CounterVec
	Fills             *prometheus.CounterVec
	Halts             *prometheus.CounterVec
	Equity            prometheus.Gauge
	RealizedPnL       prometheus.Gauge
	Drawdown          prometheus.Gauge
	CheckpointLatency prometheus.Histogram
	QTableSize        prometheus.Gauge
	AgentEpsilon      prometheus.Gauge
}

// New creates a Registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		OrdersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_submitted_total",
			Help: "Orders submitted to the broker, labeled by symbol and side.",
		}, []string{"symbol", "side"}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_rejected_total",
			Help: "Orders rejected before submission, labeled by symbol and reason.",
		}, []string{"symbol", "reason"}),
		Fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_fills_total",
			Help: "Executed fills, labeled by symbol and side.",
		}, []string{"symbol", "side"}),
		Halts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_halts_total",
			Help: "Risk halt transitions, labeled by reason.",
		}, []string{"reason"}),
		Equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_equity",
			Help: "Current account equity (cash plus open position notional).",
		}),
		RealizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_realized_pnl_cumulative",
			Help: "Cumulative realized profit and loss.",
		}),
		Drawdown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_drawdown_pct",
			Help: "Current drawdown from the session's equity peak, as a fraction.",
		}),
		CheckpointLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_checkpoint_write_seconds",
			Help:    "Wall-clock time to write one checkpoint snapshot.",
			Buckets: prometheus.DefBuckets,
		}),
		QTableSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_qtable_states",
			Help: "Number of states currently tracked in the agent's Q-table.",
		}),
		AgentEpsilon: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_agent_epsilon",
			Help: "Current exploration rate of the Q-learning agent.",
		}),
	}

	reg.MustRegister(
		r.OrdersSubmitted, r.OrdersRejected, r.Fills, r.Halts,
		r.Equity, r.RealizedPnL, r.Drawdown,
		r.CheckpointLatency, r.QTableSize, r.AgentEpsilon,
	)
	return r
}

// Handler returns the HTTP handler serving this Registry's collectors in
// Prometheus text exposition format, meant to be mounted at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
