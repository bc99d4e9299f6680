package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vitos/copy_trade_ledger/internal/domain"
	"github.com/vitos/copy_trade_ledger/internal/usecase"
)

// Metrics is the Prometheus view of the ledger and its event fan-out. It
// owns its registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	operations      *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	settled         *prometheus.CounterVec
	realizedPnL     *prometheus.CounterVec
	fees            prometheus.Counter
	uncollected     prometheus.Counter
	traders         *prometheus.GaugeVec
	relationships   prometheus.Gauge
	openPositions   prometheus.Gauge
	escrow          prometheus.Gauge
	balances        prometheus.Gauge
	paused          prometheus.Gauge
	eventsPublished *prometheus.CounterVec
	eventsDropped   prometheus.Counter
}

func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Ledger operations by name and outcome",
		}, []string{"op", "result"}),

		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Ledger operation latency including the durable commit",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"op"}),

		settled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_settled_total",
			Help:      "Closed positions by kind and outcome",
		}, []string{"kind", "outcome"}),

		realizedPnL: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_realized_pnl_total",
			Help:      "Absolute realized PnL of mirrored positions",
		}, []string{"outcome"}),

		fees: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "performance_fees_total",
			Help:      "Performance fees charged to copiers",
		}),

		uncollected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uncollected_losses_total",
			Help:      "Loss amount that exceeded the copier's balance and escrow",
		}),

		traders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "traders",
			Help:      "Registered traders by state",
		}, []string{"state"}),

		relationships: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_relationships",
			Help:      "Active copy relationships",
		}),

		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Open own and mirrored positions",
		}),

		escrow: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "escrow_total",
			Help:      "Funds held in copy relationship escrow",
		}),

		balances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "balance_total",
			Help:      "Sum of available account balances",
		}),

		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "paused",
			Help:      "1 while the ledger is paused",
		}),

		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events handed to each sink by result",
		}, []string{"sink", "result"}),

		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because the dispatch queue was full",
		}),
	}

	registry.MustRegister(
		m.operations, m.latency, m.settled, m.realizedPnL, m.fees, m.uncollected,
		m.traders, m.relationships, m.openPositions, m.escrow, m.balances, m.paused,
		m.eventsPublished, m.eventsDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) OperationDone(op string, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		if kind := domain.KindOf(err); kind != "" {
			result = string(kind)
		} else {
			result = "internal"
		}
	}
	m.operations.WithLabelValues(op, result).Inc()
	m.latency.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Metrics) PositionSettled(pos *domain.Position, uncollected domain.Amount) {
	outcome := "flat"
	switch pos.RealizedPnL.Sign() {
	case 1:
		outcome = "profit"
	case -1:
		outcome = "loss"
	}
	m.settled.WithLabelValues(string(pos.Kind), outcome).Inc()
	if pos.Kind != domain.KindMirror {
		return
	}
	if outcome != "flat" {
		m.realizedPnL.WithLabelValues(outcome).Add(toFloat(pos.RealizedPnL.Abs()))
	}
	m.fees.Add(toFloat(pos.Fee))
	if uncollected.IsPositive() {
		m.uncollected.Add(toFloat(uncollected))
	}
}

func (m *Metrics) StateChanged(s usecase.LedgerStats) {
	m.traders.WithLabelValues("active").Set(float64(s.ActiveTraders))
	m.traders.WithLabelValues("inactive").Set(float64(s.Traders - s.ActiveTraders))
	m.relationships.Set(float64(s.ActiveRelationships))
	m.openPositions.Set(float64(s.OpenPositions))
	m.escrow.Set(toFloat(s.EscrowTotal))
	m.balances.Set(toFloat(s.BalanceTotal))
	if s.Paused {
		m.paused.Set(1)
	} else {
		m.paused.Set(0)
	}
}

func (m *Metrics) EventsPublished(sink string, n int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.eventsPublished.WithLabelValues(sink, result).Add(float64(n))
}

func (m *Metrics) EventsDropped(n int) {
	m.eventsDropped.Add(float64(n))
}

// Gauges lose precision past 2^53 wei; they are for dashboards only.
func toFloat(a domain.Amount) float64 {
	f, _ := a.Decimal().Float64()
	return f
}

var (
	_ usecase.LedgerMetrics   = (*Metrics)(nil)
	_ usecase.DispatchMetrics = (*Metrics)(nil)
)
