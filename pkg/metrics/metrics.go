package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

const namespace = "predmatch"

// Submission results, used as the "result" label.
const (
	ResultAccepted  = "accepted"
	ResultDuplicate = "duplicate"
	ResultRejected  = "rejected"
	ResultFailed    = "failed"
)

// Metrics holds the node's Prometheus instruments on a private registry so
// several nodes (or tests) can live in one process.
type Metrics struct {
	reg *prometheus.Registry

	orders        *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	trades        *prometheus.CounterVec
	volume        *prometheus.CounterVec
	cancels       *prometheus.CounterVec
	matchDuration prometheus.Histogram
	eventsDropped prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_submitted_total",
			Help:      "Orders submitted, by result.",
		}, []string{"result"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_rejected_total",
			Help:      "Orders rejected by validation, by reason.",
		}, []string{"reason"}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Trades executed, by market.",
		}, []string{"market"}),
		volume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traded_amount_total",
			Help:      "Outcome tokens traded, by market.",
		}, []string{"market"}),
		cancels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancellations_total",
			Help:      "Cancel requests, by whether an order was cancelled.",
		}, []string{"cancelled"}),
		matchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "match_duration_seconds",
			Help:      "Time spent matching one incoming order.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_publish_failed_total",
			Help:      "Events that could not be handed to the event bus.",
		}),
	}
	m.reg.MustRegister(
		m.orders, m.rejections, m.trades, m.volume, m.cancels, m.matchDuration, m.eventsDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) OrderSubmitted(result string) {
	m.orders.WithLabelValues(result).Inc()
}

func (m *Metrics) OrderRejected(reason string) {
	m.orders.WithLabelValues(ResultRejected).Inc()
	m.rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) TradeExecuted(market string, amount decimal.Decimal) {
	m.trades.WithLabelValues(market).Inc()
	m.volume.WithLabelValues(market).Add(amount.InexactFloat64())
}

func (m *Metrics) CancelHandled(cancelled bool) {
	label := "false"
	if cancelled {
		label = "true"
	}
	m.cancels.WithLabelValues(label).Inc()
}

func (m *Metrics) ObserveMatch(d time.Duration) {
	m.matchDuration.Observe(d.Seconds())
}

func (m *Metrics) EventPublishFailed() { m.eventsDropped.Inc() }
