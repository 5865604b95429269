package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector defines the interface for metrics collection
type Collector interface {
	// Session metrics
	SessionOpened()
	SessionClosed()

	// Matchmaking metrics
	QueueDepth(n int)
	PairedSessions(n int)
	PairFormed()
	PairDisbanded(reason string)

	// Relay metrics
	MessageRelayed(event string)
	MessageDropped(event, reason string)

	// Handler returns an HTTP handler for metrics endpoint
	Handler() http.Handler
}

// PrometheusCollector implements the Collector interface using Prometheus
type PrometheusCollector struct {
	registry *prometheus.Registry

	activeSessions prometheus.Gauge
	sessionsTotal  prometheus.Counter

	queueDepth     prometheus.Gauge
	pairedSessions prometheus.Gauge
	pairsFormed    prometheus.Counter
	pairsDisbanded *prometheus.CounterVec

	messagesRelayed *prometheus.CounterVec
	messagesDropped *prometheus.CounterVec
}

// NewPrometheusCollector creates a collector backed by its own registry so
// several instances can coexist in one process.
func NewPrometheusCollector() *PrometheusCollector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &PrometheusCollector{
		registry: reg,

		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "strangers_active_sessions",
			Help: "Number of open signaling channels",
		}),
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "strangers_sessions_total",
			Help: "Total number of signaling channels opened",
		}),

		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "strangers_queue_depth",
			Help: "Sessions waiting for a partner",
		}),
		pairedSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "strangers_paired_sessions",
			Help: "Sessions currently paired",
		}),
		pairsFormed: factory.NewCounter(prometheus.CounterOpts{
			Name: "strangers_pairs_formed_total",
			Help: "Total number of pairs formed",
		}),
		pairsDisbanded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strangers_pairs_disbanded_total",
				Help: "Total number of pairs dissolved",
			},
			[]string{"reason"},
		),

		messagesRelayed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strangers_messages_relayed_total",
				Help: "Messages forwarded to a partner",
			},
			[]string{"event"},
		),
		messagesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strangers_messages_dropped_total",
				Help: "Messages not forwarded",
			},
			[]string{"event", "reason"},
		),
	}
}

func (c *PrometheusCollector) SessionOpened() {
	c.activeSessions.Inc()
	c.sessionsTotal.Inc()
}

func (c *PrometheusCollector) SessionClosed() {
	c.activeSessions.Dec()
}

func (c *PrometheusCollector) QueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

func (c *PrometheusCollector) PairedSessions(n int) {
	c.pairedSessions.Set(float64(n))
}

func (c *PrometheusCollector) PairFormed() {
	c.pairsFormed.Inc()
}

func (c *PrometheusCollector) PairDisbanded(reason string) {
	c.pairsDisbanded.WithLabelValues(reason).Inc()
}

func (c *PrometheusCollector) MessageRelayed(event string) {
	c.messagesRelayed.WithLabelValues(event).Inc()
}

func (c *PrometheusCollector) MessageDropped(event, reason string) {
	c.messagesDropped.WithLabelValues(event, reason).Inc()
}

func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Nop discards everything.
type Nop struct{}

func (Nop) SessionOpened()                {}
func (Nop) SessionClosed()                {}
func (Nop) QueueDepth(int)                {}
func (Nop) PairedSessions(int)            {}
func (Nop) PairFormed()                   {}
func (Nop) PairDisbanded(string)          {}
func (Nop) MessageRelayed(string)         {}
func (Nop) MessageDropped(string, string) {}
func (Nop) Handler() http.Handler         { return http.NotFoundHandler() }
