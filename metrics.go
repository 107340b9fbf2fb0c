package gateguard

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes pipeline observability on its own registry so the
// metrics listener serves nothing else.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	denialsTotal     *prometheus.CounterVec
	patternsTotal    *prometheus.CounterVec
	pipelineDuration prometheus.Histogram
	blacklistSize    prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateguard_requests_total",
		Help: "Requests seen by the admission pipeline, by outcome.",
	}, []string{"outcome"})

	m.denialsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateguard_denials_total",
		Help: "Denied requests by category and detector.",
	}, []string{"category", "detector"})

	m.patternsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateguard_patterns_total",
		Help: "Correlated attack patterns raised.",
	}, []string{"pattern"})

	m.pipelineDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateguard_pipeline_duration_seconds",
		Help:    "Wall time of one full pipeline pass.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	})

	m.blacklistSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateguard_blacklist_size",
		Help: "Currently active bans.",
	})

	m.registry.MustRegister(m.requestsTotal, m.denialsTotal, m.patternsTotal, m.pipelineDuration, m.blacklistSize)
	return m
}

func (m *Metrics) Request(outcome string) { m.requestsTotal.WithLabelValues(outcome).Inc() }
func (m *Metrics) Denial(category, detector string) {
	m.denialsTotal.WithLabelValues(category, detector).Inc()
}
func (m *Metrics) Pattern(pattern string)          { m.patternsTotal.WithLabelValues(pattern).Inc() }
func (m *Metrics) ObservePipeline(seconds float64) { m.pipelineDuration.Observe(seconds) }
func (m *Metrics) SetBlacklistSize(n int)          { m.blacklistSize.Set(float64(n)) }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
