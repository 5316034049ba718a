// Package export exposes recorded request metrics in the Prometheus text
// exposition format.
package export

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ongoingai/ragmetrics/internal/metric"
)

// LatencyBuckets are histogram bounds in seconds for LLM request latency.
var LatencyBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Exporter holds the process-wide counters. It owns a private registry so
// tests and multiple instances never collide on the global one.
type Exporter struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	tokens         *prometheus.CounterVec
	cost           *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	active         prometheus.Gauge
	monitorDropped prometheus.Counter
	scrapeErrors   prometheus.Counter
}

type Options struct {
	// ProcessCollectors adds Go runtime and process collectors.
	ProcessCollectors bool
}

func New(opts Options) *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_requests_total",
			Help: "Total LLM requests by framework, model, vector store and status.",
		}, []string{"framework", "model", "vector_store", "status"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total tokens consumed, split into input and output.",
		}, []string{"framework", "model", "token_type"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_cost_total",
			Help: "Total estimated cost in USD, split into input and output.",
		}, []string{"framework", "model", "cost_type"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llm_latency_seconds",
			Help:    "LLM request latency in seconds.",
			Buckets: LatencyBuckets,
		}, []string{"framework", "model"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "llm_active_requests",
			Help: "LLM interactions currently being recorded.",
		}),
		monitorDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ragmetrics_monitor_dropped_total",
			Help: "Monitoring entries evicted because the queue was full.",
		}),
		scrapeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ragmetrics_scrape_errors_total",
			Help: "Failed Prometheus scrapes by the forwarder.",
		}),
	}
	e.registry.MustRegister(e.requests, e.tokens, e.cost, e.latency, e.active, e.monitorDropped, e.scrapeErrors)
	if opts.ProcessCollectors {
		e.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return e
}

// Observe folds one stored record into the counters.
func (e *Exporter) Observe(rec metric.Record) {
	if e == nil {
		return
	}
	e.requests.WithLabelValues(rec.Framework, rec.Model, rec.VectorStore, string(rec.Status)).Inc()

	e.tokens.WithLabelValues(rec.Framework, rec.Model, "input").Add(float64(rec.InputTokens))
	e.tokens.WithLabelValues(rec.Framework, rec.Model, "output").Add(float64(rec.OutputTokens))
	e.cost.WithLabelValues(rec.Framework, rec.Model, "input").Add(rec.InputCost)
	e.cost.WithLabelValues(rec.Framework, rec.Model, "output").Add(rec.OutputCost)

	e.latency.WithLabelValues(rec.Framework, rec.Model).Observe(rec.LatencyMS / 1000)
}

// Begin marks an interaction in flight; the returned func ends it.
func (e *Exporter) Begin() func() {
	if e == nil {
		return func() {}
	}
	e.active.Inc()
	return e.active.Dec
}

func (e *Exporter) MonitorDropped(n int) {
	if e == nil || n <= 0 {
		return
	}
	e.monitorDropped.Add(float64(n))
}

func (e *Exporter) ScrapeFailed() {
	if e == nil {
		return
	}
	e.scrapeErrors.Inc()
}

func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler serves the registry at the scrape endpoint.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{Registry: e.registry})
}
