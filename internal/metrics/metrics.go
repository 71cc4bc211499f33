// Package metrics exposes Prometheus collectors for the tracking service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/BearBump/TrackLive/internal/fanout"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Registry *prometheus.Registry

	IngestTotal    *prometheus.CounterVec
	IngestDuration *prometheus.HistogramVec
	ClaimsTotal    *prometheus.CounterVec
	HTTPRequests   *prometheus.CounterVec
	HTTPDuration   *prometheus.HistogramVec
	ConsumerErrors prometheus.Counter
}

// New registers everything on a private registry so several instances can
// coexist in one process (tests).
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,
		IngestTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "reports_total",
				Help:      "Position reports processed, by outcome",
			},
			[]string{"outcome"},
		),
		IngestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "duration_seconds",
				Help:      "Time from report receipt to publish",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		ClaimsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "claims",
				Name:      "attempts_total",
				Help:      "Claim attempts, by outcome",
			},
			[]string{"outcome"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests, by route and status code",
			},
			[]string{"method", "route", "code"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		ConsumerErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "errors_total",
				Help:      "Kafka consume loop failures",
			},
		),
	}

	reg.MustRegister(m.IngestTotal, m.IngestDuration, m.ClaimsTotal, m.HTTPRequests, m.HTTPDuration, m.ConsumerErrors)
	return m
}

func (m *Metrics) ObserveIngest(outcome string, took time.Duration) {
	m.IngestTotal.WithLabelValues(outcome).Inc()
	m.IngestDuration.WithLabelValues(outcome).Observe(took.Seconds())
}

func (m *Metrics) ObserveClaim(outcome string) {
	m.ClaimsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, code int, took time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(took.Seconds())
}

// WatchHub exports the hub's counters, read at scrape time.
func (m *Metrics) WatchHub(namespace string, stats func() fanout.Stats) {
	gauge := func(name, help string, v func(fanout.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      name,
			Help:      help,
		}, func() float64 { return v(stats()) })
	}
	counter := func(name, help string, v func(fanout.Stats) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      name,
			Help:      help,
		}, func() float64 { return v(stats()) })
	}

	m.Registry.MustRegister(
		gauge("connections", "Open live connections", func(s fanout.Stats) float64 { return float64(s.Connections) }),
		gauge("groups", "Accounts with at least one live connection", func(s fanout.Stats) float64 { return float64(s.Groups) }),
		counter("published_total", "Events handed to the hub", func(s fanout.Stats) float64 { return float64(s.Published) }),
		counter("delivered_total", "Events written to a connection", func(s fanout.Stats) float64 { return float64(s.Delivered) }),
		counter("dropped_total", "Events lost because the connection was evicted", func(s fanout.Stats) float64 { return float64(s.Dropped) }),
		counter("evicted_total", "Connections evicted for lagging or failing", func(s fanout.Stats) float64 { return float64(s.Evicted) }),
	)
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
