package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	MetricsNamespace      = "teams_messenger"
	MetricsSubsystemGraph = "graph"
	MetricsSubsystemAPI   = "api"
	MetricsSubsystemJobs  = "jobs"
)

// Metrics holds the prometheus collectors shared by the api and worker processes.
type Metrics struct {
	registry *prometheus.Registry

	graphRequestsTotal *prometheus.CounterVec
	graphRequestTime   *prometheus.HistogramVec
	tokenFetchesTotal  *prometheus.CounterVec

	jobsAcceptedTotal prometheus.Counter
	jobsOutcomeTotal  *prometheus.CounterVec
}

// NewMetrics creates a registry with process and go collectors plus the service metrics.
func NewMetrics() *Metrics {
	m := &Metrics{}

	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
		Namespace: MetricsNamespace,
	}))
	m.registry.MustRegister(collectors.NewGoCollector())

	m.graphRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystemGraph,
			Name:      "requests_total",
			Help:      "The total number of requests sent to Microsoft Graph.",
		},
		[]string{"operation", "status_code"},
	)
	m.registry.MustRegister(m.graphRequestsTotal)

	m.graphRequestTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystemGraph,
			Name:      "request_time",
			Help:      "Time taken by Microsoft Graph requests in seconds.",
		},
		[]string{"operation"},
	)
	m.registry.MustRegister(m.graphRequestTime)

	m.tokenFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystemGraph,
			Name:      "token_fetches_total",
			Help:      "The total number of access token requests.",
		},
		[]string{"success"},
	)
	m.registry.MustRegister(m.tokenFetchesTotal)

	m.jobsAcceptedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemAPI,
		Name:      "jobs_accepted_total",
		Help:      "The total number of message jobs queued by the api.",
	})
	m.registry.MustRegister(m.jobsAcceptedTotal)

	m.jobsOutcomeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystemJobs,
			Name:      "outcome_total",
			Help:      "The total number of processed jobs by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	m.registry.MustRegister(m.jobsOutcomeTotal)

	return m
}

func (m *Metrics) ObserveGraphRequest(operation string, statusCode int, elapsed float64) {
	if m == nil {
		return
	}
	m.graphRequestsTotal.With(prometheus.Labels{"operation": operation, "status_code": strconv.Itoa(statusCode)}).Inc()
	m.graphRequestTime.With(prometheus.Labels{"operation": operation}).Observe(elapsed)
}

func (m *Metrics) ObserveTokenFetch(success bool) {
	if m == nil {
		return
	}
	m.tokenFetchesTotal.With(prometheus.Labels{"success": strconv.FormatBool(success)}).Inc()
}

func (m *Metrics) ObserveJobAccepted() {
	if m == nil {
		return
	}
	m.jobsAcceptedTotal.Inc()
}

func (m *Metrics) ObserveJobOutcome(kind, outcome string) {
	if m == nil {
		return
	}
	m.jobsOutcomeTotal.With(prometheus.Labels{"kind": kind, "outcome": outcome}).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
