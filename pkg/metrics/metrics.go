// Package metrics exposes Prometheus collectors for the crawl engine and the download runner.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/astridyu/khinsider-scraper/pkg/models"
)

// Metrics groups the collectors of one run. A nil *Metrics is valid and records nothing.
type Metrics struct {
	tasksCompleted   *prometheus.CounterVec
	tasksAbandoned   *prometheus.CounterVec
	attemptsFailed   *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	downloads        *prometheus.CounterVec
	bytesDownloaded  prometheus.Counter
	connectionsInUse prometheus.Gauge
	frontierQueued   prometheus.Gauge
	frontierInFlight prometheus.Gauge
}

// New registers the collectors on reg. Passing a fresh prometheus.NewRegistry() keeps tests isolated.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		tasksCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "khinsider_tasks_completed_total",
				Help: "Crawl tasks that executed successfully, labeled by kind.",
			},
			[]string{"kind"},
		),
		tasksAbandoned: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "khinsider_tasks_abandoned_total",
				Help: "Crawl tasks dropped after exhausting their attempts, labeled by kind.",
			},
			[]string{"kind"},
		),
		attemptsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "khinsider_task_attempts_failed_total",
				Help: "Failed task attempts, labeled by kind and error category.",
			},
			[]string{"kind", "category"},
		),
		httpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "khinsider_http_requests_total",
				Help: "Outbound HTTP requests, labeled by status code (\"error\" for transport failures).",
			},
			[]string{"code"},
		),
		downloads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "khinsider_downloads_total",
				Help: "Song materializations, labeled by outcome.",
			},
			[]string{"outcome"},
		),
		bytesDownloaded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "khinsider_download_bytes_total",
				Help: "Bytes written to staging files.",
			},
		),
		connectionsInUse: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "khinsider_connections_in_use",
				Help: "Connection permits currently held.",
			},
		),
		frontierQueued: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "khinsider_frontier_queued",
				Help: "Tasks waiting on the frontier.",
			},
		),
		frontierInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "khinsider_frontier_in_flight",
				Help: "Tasks dequeued and not yet marked done.",
			},
		),
	}
	for _, kind := range models.AllTaskKinds {
		m.tasksCompleted.WithLabelValues(kind.String())
		m.tasksAbandoned.WithLabelValues(kind.String())
	}
	return m
}

// Handler returns an http.Handler serving the collectors registered on gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// TaskCompleted counts a successful task execution.
func (m *Metrics) TaskCompleted(kind models.TaskKind) {
	if m == nil {
		return
	}
	m.tasksCompleted.WithLabelValues(kind.String()).Inc()
}

// TaskAbandoned counts a task dropped after its last attempt.
func (m *Metrics) TaskAbandoned(kind models.TaskKind) {
	if m == nil {
		return
	}
	m.tasksAbandoned.WithLabelValues(kind.String()).Inc()
}

// AttemptFailed counts one failed attempt. category comes from utils.CategorizeError.
func (m *Metrics) AttemptFailed(kind models.TaskKind, category string) {
	if m == nil {
		return
	}
	m.attemptsFailed.WithLabelValues(kind.String(), category).Inc()
}

// HTTPRequest counts one response by status code; code 0 means the request never got a response.
func (m *Metrics) HTTPRequest(code int) {
	if m == nil {
		return
	}
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	m.httpRequests.WithLabelValues(label).Inc()
}

// Download counts one materialization outcome.
func (m *Metrics) Download(outcome models.DownloadOutcome) {
	if m == nil {
		return
	}
	m.downloads.WithLabelValues(outcome.String()).Inc()
}

// BytesDownloaded adds n streamed bytes.
func (m *Metrics) BytesDownloaded(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesDownloaded.Add(float64(n))
}

// ConnectionAcquired and ConnectionReleased track the connection gate.
func (m *Metrics) ConnectionAcquired() {
	if m == nil {
		return
	}
	m.connectionsInUse.Inc()
}

func (m *Metrics) ConnectionReleased() {
	if m == nil {
		return
	}
	m.connectionsInUse.Dec()
}

// Frontier records a frontier progress sample.
func (m *Metrics) Frontier(queued, inFlight int) {
	if m == nil {
		return
	}
	m.frontierQueued.Set(float64(queued))
	m.frontierInFlight.Set(float64(inFlight))
}
