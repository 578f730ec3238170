// Package metrics holds the Prometheus collectors of the release tracker.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "releasebot"

// Repository poll outcomes.
const (
	ResultOK       = "ok"
	ResultError    = "error"
	ResultDeleted  = "deleted"
	ResultArchived = "archived"
)

// Metrics is the set of collectors updated by the poller and the notifier.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	reposPolled   *prometheus.CounterVec
	events        *prometheus.CounterVec
	messages      *prometheus.CounterVec
	orphans       prometheus.Counter
}

// New creates the collectors and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "cycles_total",
			Help:      "Poll cycles by outcome (completed, skipped, canceled).",
		}, []string{"outcome"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of completed poll cycles.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		reposPolled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "repos_polled_total",
			Help:      "Repositories polled by result.",
		}, []string{"result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "events_total",
			Help:      "Detected release events by kind.",
		}, []string{"kind"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "messages_total",
			Help:      "Notification sends by result (sent, failed, removed).",
		}, []string{"result"}),
		orphans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "orphans_removed_total",
			Help:      "Repositories removed because nobody watched them.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.cycles, m.cycleDuration, m.reposPolled, m.events, m.messages, m.orphans)
	}
	return m
}

// CycleCompleted records a finished cycle and its duration.
func (m *Metrics) CycleCompleted(d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues("completed").Inc()
	m.cycleDuration.Observe(d.Seconds())
}

// CycleSkipped records a trigger that found a cycle already running.
func (m *Metrics) CycleSkipped() {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues("skipped").Inc()
}

// CycleCanceled records a cycle interrupted by shutdown.
func (m *Metrics) CycleCanceled() {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues("canceled").Inc()
}

// RepoPolled records one repository outcome.
func (m *Metrics) RepoPolled(result string) {
	if m == nil {
		return
	}
	m.reposPolled.WithLabelValues(result).Inc()
}

// EventDetected records a detected event by kind.
func (m *Metrics) EventDetected(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}

// MessagesSent records the outcome of one fan-out.
func (m *Metrics) MessagesSent(sent, failed, removed int) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues("sent").Add(float64(sent))
	m.messages.WithLabelValues("failed").Add(float64(failed))
	m.messages.WithLabelValues("removed").Add(float64(removed))
}

// OrphansRemoved records repositories deleted by the cleanup job.
func (m *Metrics) OrphansRemoved(n int) {
	if m == nil {
		return
	}
	m.orphans.Add(float64(n))
}

// Handler exposes gatherer over HTTP. A nil gatherer uses the default registry.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
