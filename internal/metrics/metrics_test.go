package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CycleCompleted(3 * time.Second)
	m.CycleSkipped()
	m.RepoPolled(ResultOK)
	m.RepoPolled(ResultOK)
	m.RepoPolled(ResultDeleted)
	m.EventDetected("release")
	m.MessagesSent(2, 1, 1)
	m.OrphansRemoved(4)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles.WithLabelValues("skipped")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.reposPolled.WithLabelValues(ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reposPolled.WithLabelValues(ResultDeleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("release")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.messages.WithLabelValues("sent")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.orphans))
	assert.Equal(t, 1, testutil.CollectAndCount(m.cycleDuration))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CycleCompleted(time.Second)
		m.CycleSkipped()
		m.CycleCanceled()
		m.RepoPolled(ResultError)
		m.EventDetected("tag")
		m.MessagesSent(1, 0, 0)
		m.OrphansRemoved(1)
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.RepoPolled(ResultArchived)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `releasebot_poller_repos_polled_total{result="archived"} 1`)
}
