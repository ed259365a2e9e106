package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserve(t *testing.T) {
	m := New()
	m.ObserveRun(OutcomeComplete)
	m.ObserveRun(OutcomeComplete)
	m.ObserveRun("detection")
	m.ObserveStage("detecting", 120*time.Millisecond)
	m.ObserveDetections(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.runs.WithLabelValues(OutcomeComplete)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("detection")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.stageDuration))
}

func TestBegin(t *testing.T) {
	m := New()
	done := m.Begin()
	assert.Equal(t, int64(1), m.InFlight.Load())
	done()
	assert.Equal(t, int64(0), m.InFlight.Load())
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRun(OutcomeComplete)
		m.ObserveStage("rendering", time.Second)
		m.ObserveDetections(1)
		m.ObserveUpload(10)
		m.ObserveRequest("/upload", 200)
		m.Begin()()
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveRun(OutcomeComplete)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, _ := io.ReadAll(rec.Body)
	assert.True(t, strings.Contains(string(body), `annotator_runs_total{outcome="complete"} 1`))
	assert.True(t, strings.Contains(string(body), "annotator_runs_in_flight 0"))
}
