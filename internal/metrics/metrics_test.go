package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IndependentRegistries(t *testing.T) {
	a := New()
	b := New()

	a.EventsAccepted.Inc()
	a.EventsAccepted.Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(a.EventsAccepted))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.EventsAccepted))
}

func TestHandler_ExposesNames(t *testing.T) {
	m := New()
	m.EventsDropped.WithLabelValues("ui").Add(3)
	m.WatcherFailures.WithLabelValues("process", "timeout").Inc()
	m.Incidents.WithLabelValues("mass-file-modification").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `vigil_broker_events_dropped_total{subscriber="ui"} 3`)
	assert.Contains(t, text, `vigil_watcher_failures_total{kind="timeout",watcher="process"} 1`)
	assert.Contains(t, text, `vigil_correlation_incidents_total{rule="mass-file-modification"} 1`)
}

func TestOrNew(t *testing.T) {
	m := New()
	assert.Same(t, m, OrNew(m))
	assert.NotNil(t, OrNew(nil))
}
