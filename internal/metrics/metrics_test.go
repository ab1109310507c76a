package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Counts(t *testing.T) {
	c := New()

	c.SessionStarted("recorder")
	c.Transition("recorder", "idle", "recording")
	c.Transition("recorder", "recording", "interrupted")
	c.Interrupted()
	c.AutoResume("resumed")
	c.Tick("recorder")
	c.Tick("recorder")
	c.TickDropped("recorder")
	c.DeviceError("recorder", "stop")
	c.SessionClosed("recorder", "stopped", 12)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitions.WithLabelValues("recorder", "recording", "interrupted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.interruptions))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.ticks.WithLabelValues("recorder")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.activeSession.WithLabelValues("recorder")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.deviceErrors.WithLabelValues("recorder", "stop")))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	c.SessionStarted("player")
	c.Transition("player", "idle", "playing")
	c.Tick("player")
	c.SessionClosed("player", "finished", 1)
	assert.Nil(t, c.Registry())

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestCollector_Handler(t *testing.T) {
	c := New()
	c.SessionStarted("recorder")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "audiobridge_sessions_started_total")
}
