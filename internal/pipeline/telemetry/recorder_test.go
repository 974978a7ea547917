package telemetry

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreLatencyEWMA(t *testing.T) {
	r := NewRecorder()
	r.ObserveStoreWrite(100*time.Millisecond, 10)
	assert.InDelta(t, 100, r.StoreLatencyMs(), 0.001)
	r.ObserveStoreWrite(200*time.Millisecond, 10)
	assert.InDelta(t, 120, r.StoreLatencyMs(), 0.001)
}

func TestNotificationFailureRate(t *testing.T) {
	r := NewRecorder()
	assert.Equal(t, 0.0, r.NotificationFailureRate())
	r.NotificationResult("ops", true)
	r.NotificationResult("ops", false)
	r.NotificationResult("ops", true)
	r.NotificationResult("ops", false)
	assert.InDelta(t, 0.5, r.NotificationFailureRate(), 0.001)

	// the window only keeps the most recent attempts
	for i := 0; i < notifyWindowSize; i++ {
		r.NotificationResult("ops", true)
	}
	assert.Equal(t, 0.0, r.NotificationFailureRate())
}

func TestCountersAndHandler(t *testing.T) {
	r := NewRecorder()
	r.StoreDropped(3)
	r.AlertSuppressed()
	r.AlertFired("high")
	assert.EqualValues(t, 3, r.DroppedSamples())
	assert.EqualValues(t, 1, r.SuppressedAlerts())
	assert.EqualValues(t, 1, r.FiredAlerts())

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/prometheus", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "perfpulse_store_dropped_samples_total 3")
	assert.Contains(t, string(body), "perfpulse_alerts_suppressed_total 1")
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.SampleAccepted("agent_metrics", 1)
		r.StoreDropped(1)
		r.NotificationResult("x", false)
		_ = r.StoreLatencyMs()
		_ = r.NotificationFailureRate()
	})
}
