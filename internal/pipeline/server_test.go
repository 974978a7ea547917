package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fox-gonic/fox"
	"github.com/gin-gonic/gin"
	"github.com/qiniu/perfpulse/internal/config"
	"github.com/qiniu/perfpulse/internal/pipeline/model"
	"github.com/qiniu/perfpulse/internal/pipeline/service/hub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rulesYAML = `rules:
  - ruleId: agent-latency-high
    name: High agent latency
    metricType: agent_response_time
    condition: greater_than
    threshold: 5000
    cooldownSeconds: 300
    severity: high
    notificationChannels: [pager]
`

func postAgentSample(t *testing.T, router *fox.Engine, value float64) {
	t.Helper()
	body, _ := json.Marshal(map[string]interface{}{
		"agentType": "component-developer",
		"metrics":   map[string]float64{"responseTime": value},
	})
	req := httptest.NewRequest(http.MethodPost, "/metrics/agent", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	rulesPath := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(rulesPath, []byte(rulesYAML), 0o600))

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Backend = "memory"
	cfg.Alerting.CooldownBackend = "memory"
	cfg.Alerting.RulesFile = rulesPath
	cfg.NATS.URL = ""
	return cfg
}

func TestPipeline_EndToEnd(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var mu sync.Mutex
	var delivered []model.Alert
	pager := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a model.Alert
		body, _ := io.ReadAll(r.Body)
		if json.Unmarshal(body, &a) == nil {
			mu.Lock()
			delivered = append(delivered, a)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer pager.Close()

	cfg := newTestConfig(t)
	cfg.Notification.Channels = map[string]config.ChannelConfig{
		"pager": {Type: "webhook", URL: pager.URL},
	}

	ctx := context.Background()
	srv, err := NewPipelineServer(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start(ctx))
	router := fox.New()
	require.NoError(t, srv.UseApi(router))

	sub := srv.hub.Subscribe(ctx)
	first := <-sub.C()
	assert.Equal(t, hub.TypeInitialData, first.Type())

	post := func(value float64) { postAgentSample(t, router, value) }
	activeAlerts := func() []*model.Alert {
		list, err := srv.alerts.ListActive(ctx, model.AlertFilter{})
		require.NoError(t, err)
		return list
	}

	post(6000)
	require.Eventually(t, func() bool { return len(activeAlerts()) == 1 }, 2*time.Second, 10*time.Millisecond)
	a := activeAlerts()[0]
	assert.Equal(t, "agent-latency-high", a.RuleID)
	assert.Equal(t, 6000.0, a.CurrentValue)
	assert.Equal(t, 5000.0, a.Threshold)
	assert.Equal(t, model.SeverityHigh, a.Severity)

	post(6200)
	post(4000)

	// The hub sees every sample and exactly one alert_created, in order.
	var kinds []string
	timeout := time.After(2 * time.Second)
	for len(kinds) < 4 {
		select {
		case m := <-sub.C():
			if m.Type() != hub.TypeHealthUpdate {
				kinds = append(kinds, m.Type())
			}
		case <-timeout:
			t.Fatalf("hub messages so far: %v", kinds)
		}
	}
	assert.Equal(t, []string{hub.TypeSample, hub.TypeAlertCreated, hub.TypeSample, hub.TypeSample}, kinds)
	assert.Len(t, activeAlerts(), 1)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, a.ID, delivered[0].ID)
	mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Close(shutdownCtx))

	// Shutdown flushed the store writer.
	res, err := srv.store.Query(ctx, model.Query{
		MetricType: "agent_response_time",
		Start:      time.Now().Add(-time.Hour),
		End:        time.Now().Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Len(t, res.Samples, 3)

	got, err := srv.alerts.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, got.Notifications, 1)
	assert.True(t, got.Notifications[0].Notified)
}

func TestPipeline_EvaluatesQueuedSamplesAfterStartContextEnds(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := newTestConfig(t)
	cfg.Notification.Channels = map[string]config.ChannelConfig{
		"pager": {Type: "webhook", URL: "http://127.0.0.1:1"},
	}

	startCtx, cancel := context.WithCancel(context.Background())
	srv, err := NewPipelineServer(startCtx, cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start(startCtx))
	router := fox.New()
	require.NoError(t, srv.UseApi(router))

	// a signal cancels the serve ctx before Close drains intake
	cancel()
	postAgentSample(t, router, 7000)

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	require.NoError(t, srv.Close(shutdownCtx))

	active, err := srv.alerts.ListActive(context.Background(), model.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 7000.0, active[0].CurrentValue)
}

func TestPipeline_RejectsUnknownBackend(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Backend = "cassandra"
	_, err = NewPipelineServer(context.Background(), cfg)
	assert.Error(t, err)
}
