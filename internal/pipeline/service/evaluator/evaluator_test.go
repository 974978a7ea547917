package evaluator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/qiniu/perfpulse/internal/pipeline/model"
	"github.com/qiniu/perfpulse/internal/pipeline/service/alerts"
	"github.com/qiniu/perfpulse/internal/pipeline/service/ruleset"
	"github.com/qiniu/perfpulse/internal/pipeline/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls map[string][]string
}

func (n *recordingNotifier) Dispatch(ctx context.Context, a *model.Alert, channels []string) []model.ChannelStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.calls == nil {
		n.calls = map[string][]string{}
	}
	n.calls[a.ID] = channels
	out := make([]model.ChannelStatus, 0, len(channels))
	for _, ch := range channels {
		out = append(out, model.ChannelStatus{Channel: ch, Notified: true, At: time.Now()})
	}
	return out
}

type capturePublisher struct {
	mu     sync.Mutex
	alerts []*model.Alert
}

func (p *capturePublisher) AlertCreated(a *model.Alert) {
	p.mu.Lock()
	p.alerts = append(p.alerts, a)
	p.mu.Unlock()
}

type fixture struct {
	eval     *Evaluator
	rules    *ruleset.MemStore
	alerts   *alerts.MemStore
	clock    *fakeClock
	notifier *recordingNotifier
	events   *capturePublisher
	rec      *telemetry.Recorder
}

func newFixture(t *testing.T, rules ...*model.AlertRule) *fixture {
	t.Helper()
	ctx := context.Background()
	rs := ruleset.NewMemStore()
	for _, r := range rules {
		require.NoError(t, rs.CreateRule(ctx, r))
	}
	f := &fixture{
		rules:    rs,
		alerts:   alerts.NewMemStore(),
		clock:    &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		notifier: &recordingNotifier{},
		events:   &capturePublisher{},
		rec:      telemetry.NewRecorder(),
	}
	f.eval = New(Deps{
		Rules:     ruleset.NewCache(rs, time.Hour),
		Cooldowns: NewMemCooldown(),
		Alerts:    f.alerts,
		Notifier:  f.notifier,
		Events:    f.events,
		Recorder:  f.rec,
		Now:       f.clock.Now,
	})
	return f
}

func latencyRule() *model.AlertRule {
	return &model.AlertRule{
		ID:                   "rule-latency",
		Name:                 "High agent latency",
		Enabled:              true,
		MetricType:           "agent_response_time",
		Condition:            model.ConditionGreaterThan,
		Threshold:            5000,
		CooldownSeconds:      300,
		Severity:             model.SeverityHigh,
		NotificationChannels: []string{"ops-mail", "ops-chat"},
	}
}

func sample(entity string, v float64) model.MetricSample {
	return model.MetricSample{MetricType: "agent_response_time", EntityKey: entity, Timestamp: time.Now(), Value: v}
}

func TestEvaluate_FiresAndRespectsCooldown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, latencyRule())

	fired := f.eval.Evaluate(ctx, sample("component-developer", 6000))
	require.Len(t, fired, 1)
	a := fired[0]
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, "rule-latency", a.RuleID)
	assert.Equal(t, model.SeverityHigh, a.Severity)
	assert.Equal(t, 6000.0, a.CurrentValue)
	assert.Equal(t, 5000.0, a.Threshold)
	assert.False(t, a.Acknowledged)
	assert.False(t, a.Resolved)

	f.clock.Advance(100 * time.Second)
	assert.Empty(t, f.eval.Evaluate(ctx, sample("component-developer", 6200)))

	assert.Empty(t, f.eval.Evaluate(ctx, sample("component-developer", 4000)))

	f.clock.Advance(250 * time.Second)
	assert.Len(t, f.eval.Evaluate(ctx, sample("component-developer", 7000)), 1)

	f.eval.Wait()
	active, err := f.alerts.ListActive(ctx, model.AlertFilter{})
	require.NoError(t, err)
	assert.Len(t, active, 2)
	assert.Equal(t, int64(2), f.rec.FiredAlerts())
	assert.Equal(t, int64(1), f.rec.SuppressedAlerts())
	assert.Len(t, f.events.alerts, 2)
}

func TestEvaluate_CooldownIsPerEntity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, latencyRule())

	assert.Len(t, f.eval.Evaluate(ctx, sample("component-developer", 6000)), 1)
	assert.Len(t, f.eval.Evaluate(ctx, sample("reviewer", 6000)), 1)
	assert.Empty(t, f.eval.Evaluate(ctx, sample("reviewer", 6000)))
}

func TestEvaluate_ZeroCooldownAlwaysFires(t *testing.T) {
	ctx := context.Background()
	r := latencyRule()
	r.CooldownSeconds = 0
	f := newFixture(t, r)

	for i := 0; i < 3; i++ {
		assert.Len(t, f.eval.Evaluate(ctx, sample("reviewer", 6000)), 1)
	}
}

func TestEvaluate_ConcurrentBreachesFireOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, latencyRule())

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := len(f.eval.Evaluate(ctx, sample("component-developer", 9000)))
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()
	f.eval.Wait()

	assert.Equal(t, 1, total)
	active, err := f.alerts.ListActive(ctx, model.AlertFilter{})
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestEvaluate_DeletedRuleIsDiscarded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, latencyRule())

	// Warm the cache, then delete behind its back.
	assert.Empty(t, f.eval.Evaluate(ctx, sample("reviewer", 1)))
	require.NoError(t, f.rules.DeleteRule(ctx, "rule-latency"))

	assert.Empty(t, f.eval.Evaluate(ctx, sample("reviewer", 6000)))
	assert.Equal(t, int64(0), f.rec.FiredAlerts())
}

func TestEvaluate_DisabledOrRaisedThresholdIsDiscarded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, latencyRule())
	assert.Empty(t, f.eval.Evaluate(ctx, sample("reviewer", 1)))

	r, err := f.rules.GetRule(ctx, "rule-latency")
	require.NoError(t, err)
	r.Threshold = 10000
	require.NoError(t, f.rules.UpdateRule(ctx, r))

	assert.Empty(t, f.eval.Evaluate(ctx, sample("reviewer", 6000)))
}

func TestEvaluate_EntityScope(t *testing.T) {
	ctx := context.Background()
	r := latencyRule()
	r.EntityScope = "reviewer"
	f := newFixture(t, r)

	assert.Empty(t, f.eval.Evaluate(ctx, sample("component-developer", 6000)))
	assert.Len(t, f.eval.Evaluate(ctx, sample("reviewer", 6000)), 1)
}

func TestEvaluate_RecordsNotificationOutcome(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, latencyRule())

	fired := f.eval.Evaluate(ctx, sample("reviewer", 6000))
	require.Len(t, fired, 1)
	f.eval.Wait()

	got, err := f.alerts.Get(ctx, fired[0].ID)
	require.NoError(t, err)
	require.Len(t, got.Notifications, 2)
	for _, st := range got.Notifications {
		assert.True(t, st.Notified, st.Channel)
	}
	assert.ElementsMatch(t, []string{"ops-mail", "ops-chat"}, f.notifier.calls[fired[0].ID])
}

type failingAlerts struct {
	*alerts.MemStore
}

func (failingAlerts) Create(ctx context.Context, a *model.Alert) error {
	return &model.StoreError{Op: "create alert", Err: errors.New("connection reset")}
}

func TestEvaluate_UnstoredAlertIsNotAnnounced(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, latencyRule())
	f.eval.deps.Alerts = failingAlerts{MemStore: f.alerts}

	assert.Empty(t, f.eval.Evaluate(ctx, sample("reviewer", 6000)))
	f.eval.Wait()

	assert.Empty(t, f.events.alerts)
	assert.Empty(t, f.notifier.calls)
	assert.Equal(t, int64(0), f.rec.FiredAlerts())

	// the breach still holds the cooldown slot
	f.eval.deps.Alerts = f.alerts
	f.clock.Advance(100 * time.Second)
	assert.Empty(t, f.eval.Evaluate(ctx, sample("reviewer", 6000)))
}
