package aggregator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/qiniu/perfpulse/internal/pipeline/model"
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

type fakeQueue struct{ depth, capacity int }

func (q fakeQueue) Depth() int    { return q.depth }
func (q fakeQueue) Capacity() int { return q.capacity }

var base = time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)

func smp(entity string, ts time.Time, v float64) model.MetricSample {
	return model.MetricSample{MetricType: "agent_response_time", EntityKey: entity, Timestamp: ts, Value: v}
}

func TestLatestAndRollingStats(t *testing.T) {
	clock := &fakeClock{now: base}
	a := New(Options{Window: time.Minute, Now: clock.Now}, nil)

	a.Update(smp("a1", base, 10))
	a.Update(smp("a1", base.Add(time.Second), 20))
	st, ok := a.Latest("agent_response_time", "a1")
	require.True(t, ok)
	assert.Equal(t, 20.0, st.Value)
	require.NotNil(t, st.Window)
	assert.Equal(t, 2, st.Window.Count)
	assert.Equal(t, 15.0, st.Window.Avg)
	assert.Equal(t, 10.0, st.Window.Min)
	assert.Equal(t, 20.0, st.Window.Max)

	// an out-of-order sample joins the window but is not the latest
	a.Update(smp("a1", base.Add(-time.Hour), 30))
	st, _ = a.Latest("agent_response_time", "a1")
	assert.Equal(t, 20.0, st.Value)
	assert.Equal(t, 3, st.Window.Count)

	clock.Advance(2 * time.Minute)
	st, _ = a.Latest("agent_response_time", "a1")
	assert.Equal(t, 20.0, st.Value, "latest survives the window")
	assert.Nil(t, st.Window)

	_, ok = a.Latest("agent_response_time", "missing")
	assert.False(t, ok)
}

func TestWindowIsBounded(t *testing.T) {
	a := New(Options{MaxValues: 3, Now: func() time.Time { return base }}, nil)
	for i := 1; i <= 5; i++ {
		a.Update(smp("a1", base.Add(time.Duration(i)*time.Second), float64(i)))
	}
	st, _ := a.Latest("agent_response_time", "a1")
	require.NotNil(t, st.Window)
	assert.Equal(t, 3, st.Window.Count)
	assert.Equal(t, 3.0, st.Window.Min)
}

func TestSnapshotOrder(t *testing.T) {
	a := New(Options{}, nil)
	a.Update(smp("b", base, 1))
	a.Update(smp("a", base, 1))
	a.Update(model.MetricSample{MetricType: "agent_cpu_usage", EntityKey: "z", Timestamp: base, Value: 1})
	snap := a.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "agent_cpu_usage", snap[0].MetricType)
	assert.Equal(t, "a", snap[1].EntityKey)
	assert.Equal(t, "b", snap[2].EntityKey)
}

func TestHealthComponents(t *testing.T) {
	clock := &fakeClock{now: base}
	rec := telemetry.NewRecorder()
	a := New(Options{Now: clock.Now}, rec)
	a.SetQueue(fakeQueue{depth: 10, capacity: 100})

	h := a.Health()
	assert.Equal(t, model.Healthy, h.Status)
	assert.Len(t, h.Components, 3)

	a.SetQueue(fakeQueue{depth: 80, capacity: 100})
	h = a.Health()
	assert.Equal(t, model.Degraded, h.Components[ComponentIngestQueue].Status)
	assert.Equal(t, model.Degraded, h.Status)

	rec.ObserveStoreWrite(2*time.Second, 1)
	h = a.Health()
	assert.Equal(t, model.Unhealthy, h.Components[ComponentStore].Status)
	assert.Equal(t, model.Unhealthy, h.Status)
}

func TestHealthDropsDegradeStoreForOneWindow(t *testing.T) {
	clock := &fakeClock{now: base}
	rec := telemetry.NewRecorder()
	a := New(Options{Window: time.Minute, Now: clock.Now}, rec)

	rec.StoreDropped(5)
	assert.Equal(t, model.Degraded, a.Health().Components[ComponentStore].Status)
	assert.Equal(t, model.Degraded, a.Health().Components[ComponentStore].Status, "reading health does not reset it")

	clock.Advance(2 * time.Minute)
	assert.Equal(t, model.Healthy, a.Health().Components[ComponentStore].Status)
}

func TestRunHealthPublishesOnChange(t *testing.T) {
	rec := telemetry.NewRecorder()
	a := New(Options{}, rec)
	q := &fakeQueueRef{capacity: 10}
	a.SetQueue(q)

	published := make(chan model.SystemHealth, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.RunHealth(ctx, 5*time.Millisecond, func(h model.SystemHealth) { published <- h })

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, published, "no change, nothing published")

	q.set(10)
	select {
	case h := <-published:
		assert.Equal(t, model.Unhealthy, h.Status)
	case <-time.After(time.Second):
		t.Fatal("health change was not published")
	}
}

type fakeQueueRef struct {
	mu       sync.Mutex
	depth    int
	capacity int
}

func (q *fakeQueueRef) set(d int) {
	q.mu.Lock()
	q.depth = d
	q.mu.Unlock()
}

func (q *fakeQueueRef) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}

func (q *fakeQueueRef) Capacity() int { return q.capacity }
