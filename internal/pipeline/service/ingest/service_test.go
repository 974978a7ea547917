package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/qiniu/perfpulse/internal/pipeline/model"
	"github.com/qiniu/perfpulse/internal/pipeline/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	mu       sync.Mutex
	samples  []model.MetricSample
	capacity int
}

func (q *fakeQueue) TryEnqueue(samples []model.MetricSample) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.samples)+len(samples) > q.capacity {
		return false
	}
	q.samples = append(q.samples, samples...)
	return true
}

func (q *fakeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.samples)
}

func (q *fakeQueue) Capacity() int { return q.capacity }

type recorder struct {
	mu    sync.Mutex
	order map[string][]float64
	calls int
}

func (r *recorder) Update(s model.MetricSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.order == nil {
		r.order = map[string][]float64{}
	}
	r.order[s.EntityKey] = append(r.order[s.EntityKey], s.Value)
}

func (r *recorder) PublishSample(s model.MetricSample) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
}

type panickyEvaluator struct{}

func (panickyEvaluator) Evaluate(ctx context.Context, s model.MetricSample) []*model.Alert {
	panic("evaluator bug")
}

func TestService_FansOutInOrderPerEntity(t *testing.T) {
	q := &fakeQueue{capacity: 1000}
	agg := &recorder{}
	svc := New(Deps{Store: q, Aggregator: agg, Hub: agg, Evaluator: panickyEvaluator{}, Recorder: telemetry.NewRecorder()},
		Options{Workers: 4, QueueSize: 200})
	svc.Start(context.Background())

	var samples []model.MetricSample
	for i := 0; i < 50; i++ {
		for _, e := range []string{"reviewer", "component-developer", "planner"} {
			samples = append(samples, model.MetricSample{MetricType: "agent_response_time", EntityKey: e, Timestamp: time.Now(), Value: float64(i)})
		}
	}
	require.NoError(t, svc.Admit(samples))
	svc.Stop()

	assert.Len(t, q.samples, 150)
	assert.Equal(t, 150, agg.calls)
	for _, e := range []string{"reviewer", "component-developer", "planner"} {
		got := agg.order[e]
		require.Len(t, got, 50, e)
		for i, v := range got {
			assert.Equal(t, float64(i), v, e)
		}
	}
}

func TestService_AdmitIsAllOrNothing(t *testing.T) {
	q := &fakeQueue{capacity: 3}
	rec := telemetry.NewRecorder()
	svc := New(Deps{Store: q, Recorder: rec}, Options{Workers: 1, QueueSize: 10})

	mk := func(n int) []model.MetricSample {
		out := make([]model.MetricSample, n)
		for i := range out {
			out[i] = model.MetricSample{MetricType: "app_error_rate", EntityKey: "api", Value: 1}
		}
		return out
	}
	require.NoError(t, svc.Admit(mk(2)))
	err := svc.Admit(mk(2))
	assert.True(t, errors.Is(err, model.ErrOverloaded))
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 2, svc.Depth())

	// Worker shard full while the store queue still has room.
	q.capacity = 100
	err = svc.Admit(mk(9))
	assert.True(t, errors.Is(err, model.ErrOverloaded))
	assert.Equal(t, 2, q.Len())
	require.NoError(t, svc.Admit(mk(8)))
	assert.Equal(t, 10, svc.Depth())
	assert.Equal(t, 10, svc.Capacity())
}

func TestService_Submit(t *testing.T) {
	q := &fakeQueue{capacity: 10}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := New(Deps{Store: q}, Options{Workers: 2, QueueSize: 10, Now: func() time.Time { return now }})

	n, err := svc.Submit(KindAgent, []byte(`{"agentType":"component-developer","metrics":{"responseTime":6000}}`))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, now, q.samples[0].Timestamp)

	_, err = svc.Submit(KindAgent, []byte(`{"agentType":"component-developer","metrics":{"nope":1}}`))
	assert.True(t, model.IsValidation(err))
	assert.Equal(t, 1, q.Len())
}

func TestService_AdmitAfterStop(t *testing.T) {
	svc := New(Deps{}, Options{Workers: 1, QueueSize: 1})
	svc.Start(context.Background())
	svc.Stop()
	err := svc.Admit([]model.MetricSample{{MetricType: "x", EntityKey: "y"}})
	assert.True(t, errors.Is(err, model.ErrOverloaded))
}
