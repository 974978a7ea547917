package aggregator

import (
	"sort"
	"sync"
	"time"

	"github.com/qiniu/perfpulse/internal/pipeline/model"
	"github.com/qiniu/perfpulse/internal/pipeline/service/tsdb"
	"github.com/qiniu/perfpulse/internal/pipeline/telemetry"
)

type Options struct {
	Window    time.Duration // rolling window, default 5m
	MaxValues int           // per series, default 1024
	Health    Thresholds
	Now       func() time.Time
}

func (o *Options) normalize() {
	if o.Window <= 0 {
		o.Window = 5 * time.Minute
	}
	if o.MaxValues <= 0 {
		o.MaxValues = 1024
	}
	o.Health.normalize()
	if o.Now == nil {
		o.Now = time.Now
	}
}

type key struct {
	metricType string
	entityKey  string
}

type point struct {
	at    time.Time
	value float64
}

type series struct {
	latest model.MetricSample
	points []point
}

// trim drops points received before cutoff and keeps at most max of the rest.
func (s *series) trim(cutoff time.Time, max int) {
	i := 0
	for i < len(s.points) && s.points[i].at.Before(cutoff) {
		i++
	}
	if n := len(s.points) - i; n > max {
		i = len(s.points) - max
	}
	if i > 0 {
		s.points = append(s.points[:0], s.points[i:]...)
	}
}

// Aggregator holds the latest sample and a rolling window per
// (metricType, entityKey). Nothing here is persisted.
type Aggregator struct {
	opts  Options
	rec   *telemetry.Recorder
	queue QueueStats

	mu     sync.RWMutex
	series map[key]*series

	healthMu    sync.Mutex
	lastDropped int64
	lastDropAt  time.Time
}

func New(opts Options, rec *telemetry.Recorder) *Aggregator {
	opts.normalize()
	return &Aggregator{opts: opts, rec: rec, series: map[key]*series{}}
}

// Update folds one sample in. A sample older than the current latest still
// joins the window but does not replace the latest value.
func (a *Aggregator) Update(s model.MetricSample) {
	now := a.opts.Now()
	k := key{metricType: s.MetricType, entityKey: s.EntityKey}

	a.mu.Lock()
	defer a.mu.Unlock()
	sr, ok := a.series[k]
	if !ok {
		sr = &series{latest: s}
		a.series[k] = sr
	} else if !s.Timestamp.Before(sr.latest.Timestamp) {
		sr.latest = s
	}
	sr.points = append(sr.points, point{at: now, value: s.Value})
	sr.trim(now.Add(-a.opts.Window), a.opts.MaxValues)
}

// Latest returns the status of one series in O(1).
func (a *Aggregator) Latest(metricType, entityKey string) (model.AgentStatus, bool) {
	cutoff := a.opts.Now().Add(-a.opts.Window)
	a.mu.RLock()
	defer a.mu.RUnlock()
	sr, ok := a.series[key{metricType: metricType, entityKey: entityKey}]
	if !ok {
		return model.AgentStatus{}, false
	}
	return status(sr, cutoff), true
}

// Snapshot returns every series ordered by metric type, then entity key.
func (a *Aggregator) Snapshot() []model.AgentStatus {
	cutoff := a.opts.Now().Add(-a.opts.Window)
	a.mu.RLock()
	out := make([]model.AgentStatus, 0, len(a.series))
	for _, sr := range a.series {
		out = append(out, status(sr, cutoff))
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].MetricType != out[j].MetricType {
			return out[i].MetricType < out[j].MetricType
		}
		return out[i].EntityKey < out[j].EntityKey
	})
	return out
}

func status(sr *series, cutoff time.Time) model.AgentStatus {
	values := make([]float64, 0, len(sr.points))
	for _, p := range sr.points {
		if !p.at.Before(cutoff) {
			values = append(values, p.value)
		}
	}
	st := model.AgentStatus{
		MetricType: sr.latest.MetricType,
		EntityKey:  sr.latest.EntityKey,
		Value:      sr.latest.Value,
		Timestamp:  sr.latest.Timestamp,
		Tags:       sr.latest.Tags,
	}
	if len(values) > 0 {
		w := tsdb.Summarize(values)
		st.Window = &w
	}
	return st
}
