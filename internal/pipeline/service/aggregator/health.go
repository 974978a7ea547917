package aggregator

import (
	"context"
	"fmt"
	"time"

	"github.com/qiniu/perfpulse/internal/pipeline/model"
	"github.com/rs/zerolog/log"
)

// Health component names.
const (
	ComponentStore         = "store"
	ComponentIngestQueue   = "ingest_queue"
	ComponentNotifications = "notifications"
)

// QueueStats exposes the ingestion backlog.
type QueueStats interface {
	Depth() int
	Capacity() int
}

type Thresholds struct {
	StoreLatencyDegradedMs  float64
	StoreLatencyUnhealthyMs float64
	QueueDegradedRatio      float64
	QueueUnhealthyRatio     float64
	NotifyDegradedRate      float64
	NotifyUnhealthyRate     float64
}

func (t *Thresholds) normalize() {
	if t.StoreLatencyDegradedMs <= 0 {
		t.StoreLatencyDegradedMs = 250
	}
	if t.StoreLatencyUnhealthyMs <= 0 {
		t.StoreLatencyUnhealthyMs = 1000
	}
	if t.QueueDegradedRatio <= 0 {
		t.QueueDegradedRatio = 0.7
	}
	if t.QueueUnhealthyRatio <= 0 {
		t.QueueUnhealthyRatio = 0.9
	}
	if t.NotifyDegradedRate <= 0 {
		t.NotifyDegradedRate = 0.1
	}
	if t.NotifyUnhealthyRate <= 0 {
		t.NotifyUnhealthyRate = 0.5
	}
}

func grade(v, degraded, unhealthy float64) model.HealthState {
	switch {
	case v >= unhealthy:
		return model.Unhealthy
	case v >= degraded:
		return model.Degraded
	}
	return model.Healthy
}

// SetQueue attaches the ingestion queue once it exists.
func (a *Aggregator) SetQueue(q QueueStats) {
	a.mu.Lock()
	a.queue = q
	a.mu.Unlock()
}

// Health computes the current system health. Overall status is the worst component.
func (a *Aggregator) Health() model.SystemHealth {
	th := a.opts.Health
	comps := make(map[string]model.ComponentHealth, 3)

	now := a.opts.Now()
	latency := a.rec.StoreLatencyMs()
	dropped := a.rec.DroppedSamples()
	a.healthMu.Lock()
	if dropped > a.lastDropped {
		a.lastDropped = dropped
		a.lastDropAt = now
	}
	recentDrop := !a.lastDropAt.IsZero() && now.Sub(a.lastDropAt) < a.opts.Window
	a.healthMu.Unlock()
	storeState := grade(latency, th.StoreLatencyDegradedMs, th.StoreLatencyUnhealthyMs)
	if recentDrop {
		storeState = model.Worse(storeState, model.Degraded)
	}
	comps[ComponentStore] = model.ComponentHealth{
		Status:  storeState,
		Value:   latency,
		Message: fmt.Sprintf("write latency %.1fms, %d samples dropped in total", latency, dropped),
	}

	a.mu.RLock()
	q := a.queue
	a.mu.RUnlock()
	var ratio float64
	if q != nil && q.Capacity() > 0 {
		ratio = float64(q.Depth()) / float64(q.Capacity())
	}
	comps[ComponentIngestQueue] = model.ComponentHealth{
		Status:  grade(ratio, th.QueueDegradedRatio, th.QueueUnhealthyRatio),
		Value:   ratio,
		Message: fmt.Sprintf("queue %.0f%% full", ratio*100),
	}

	rate := a.rec.NotificationFailureRate()
	comps[ComponentNotifications] = model.ComponentHealth{
		Status:  grade(rate, th.NotifyDegradedRate, th.NotifyUnhealthyRate),
		Value:   rate,
		Message: fmt.Sprintf("%.0f%% of recent notifications failed", rate*100),
	}

	overall := model.Healthy
	for _, c := range comps {
		overall = model.Worse(overall, c.Status)
	}
	return model.SystemHealth{Status: overall, Timestamp: now.UTC(), Components: comps}
}

func sameStatus(a, b model.SystemHealth) bool {
	if a.Status != b.Status || len(a.Components) != len(b.Components) {
		return false
	}
	for name, c := range a.Components {
		if b.Components[name].Status != c.Status {
			return false
		}
	}
	return true
}

// RunHealth recomputes health every interval and calls publish whenever the
// overall or any component status changed.
func (a *Aggregator) RunHealth(ctx context.Context, interval time.Duration, publish func(model.SystemHealth)) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	last := a.Health()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			cur := a.Health()
			if sameStatus(last, cur) {
				continue
			}
			log.Info().Str("from", string(last.Status)).Str("to", string(cur.Status)).Msg("system health changed")
			last = cur
			if publish != nil {
				publish(cur)
			}
		}
	}
}
