package hub

import (
	"context"
	"sync"

	"github.com/qiniu/perfpulse/internal/pipeline/model"
	"github.com/qiniu/perfpulse/internal/pipeline/telemetry"
	"github.com/rs/zerolog/log"
)

// SnapshotFunc builds the initial_data payload for a new subscriber.
type SnapshotFunc func(ctx context.Context) InitialData

// Subscriber receives hub messages on a bounded channel. The channel is
// closed when the subscriber falls behind or unsubscribes.
type Subscriber struct {
	hub     *Hub
	id      uint64
	ch      chan Message
	ready   bool
	backlog []Message
	closed  bool
	evicted bool
}

func (s *Subscriber) C() <-chan Message { return s.ch }

// Evicted reports whether the hub dropped the subscriber for overflowing.
func (s *Subscriber) Evicted() bool {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.evicted
}

// Hub fans messages out to subscribers without ever blocking the publisher.
type Hub struct {
	bufSize  int
	snapshot SnapshotFunc
	rec      *telemetry.Recorder

	mu     sync.Mutex
	subs   map[uint64]*Subscriber
	nextID uint64
	taps   []func(Message)
}

func New(bufSize int, snapshot SnapshotFunc, rec *telemetry.Recorder) *Hub {
	if bufSize <= 0 {
		bufSize = 256
	}
	if snapshot == nil {
		snapshot = func(context.Context) InitialData { return InitialData{} }
	}
	return &Hub{bufSize: bufSize, snapshot: snapshot, rec: rec, subs: map[uint64]*Subscriber{}}
}

// SetSnapshot replaces the initial_data source. It exists so the hub can be
// built before the components it snapshots.
func (h *Hub) SetSnapshot(fn SnapshotFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if fn != nil {
		h.snapshot = fn
	}
}

// Tap registers fn to observe every published message. fn runs on the
// publisher's goroutine and must not block.
func (h *Hub) Tap(fn func(Message)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.taps = append(h.taps, fn)
}

// Subscribe registers a subscriber whose first message is initial_data.
// Messages published while the snapshot is built are queued behind it, so
// nothing published after Subscribe returns is missed.
func (h *Hub) Subscribe(ctx context.Context) *Subscriber {
	h.mu.Lock()
	h.nextID++
	sub := &Subscriber{hub: h, id: h.nextID, ch: make(chan Message, h.bufSize)}
	h.subs[sub.id] = sub
	snapshot := h.snapshot
	h.mu.Unlock()
	h.rec.SubscriberAdded()

	initial := snapshot(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return sub
	}
	sub.ch <- initial
	for _, m := range sub.backlog {
		select {
		case sub.ch <- m:
		default:
			h.evictLocked(sub)
			return sub
		}
	}
	sub.backlog = nil
	sub.ready = true
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	delete(h.subs, sub.id)
	close(sub.ch)
	h.rec.SubscriberRemoved(false)
}

// evictLocked drops a subscriber whose buffer overflowed.
func (h *Hub) evictLocked(sub *Subscriber) {
	if sub.closed {
		return
	}
	sub.closed = true
	sub.evicted = true
	sub.backlog = nil
	delete(h.subs, sub.id)
	close(sub.ch)
	h.rec.SubscriberRemoved(true)
	log.Warn().Uint64("subscriber", sub.id).Msg("hub subscriber evicted, buffer full")
}

// Publish delivers m to every subscriber. Full subscribers are evicted.
func (h *Hub) Publish(m Message) {
	h.mu.Lock()
	for _, sub := range h.subs {
		if !sub.ready {
			if len(sub.backlog) >= h.bufSize-1 {
				h.evictLocked(sub)
				continue
			}
			sub.backlog = append(sub.backlog, m)
			continue
		}
		select {
		case sub.ch <- m:
		default:
			h.evictLocked(sub)
		}
	}
	taps := h.taps
	h.mu.Unlock()

	for _, tap := range taps {
		tap(m)
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close drops every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		sub.closed = true
		delete(h.subs, sub.id)
		close(sub.ch)
		h.rec.SubscriberRemoved(false)
	}
}

func (h *Hub) PublishSample(s model.MetricSample) { h.Publish(Sample{MetricSample: s}) }

func (h *Hub) AlertCreated(a *model.Alert) { h.Publish(AlertCreated{Alert: a}) }

func (h *Hub) AlertResolved(a *model.Alert) { h.Publish(AlertResolved{Alert: a}) }

func (h *Hub) HealthUpdate(s model.SystemHealth) { h.Publish(HealthUpdate{Health: s}) }
