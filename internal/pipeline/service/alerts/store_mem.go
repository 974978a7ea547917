package alerts

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/qiniu/perfpulse/internal/pipeline/model"
)

type MemStore struct {
	mu     sync.RWMutex
	alerts map[string]*model.Alert
}

func NewMemStore() *MemStore {
	return &MemStore{alerts: map[string]*model.Alert{}}
}

func (s *MemStore) Create(ctx context.Context, a *model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.alerts[a.ID]; exists {
		return &model.ValidationError{Field: "alertId", Message: "already exists"}
	}
	s.alerts[a.ID] = cloneAlert(a)
	return nil
}

func (s *MemStore) Get(ctx context.Context, id string) (*model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, &model.NotFoundError{Kind: "alert", ID: id}
	}
	return cloneAlert(a), nil
}

// ListActive returns unresolved alerts matching f, newest first.
func (s *MemStore) ListActive(ctx context.Context, f model.AlertFilter) ([]*model.Alert, error) {
	s.mu.RLock()
	out := make([]*model.Alert, 0)
	for _, a := range s.alerts {
		if f.Accept(a) {
			out = append(out, cloneAlert(a))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].FiredAt.Equal(out[j].FiredAt) {
			return out[i].FiredAt.After(out[j].FiredAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemStore) Acknowledge(ctx context.Context, id string, at time.Time) (*model.Alert, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, false, &model.NotFoundError{Kind: "alert", ID: id}
	}
	if a.Acknowledged {
		return cloneAlert(a), false, nil
	}
	a.Acknowledged = true
	a.AcknowledgedAt = &at
	return cloneAlert(a), true, nil
}

func (s *MemStore) Resolve(ctx context.Context, id string, at time.Time) (*model.Alert, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, false, &model.NotFoundError{Kind: "alert", ID: id}
	}
	if a.Resolved {
		return cloneAlert(a), false, nil
	}
	a.Resolved = true
	a.ResolvedAt = &at
	return cloneAlert(a), true, nil
}

// RecordNotifications upserts channel statuses by channel name.
func (s *MemStore) RecordNotifications(ctx context.Context, id string, statuses []model.ChannelStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return &model.NotFoundError{Kind: "alert", ID: id}
	}
	for _, st := range statuses {
		replaced := false
		for i := range a.Notifications {
			if a.Notifications[i].Channel == st.Channel {
				a.Notifications[i] = st
				replaced = true
				break
			}
		}
		if !replaced {
			a.Notifications = append(a.Notifications, st)
		}
	}
	return nil
}
