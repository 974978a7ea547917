package ruleset

import (
	"context"
	"sort"
	"sync"

	"github.com/qiniu/perfpulse/internal/pipeline/model"
)

// MemStore keeps rules in process memory. It backs single-node deployments
// without PostgreSQL and the tests.
type MemStore struct {
	mu    sync.RWMutex
	rules map[string]*model.AlertRule
}

func NewMemStore() *MemStore {
	return &MemStore{rules: map[string]*model.AlertRule{}}
}

func (s *MemStore) CreateRule(ctx context.Context, r *model.AlertRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rules[r.ID]; exists {
		return &model.ValidationError{Field: "ruleId", Message: "already exists"}
	}
	s.rules[r.ID] = cloneRule(r)
	return nil
}

func (s *MemStore) GetRule(ctx context.Context, id string) (*model.AlertRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, &model.NotFoundError{Kind: "rule", ID: id}
	}
	return cloneRule(r), nil
}

func (s *MemStore) UpdateRule(ctx context.Context, r *model.AlertRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[r.ID]; !ok {
		return &model.NotFoundError{Kind: "rule", ID: r.ID}
	}
	s.rules[r.ID] = cloneRule(r)
	return nil
}

func (s *MemStore) DeleteRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return &model.NotFoundError{Kind: "rule", ID: id}
	}
	delete(s.rules, id)
	return nil
}

func (s *MemStore) ListRules(ctx context.Context) ([]*model.AlertRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.AlertRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, cloneRule(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
