package alerts

import (
	"context"
	"time"

	"github.com/qiniu/perfpulse/internal/pipeline/model"
	"github.com/rs/zerolog/log"
)

// Events receives alert lifecycle changes made through the Service.
type Events interface {
	AlertResolved(a *model.Alert)
}

// Service wraps a Store with the operator-facing alert actions.
type Service struct {
	store  Store
	events Events
	now    func() time.Time
}

func NewService(store Store, events Events) *Service {
	return &Service{store: store, events: events, now: time.Now}
}

func (s *Service) Store() Store { return s.store }

func (s *Service) Get(ctx context.Context, id string) (*model.Alert, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListActive(ctx context.Context, f model.AlertFilter) ([]*model.Alert, error) {
	return s.store.ListActive(ctx, f)
}

// Acknowledge marks an alert acknowledged. Repeating it is a no-op that
// returns the current state.
func (s *Service) Acknowledge(ctx context.Context, id string) (*model.Alert, error) {
	a, changed, err := s.store.Acknowledge(ctx, id, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if changed {
		log.Info().Str("alertId", id).Str("ruleId", a.RuleID).Msg("alert acknowledged")
	}
	return a, nil
}

// Resolve marks an alert resolved and emits alert_resolved on the first call only.
func (s *Service) Resolve(ctx context.Context, id string) (*model.Alert, error) {
	a, changed, err := s.store.Resolve(ctx, id, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if changed {
		log.Info().Str("alertId", id).Str("ruleId", a.RuleID).Msg("alert resolved")
		if s.events != nil {
			s.events.AlertResolved(a)
		}
	}
	return a, nil
}
