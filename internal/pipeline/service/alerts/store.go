package alerts

import (
	"context"
	"time"

	"github.com/qiniu/perfpulse/internal/pipeline/model"
)

// Store persists alerts. Acknowledge and Resolve report whether the call
// changed anything so callers can emit events exactly once.
type Store interface {
	Create(ctx context.Context, a *model.Alert) error
	Get(ctx context.Context, id string) (*model.Alert, error)
	ListActive(ctx context.Context, f model.AlertFilter) ([]*model.Alert, error)
	Acknowledge(ctx context.Context, id string, at time.Time) (*model.Alert, bool, error)
	Resolve(ctx context.Context, id string, at time.Time) (*model.Alert, bool, error)
	RecordNotifications(ctx context.Context, id string, statuses []model.ChannelStatus) error
}

func cloneAlert(a *model.Alert) *model.Alert {
	if a == nil {
		return nil
	}
	c := *a
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		c.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		c.ResolvedAt = &t
	}
	if a.Notifications != nil {
		c.Notifications = append([]model.ChannelStatus(nil), a.Notifications...)
	}
	return &c
}
