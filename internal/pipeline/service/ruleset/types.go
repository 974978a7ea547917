package ruleset

import (
	"context"

	"github.com/qiniu/perfpulse/internal/pipeline/model"
)

// RuleInput is a create or full-replace request. Pointer fields distinguish
// "omitted" from a zero value so defaults can be applied.
type RuleInput struct {
	ID                   string            `json:"-" yaml:"ruleId"`
	Name                 string            `json:"name" yaml:"name"`
	Enabled              *bool             `json:"enabled" yaml:"enabled"`
	MetricType           string            `json:"metricType" yaml:"metricType"`
	EntityScope          string            `json:"entityScope" yaml:"entityScope"`
	Condition            model.Condition   `json:"condition" yaml:"condition"`
	Threshold            *float64          `json:"threshold" yaml:"threshold"`
	CooldownSeconds      *int              `json:"cooldownSeconds" yaml:"cooldownSeconds"`
	Severity             model.Severity    `json:"severity" yaml:"severity"`
	NotificationChannels []string          `json:"notificationChannels" yaml:"notificationChannels"`
	Metadata             map[string]string `json:"metadata" yaml:"metadata"`
}

// Store abstracts persistence of alert rules. Get, Update and Delete return a
// *model.NotFoundError for unknown ids.
type Store interface {
	CreateRule(ctx context.Context, r *model.AlertRule) error
	GetRule(ctx context.Context, id string) (*model.AlertRule, error)
	UpdateRule(ctx context.Context, r *model.AlertRule) error
	DeleteRule(ctx context.Context, id string) error
	ListRules(ctx context.Context) ([]*model.AlertRule, error)
}

// Source is the read side the evaluator depends on.
type Source interface {
	// RulesFor returns the enabled rules for a metric type, possibly stale
	// by up to the cache TTL.
	RulesFor(ctx context.Context, metricType string) []*model.AlertRule
	// Current re-reads one rule from the store. It returns nil when the rule
	// no longer exists.
	Current(ctx context.Context, id string) (*model.AlertRule, error)
}

func cloneRule(r *model.AlertRule) *model.AlertRule {
	if r == nil {
		return nil
	}
	c := *r
	if r.NotificationChannels != nil {
		c.NotificationChannels = append([]string(nil), r.NotificationChannels...)
	}
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
