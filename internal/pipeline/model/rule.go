package model

import "time"

// Condition is the comparison applied between a sample value and a rule threshold.
type Condition string

const (
	ConditionGreaterThan Condition = "greater_than"
	ConditionLessThan    Condition = "less_than"
	ConditionEquals      Condition = "equals"
	ConditionNotEquals   Condition = "not_equals"
)

// Valid reports whether c is one of the four supported conditions.
func (c Condition) Valid() bool {
	switch c {
	case ConditionGreaterThan, ConditionLessThan, ConditionEquals, ConditionNotEquals:
		return true
	}
	return false
}

// Evaluate applies the condition to value and threshold. Unknown conditions never match.
func (c Condition) Evaluate(value, threshold float64) bool {
	switch c {
	case ConditionGreaterThan:
		return value > threshold
	case ConditionLessThan:
		return value < threshold
	case ConditionEquals:
		return value == threshold
	case ConditionNotEquals:
		return value != threshold
	}
	return false
}

// Severity of a rule and of the alerts it produces.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}

// AlertRule describes when a sample should raise an alert. The evaluator only
// reads rules; they change through the rule management API.
type AlertRule struct {
	ID                   string            `json:"ruleId" yaml:"ruleId"`
	Name                 string            `json:"name" yaml:"name" validate:"required,max=255"`
	Enabled              bool              `json:"enabled" yaml:"enabled"`
	MetricType           string            `json:"metricType" yaml:"metricType" validate:"required,max=128"`
	EntityScope          string            `json:"entityScope,omitempty" yaml:"entityScope,omitempty"`
	Condition            Condition         `json:"condition" yaml:"condition" validate:"required"`
	Threshold            float64           `json:"threshold" yaml:"threshold"`
	CooldownSeconds      int               `json:"cooldownSeconds" yaml:"cooldownSeconds" validate:"gte=0"`
	Severity             Severity          `json:"severity" yaml:"severity" validate:"required"`
	NotificationChannels []string          `json:"notificationChannels" yaml:"notificationChannels"`
	Metadata             map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt            time.Time         `json:"createdAt" yaml:"-"`
	UpdatedAt            time.Time         `json:"updatedAt" yaml:"-"`
}

// Matches reports whether the rule applies to a sample of the given series.
// An empty EntityScope matches every entity.
func (r *AlertRule) Matches(metricType, entityKey string) bool {
	if r == nil || !r.Enabled || r.MetricType != metricType {
		return false
	}
	return r.EntityScope == "" || r.EntityScope == entityKey
}

// Cooldown returns the rule's minimum interval between two firings for one entity.
func (r *AlertRule) Cooldown() time.Duration {
	return time.Duration(r.CooldownSeconds) * time.Second
}
