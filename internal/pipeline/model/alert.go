package model

import "time"

// Alert is one firing of a rule for one entity. A later breach after the
// cooldown creates a new Alert rather than mutating this one.
type Alert struct {
	ID             string          `json:"alertId"`
	RuleID         string          `json:"ruleId"`
	RuleName       string          `json:"ruleName"`
	Severity       Severity        `json:"severity"`
	MetricType     string          `json:"metricType"`
	EntityKey      string          `json:"entityKey"`
	Condition      Condition       `json:"condition"`
	CurrentValue   float64         `json:"currentValue"`
	Threshold      float64         `json:"threshold"`
	FiredAt        time.Time       `json:"firedAt"`
	Acknowledged   bool            `json:"acknowledged"`
	AcknowledgedAt *time.Time      `json:"acknowledgedAt,omitempty"`
	Resolved       bool            `json:"resolved"`
	ResolvedAt     *time.Time      `json:"resolvedAt,omitempty"`
	Notifications  []ChannelStatus `json:"notifications,omitempty"`
}

// ChannelStatus records the outcome of one notification attempt.
type ChannelStatus struct {
	Channel  string    `json:"channel"`
	Notified bool      `json:"notified"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// AlertFilter narrows ListActive results. Nil fields do not filter.
type AlertFilter struct {
	Severity     Severity
	Acknowledged *bool
	Limit        int
}

// Accept reports whether an unresolved alert passes the filter.
func (f AlertFilter) Accept(a *Alert) bool {
	if a == nil || a.Resolved {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.Acknowledged != nil && a.Acknowledged != *f.Acknowledged {
		return false
	}
	return true
}
