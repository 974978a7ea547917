package model

import "time"

// HealthState is the tri-state health of a component or of the whole system.
type HealthState string

const (
	Healthy   HealthState = "healthy"
	Degraded  HealthState = "degraded"
	Unhealthy HealthState = "unhealthy"
)

func (s HealthState) rank() int {
	switch s {
	case Unhealthy:
		return 2
	case Degraded:
		return 1
	}
	return 0
}

// Worse returns the more severe of the two states.
func Worse(a, b HealthState) HealthState {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// ComponentHealth is the state of one pipeline component.
type ComponentHealth struct {
	Status  HealthState `json:"status"`
	Value   float64     `json:"value"`
	Message string      `json:"message,omitempty"`
}

// SystemHealth is regenerated on demand or on an interval; never persisted.
type SystemHealth struct {
	Status     HealthState                `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentHealth `json:"components"`
}
