package model

import (
	"strings"
	"time"
)

// MetricSample is a single timestamped observation. Samples are immutable once
// accepted; duplicates are allowed and simply accumulate.
type MetricSample struct {
	MetricType string            `json:"metricType"`
	EntityKey  string            `json:"entityKey"`
	Timestamp  time.Time         `json:"timestamp"`
	Value      float64           `json:"value"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// Category groups metric types into one storage partition (one hypertable each).
type Category string

const (
	CategoryAgent  Category = "agent_metrics"
	CategoryApp    Category = "app_metrics"
	CategoryWeb    Category = "core_web_vitals"
	CategoryBundle Category = "bundle_sizes"
	CategoryCustom Category = "custom_metrics"
)

// AllCategories lists every partition in creation order.
var AllCategories = []Category{CategoryAgent, CategoryApp, CategoryWeb, CategoryBundle, CategoryCustom}

// CategoryOf maps a metric type onto its storage partition by prefix.
func CategoryOf(metricType string) Category {
	switch {
	case strings.HasPrefix(metricType, "agent_"):
		return CategoryAgent
	case strings.HasPrefix(metricType, "app_"):
		return CategoryApp
	case strings.HasPrefix(metricType, "cwv_"):
		return CategoryWeb
	case strings.HasPrefix(metricType, "bundle_"):
		return CategoryBundle
	default:
		return CategoryCustom
	}
}

// AgentStatus is the latest observation for one (metricType, entityKey) pair
// plus rolling statistics over the aggregator window.
type AgentStatus struct {
	MetricType string            `json:"metricType"`
	EntityKey  string            `json:"entityKey"`
	Value      float64           `json:"value"`
	Timestamp  time.Time         `json:"timestamp"`
	Tags       map[string]string `json:"tags,omitempty"`
	Window     *RollingStats     `json:"window,omitempty"`
}

// RollingStats summarizes the recent values of one series.
type RollingStats struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}
