package model

import (
	"fmt"
	"time"

	promModel "github.com/prometheus/common/model"
)

// AggregatedBucket is a derived, read-only summary of the raw samples of one
// series within [BucketStart, BucketStart+size).
type AggregatedBucket struct {
	BucketStart time.Time `json:"bucketStart"`
	MetricType  string    `json:"metricType"`
	EntityKey   string    `json:"entityKey"`
	Avg         float64   `json:"avg"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	P50         float64   `json:"p50"`
	P95         float64   `json:"p95"`
	P99         float64   `json:"p99"`
	Count       int64     `json:"count"`
}

// Aggregations lists the bucket sizes accepted by range queries.
var Aggregations = []string{"1m", "5m", "15m", "1h", "6h", "24h", "7d", "30d"}

// ParseAggregation validates an aggregation name and returns its bucket size.
func ParseAggregation(s string) (time.Duration, error) {
	for _, a := range Aggregations {
		if a == s {
			return ParseDuration(s)
		}
	}
	return 0, &ValidationError{Field: "aggregation", Message: fmt.Sprintf("unsupported aggregation %q", s)}
}

// ParseDuration accepts Go durations plus the day/week/year units used in
// retention settings ("90d", "7d").
func ParseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	d, err := promModel.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(d), nil
}

// Query selects raw samples or, when Aggregation is set, buckets.
type Query struct {
	MetricType  string
	EntityKey   string
	Start       time.Time
	End         time.Time // exclusive
	Limit       int
	Aggregation time.Duration
}

// QueryResult carries either Samples or Buckets depending on the query.
type QueryResult struct {
	Samples []MetricSample     `json:"samples,omitempty"`
	Buckets []AggregatedBucket `json:"buckets,omitempty"`
}
