package tsdb

import (
	"context"
	"time"

	"github.com/qiniu/perfpulse/internal/pipeline/model"
)

// Store persists raw samples and serves range queries over them.
type Store interface {
	// Write appends samples. Samples may belong to several categories.
	Write(ctx context.Context, samples []model.MetricSample) error
	// Query returns raw samples, or buckets when q.Aggregation is set. Windows
	// older than the raw retention horizon are answered from hourly rollups.
	Query(ctx context.Context, q model.Query) (*model.QueryResult, error)

	// ApplyRetention removes raw samples older than cutoff and returns how many
	// chunks were dropped.
	ApplyRetention(ctx context.Context, cutoff time.Time) (int, error)
	// PruneRollups removes hourly rollups older than cutoff.
	PruneRollups(ctx context.Context, cutoff time.Time) (int, error)
	// Compress packs chunks that end before olderThan. Compressed data stays queryable.
	Compress(ctx context.Context, olderThan time.Time) (int, error)
	// Rollup recomputes the hourly rollups of every hour overlapping [from, to).
	Rollup(ctx context.Context, from, to time.Time) error

	Close() error
}

// Options shared by the store implementations.
type Options struct {
	// Retention is the raw sample horizon. Queries before now-Retention are
	// served from rollups.
	Retention time.Duration
	Now       func() time.Time
}

func (o *Options) normalize() {
	if o.Retention <= 0 {
		o.Retention = 90 * 24 * time.Hour
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// validateQuery rejects malformed windows before they reach a backend.
func validateQuery(q model.Query) error {
	if q.MetricType == "" {
		return &model.ValidationError{Field: "metricType", Message: "is required"}
	}
	if !q.End.IsZero() && !q.Start.IsZero() && !q.End.After(q.Start) {
		return &model.ValidationError{Field: "endTime", Message: "must be after startTime"}
	}
	if q.Limit < 0 {
		return &model.ValidationError{Field: "limit", Message: "must not be negative"}
	}
	return nil
}

// rollupBoundary is the first hour edge at or after the raw cutoff. Windows
// before it are answered from hourly rollups and windows after it from raw
// samples, so the hour holding the cutoff is never counted twice.
func rollupBoundary(cutoff time.Time) time.Time {
	b := BucketStart(cutoff, time.Hour)
	if b.Before(cutoff) {
		b = b.Add(time.Hour)
	}
	return b
}

// mergeBuckets folds raw buckets into rollup buckets so each series has one
// bucket per start.
func mergeBuckets(rolled, raw []model.AggregatedBucket, size time.Duration) []model.AggregatedBucket {
	if len(rolled) == 0 {
		return raw
	}
	return Rebucket(append(rolled, raw...), size)
}

// trimLimit keeps the newest limit samples of an ascending slice.
func trimLimit(samples []model.MetricSample, limit int) []model.MetricSample {
	if limit > 0 && len(samples) > limit {
		return samples[len(samples)-limit:]
	}
	return samples
}
