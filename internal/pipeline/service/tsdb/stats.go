package tsdb

import (
	"sort"
	"time"

	"github.com/qiniu/perfpulse/internal/pipeline/model"
)

// Percentile interpolates linearly between the closest ranks of an ascending
// slice, matching PostgreSQL percentile_cont. p is in [0,1].
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[n-1]
	}
	pos := p * float64(n-1)
	lo := int(pos)
	if lo+1 >= n {
		return sorted[n-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

// Summarize computes the rolling statistics of values. values is not modified.
func Summarize(values []float64) model.RollingStats {
	if len(values) == 0 {
		return model.RollingStats{}
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return model.RollingStats{
		Count: len(sorted),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Avg:   sum / float64(len(sorted)),
		P50:   Percentile(sorted, 0.50),
		P95:   Percentile(sorted, 0.95),
		P99:   Percentile(sorted, 0.99),
	}
}

// BucketStart floors t to a multiple of size counted from the Unix epoch.
func BucketStart(t time.Time, size time.Duration) time.Time {
	if size <= 0 {
		return t.UTC()
	}
	ns := t.UnixNano()
	rem := ns % int64(size)
	if rem < 0 {
		rem += int64(size)
	}
	return time.Unix(0, ns-rem).UTC()
}

type seriesKey struct {
	metricType string
	entityKey  string
	bucket     int64
}

// Aggregate groups samples into epoch-aligned buckets per entity. The result
// is ordered by bucket start, then entity key.
func Aggregate(samples []model.MetricSample, size time.Duration) []model.AggregatedBucket {
	groups := make(map[seriesKey][]float64)
	for _, s := range samples {
		k := seriesKey{
			metricType: s.MetricType,
			entityKey:  s.EntityKey,
			bucket:     BucketStart(s.Timestamp, size).UnixNano(),
		}
		groups[k] = append(groups[k], s.Value)
	}

	out := make([]model.AggregatedBucket, 0, len(groups))
	for k, values := range groups {
		st := Summarize(values)
		out = append(out, model.AggregatedBucket{
			BucketStart: time.Unix(0, k.bucket).UTC(),
			MetricType:  k.metricType,
			EntityKey:   k.entityKey,
			Avg:         st.Avg,
			Min:         st.Min,
			Max:         st.Max,
			P50:         st.P50,
			P95:         st.P95,
			P99:         st.P99,
			Count:       int64(st.Count),
		})
	}
	sortBuckets(out)
	return out
}

// Rebucket merges finer buckets (hourly rollups) into buckets of size.
// Count, min, max and the average are exact; percentiles are the
// count-weighted mean of the source percentiles.
func Rebucket(in []model.AggregatedBucket, size time.Duration) []model.AggregatedBucket {
	type acc struct {
		b    model.AggregatedBucket
		sum  float64
		p50w float64
		p95w float64
		p99w float64
	}
	groups := make(map[seriesKey]*acc)
	for _, b := range in {
		if b.Count <= 0 {
			continue
		}
		start := b.BucketStart
		if size > 0 {
			start = BucketStart(b.BucketStart, size)
		}
		k := seriesKey{metricType: b.MetricType, entityKey: b.EntityKey, bucket: start.UnixNano()}
		a, ok := groups[k]
		if !ok {
			a = &acc{b: model.AggregatedBucket{
				BucketStart: start.UTC(),
				MetricType:  b.MetricType,
				EntityKey:   b.EntityKey,
				Min:         b.Min,
				Max:         b.Max,
			}}
			groups[k] = a
		}
		c := float64(b.Count)
		a.b.Count += b.Count
		a.sum += b.Avg * c
		a.p50w += b.P50 * c
		a.p95w += b.P95 * c
		a.p99w += b.P99 * c
		if b.Min < a.b.Min {
			a.b.Min = b.Min
		}
		if b.Max > a.b.Max {
			a.b.Max = b.Max
		}
	}

	out := make([]model.AggregatedBucket, 0, len(groups))
	for _, a := range groups {
		c := float64(a.b.Count)
		a.b.Avg = a.sum / c
		a.b.P50 = a.p50w / c
		a.b.P95 = a.p95w / c
		a.b.P99 = a.p99w / c
		out = append(out, a.b)
	}
	sortBuckets(out)
	return out
}

func sortBuckets(bs []model.AggregatedBucket) {
	sort.Slice(bs, func(i, j int) bool {
		if !bs[i].BucketStart.Equal(bs[j].BucketStart) {
			return bs[i].BucketStart.Before(bs[j].BucketStart)
		}
		if bs[i].MetricType != bs[j].MetricType {
			return bs[i].MetricType < bs[j].MetricType
		}
		return bs[i].EntityKey < bs[j].EntityKey
	})
}
