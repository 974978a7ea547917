package tsdb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/qiniu/perfpulse/internal/pipeline/model"
	"github.com/rs/zerolog/log"
)

var sampleColumns = []string{"time", "metric_type", "entity_key", "value", "tags"}

// PgStore keeps samples in TimescaleDB hypertables, one per category.
type PgStore struct {
	pool *pgxpool.Pool
	opts Options
}

// NewPgStore connects a pool and verifies it with a ping.
func NewPgStore(ctx context.Context, dsn string, opts Options) (*PgStore, error) {
	opts.normalize()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping timescaledb: %w", err)
	}
	return &PgStore{pool: pool, opts: opts}, nil
}

// Write copies every category of the batch inside one transaction, so a failed
// batch leaves nothing behind for the writer's retry to duplicate.
func (s *PgStore) Write(ctx context.Context, samples []model.MetricSample) error {
	byCat := make(map[model.Category][]model.MetricSample)
	for _, smp := range samples {
		c := model.CategoryOf(smp.MetricType)
		byCat[c] = append(byCat[c], smp)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, c := range model.AllCategories {
			batch, ok := byCat[c]
			if !ok {
				continue
			}
			rows := make([][]any, 0, len(batch))
			for _, smp := range batch {
				tags := smp.Tags
				if tags == nil {
					tags = map[string]string{}
				}
				rows = append(rows, []any{smp.Timestamp.UTC(), smp.MetricType, smp.EntityKey, smp.Value, tags})
			}
			if _, err := tx.CopyFrom(ctx, pgx.Identifier{string(c)}, sampleColumns, pgx.CopyFromRows(rows)); err != nil {
				return &model.StoreError{Op: "write " + string(c), Err: err}
			}
		}
		return nil
	})
}

func (s *PgStore) Query(ctx context.Context, q model.Query) (*model.QueryResult, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}
	end := q.End
	if end.IsZero() {
		end = s.opts.Now().Add(time.Nanosecond)
	}
	table := string(model.CategoryOf(q.MetricType))
	boundary := rollupBoundary(s.opts.Now().Add(-s.opts.Retention))

	var buckets []model.AggregatedBucket
	rawStart := q.Start
	if q.Start.Before(boundary) {
		rollEnd := boundary
		if end.Before(rollEnd) {
			rollEnd = end
		}
		rb, err := s.queryRollups(ctx, table, q, q.Start, rollEnd)
		if err != nil {
			return nil, err
		}
		buckets = rb
		rawStart = boundary
	}
	if !rawStart.Before(end) {
		return &model.QueryResult{Buckets: buckets}, nil
	}

	if q.Aggregation > 0 {
		raw, err := s.queryBuckets(ctx, table, q, rawStart, end)
		if err != nil {
			return nil, err
		}
		return &model.QueryResult{Buckets: mergeBuckets(buckets, raw, q.Aggregation)}, nil
	}

	samples, err := s.querySamples(ctx, table, q, rawStart, end)
	if err != nil {
		return nil, err
	}
	return &model.QueryResult{Samples: samples, Buckets: buckets}, nil
}

func (s *PgStore) querySamples(ctx context.Context, table string, q model.Query, start, end time.Time) ([]model.MetricSample, error) {
	var limit any
	if q.Limit > 0 {
		limit = q.Limit
	}
	sql := fmt.Sprintf(`
	SELECT time, metric_type, entity_key, value, tags
	FROM %s
	WHERE metric_type = $1 AND ($2 = '' OR entity_key = $2) AND time >= $3 AND time < $4
	ORDER BY time DESC
	LIMIT $5`, pgx.Identifier{table}.Sanitize())
	rows, err := s.pool.Query(ctx, sql, q.MetricType, q.EntityKey, start, end, limit)
	if err != nil {
		return nil, &model.StoreError{Op: "query", Err: err}
	}
	defer rows.Close()

	var out []model.MetricSample
	for rows.Next() {
		var smp model.MetricSample
		var tags []byte
		if err := rows.Scan(&smp.Timestamp, &smp.MetricType, &smp.EntityKey, &smp.Value, &tags); err != nil {
			return nil, &model.StoreError{Op: "scan sample", Err: err}
		}
		smp.Timestamp = smp.Timestamp.UTC()
		if len(tags) > 0 {
			_ = json.Unmarshal(tags, &smp.Tags)
			if len(smp.Tags) == 0 {
				smp.Tags = nil
			}
		}
		out = append(out, smp)
	}
	if err := rows.Err(); err != nil {
		return nil, &model.StoreError{Op: "query", Err: err}
	}
	// newest first from SQL; callers expect ascending time
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *PgStore) queryBuckets(ctx context.Context, table string, q model.Query, start, end time.Time) ([]model.AggregatedBucket, error) {
	sql := fmt.Sprintf(`
	SELECT time_bucket($1::interval, time, 'epoch'::timestamptz) AS bucket, entity_key,
		avg(value), min(value), max(value),
		percentile_cont(0.5) WITHIN GROUP (ORDER BY value),
		percentile_cont(0.95) WITHIN GROUP (ORDER BY value),
		percentile_cont(0.99) WITHIN GROUP (ORDER BY value),
		count(*)
	FROM %s
	WHERE metric_type = $2 AND ($3 = '' OR entity_key = $3) AND time >= $4 AND time < $5
	GROUP BY bucket, entity_key
	ORDER BY bucket, entity_key`, pgx.Identifier{table}.Sanitize())
	rows, err := s.pool.Query(ctx, sql, q.Aggregation, q.MetricType, q.EntityKey, start, end)
	if err != nil {
		return nil, &model.StoreError{Op: "aggregate", Err: err}
	}
	return scanBuckets(rows, q.MetricType)
}

func (s *PgStore) queryRollups(ctx context.Context, table string, q model.Query, start, end time.Time) ([]model.AggregatedBucket, error) {
	sql := fmt.Sprintf(`
	SELECT bucket, entity_key, avg, min, max, p50, p95, p99, count
	FROM %s
	WHERE metric_type = $1 AND ($2 = '' OR entity_key = $2) AND bucket >= $3 AND bucket < $4
	ORDER BY bucket, entity_key`, pgx.Identifier{table + "_hourly"}.Sanitize())
	rows, err := s.pool.Query(ctx, sql, q.MetricType, q.EntityKey, BucketStart(start, time.Hour), end)
	if err != nil {
		return nil, &model.StoreError{Op: "query rollups", Err: err}
	}
	hourly, err := scanBuckets(rows, q.MetricType)
	if err != nil {
		return nil, err
	}
	return Rebucket(hourly, q.Aggregation), nil
}

func scanBuckets(rows pgx.Rows, metricType string) ([]model.AggregatedBucket, error) {
	defer rows.Close()
	var out []model.AggregatedBucket
	for rows.Next() {
		b := model.AggregatedBucket{MetricType: metricType}
		if err := rows.Scan(&b.BucketStart, &b.EntityKey, &b.Avg, &b.Min, &b.Max, &b.P50, &b.P95, &b.P99, &b.Count); err != nil {
			return nil, &model.StoreError{Op: "scan bucket", Err: err}
		}
		b.BucketStart = b.BucketStart.UTC()
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, &model.StoreError{Op: "scan bucket", Err: err}
	}
	return out, nil
}

// ApplyRetention drops whole chunks with drop_chunks, then deletes the rows of
// the boundary chunk that fall before cutoff.
func (s *PgStore) ApplyRetention(ctx context.Context, cutoff time.Time) (int, error) {
	dropped := 0
	for _, c := range model.AllCategories {
		var n int
		err := s.pool.QueryRow(ctx,
			`SELECT count(*) FROM drop_chunks($1::regclass, older_than => $2::timestamptz)`,
			string(c), cutoff).Scan(&n)
		if err != nil {
			return dropped, &model.StoreError{Op: "drop_chunks " + string(c), Err: err}
		}
		dropped += n
		sql := fmt.Sprintf(`DELETE FROM %s WHERE time < $1`, pgx.Identifier{string(c)}.Sanitize())
		if _, err := s.pool.Exec(ctx, sql, cutoff); err != nil {
			return dropped, &model.StoreError{Op: "retention " + string(c), Err: err}
		}
	}
	return dropped, nil
}

func (s *PgStore) PruneRollups(ctx context.Context, cutoff time.Time) (int, error) {
	total := 0
	for _, c := range model.AllCategories {
		sql := fmt.Sprintf(`DELETE FROM %s WHERE bucket < $1`, pgx.Identifier{string(c) + "_hourly"}.Sanitize())
		tag, err := s.pool.Exec(ctx, sql, cutoff)
		if err != nil {
			return total, &model.StoreError{Op: "prune rollups " + string(c), Err: err}
		}
		total += int(tag.RowsAffected())
	}
	return total, nil
}

func (s *PgStore) Compress(ctx context.Context, olderThan time.Time) (int, error) {
	total := 0
	for _, c := range model.AllCategories {
		var n int
		err := s.pool.QueryRow(ctx, `
		SELECT count(compress_chunk(ch, if_not_compressed => true))
		FROM show_chunks($1::regclass, older_than => $2::timestamptz) ch`,
			string(c), olderThan).Scan(&n)
		if err != nil {
			return total, &model.StoreError{Op: "compress " + string(c), Err: err}
		}
		total += n
	}
	return total, nil
}

func (s *PgStore) Rollup(ctx context.Context, from, to time.Time) error {
	from = BucketStart(from, time.Hour)
	for _, c := range model.AllCategories {
		sql := fmt.Sprintf(`
		INSERT INTO %s (bucket, metric_type, entity_key, avg, min, max, p50, p95, p99, count)
		SELECT time_bucket(INTERVAL '1 hour', time) AS b, metric_type, entity_key,
			avg(value), min(value), max(value),
			percentile_cont(0.5) WITHIN GROUP (ORDER BY value),
			percentile_cont(0.95) WITHIN GROUP (ORDER BY value),
			percentile_cont(0.99) WITHIN GROUP (ORDER BY value),
			count(*)
		FROM %s
		WHERE time >= $1 AND time < $2
		GROUP BY b, metric_type, entity_key
		ON CONFLICT (metric_type, entity_key, bucket) DO UPDATE SET
			avg = EXCLUDED.avg, min = EXCLUDED.min, max = EXCLUDED.max,
			p50 = EXCLUDED.p50, p95 = EXCLUDED.p95, p99 = EXCLUDED.p99,
			count = EXCLUDED.count`,
			pgx.Identifier{string(c) + "_hourly"}.Sanitize(), pgx.Identifier{string(c)}.Sanitize())
		if _, err := s.pool.Exec(ctx, sql, from, to); err != nil {
			return &model.StoreError{Op: "rollup " + string(c), Err: err}
		}
	}
	log.Debug().Time("from", from).Time("to", to).Msg("hourly rollups refreshed")
	return nil
}

func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}
