package tsdb

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/qiniu/perfpulse/internal/pipeline/model"
	"github.com/rs/zerolog/log"
)

const chunkSpan = 24 * time.Hour

// chunk holds one day of samples. Exactly one of rows and packed is in use.
type chunk struct {
	day    int64
	rows   []model.MetricSample
	packed []byte
	n      int
}

func (c *chunk) start() time.Time { return time.Unix(c.day*int64(chunkSpan/time.Second), 0).UTC() }
func (c *chunk) end() time.Time   { return c.start().Add(chunkSpan) }

func (c *chunk) read() ([]model.MetricSample, error) {
	if c.packed == nil {
		return c.rows, nil
	}
	return unpack(c.packed)
}

type partition struct {
	mu     sync.RWMutex
	chunks map[int64]*chunk
}

type rollupKey struct {
	metricType string
	entityKey  string
	hour       int64
}

// MemStore keeps samples in memory, partitioned per category into daily
// chunks. It mirrors the hypertable layout of PgStore.
type MemStore struct {
	opts       Options
	partitions map[model.Category]*partition

	rollupMu sync.RWMutex
	rollups  map[rollupKey]model.AggregatedBucket

	cutoffMu sync.RWMutex
	cutoff   time.Time
}

func NewMemStore(opts Options) *MemStore {
	opts.normalize()
	s := &MemStore{
		opts:       opts,
		partitions: make(map[model.Category]*partition, len(model.AllCategories)),
		rollups:    make(map[rollupKey]model.AggregatedBucket),
	}
	for _, c := range model.AllCategories {
		s.partitions[c] = &partition{chunks: make(map[int64]*chunk)}
	}
	return s
}

func dayOf(t time.Time) int64 {
	return BucketStart(t, chunkSpan).Unix() / int64(chunkSpan/time.Second)
}

func (s *MemStore) Write(ctx context.Context, samples []model.MetricSample) error {
	byCat := make(map[model.Category][]model.MetricSample)
	for _, smp := range samples {
		c := model.CategoryOf(smp.MetricType)
		byCat[c] = append(byCat[c], smp)
	}
	for c, batch := range byCat {
		p := s.partitions[c]
		p.mu.Lock()
		for _, smp := range batch {
			day := dayOf(smp.Timestamp)
			ch, ok := p.chunks[day]
			if !ok {
				ch = &chunk{day: day}
				p.chunks[day] = ch
			}
			if ch.packed != nil {
				// late sample into a compressed day; it is repacked on the next pass
				rows, err := unpack(ch.packed)
				if err != nil {
					p.mu.Unlock()
					return &model.StoreError{Op: "write", Err: err}
				}
				ch.rows, ch.packed = rows, nil
			}
			ch.rows = append(ch.rows, smp)
			ch.n = len(ch.rows)
		}
		p.mu.Unlock()
	}
	return nil
}

func (s *MemStore) Query(ctx context.Context, q model.Query) (*model.QueryResult, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}
	end := q.End
	if end.IsZero() {
		end = s.opts.Now().Add(time.Nanosecond)
	}
	boundary := rollupBoundary(s.rawCutoff())

	var buckets []model.AggregatedBucket
	rawStart := q.Start
	if q.Start.Before(boundary) {
		rollEnd := boundary
		if end.Before(rollEnd) {
			rollEnd = end
		}
		buckets = Rebucket(s.rollupsIn(q.MetricType, q.EntityKey, q.Start, rollEnd), q.Aggregation)
		rawStart = boundary
	}

	var samples []model.MetricSample
	if rawStart.Before(end) {
		var err error
		samples, err = s.scan(q.MetricType, q.EntityKey, rawStart, end)
		if err != nil {
			return nil, err
		}
	}

	if q.Aggregation > 0 {
		return &model.QueryResult{Buckets: mergeBuckets(buckets, Aggregate(samples, q.Aggregation), q.Aggregation)}, nil
	}
	return &model.QueryResult{Samples: trimLimit(samples, q.Limit), Buckets: buckets}, nil
}

// scan returns matching raw samples in [start, end) ordered by timestamp.
func (s *MemStore) scan(metricType, entityKey string, start, end time.Time) ([]model.MetricSample, error) {
	p := s.partitions[model.CategoryOf(metricType)]
	p.mu.RLock()
	selected := make([]*chunk, 0, len(p.chunks))
	for _, ch := range p.chunks {
		if ch.end().After(start) && ch.start().Before(end) {
			selected = append(selected, ch)
		}
	}
	sort.Slice(selected, func(i, j int) bool { return selected[i].day < selected[j].day })

	var out []model.MetricSample
	for _, ch := range selected {
		rows, err := ch.read()
		if err != nil {
			p.mu.RUnlock()
			return nil, &model.StoreError{Op: "query", Err: err}
		}
		for _, r := range rows {
			if r.MetricType != metricType || (entityKey != "" && r.EntityKey != entityKey) {
				continue
			}
			if r.Timestamp.Before(start) || !r.Timestamp.Before(end) {
				continue
			}
			out = append(out, r)
		}
	}
	p.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemStore) rollupsIn(metricType, entityKey string, start, end time.Time) []model.AggregatedBucket {
	s.rollupMu.RLock()
	defer s.rollupMu.RUnlock()
	var out []model.AggregatedBucket
	for k, b := range s.rollups {
		if k.metricType != metricType || (entityKey != "" && k.entityKey != entityKey) {
			continue
		}
		if b.BucketStart.Before(BucketStart(start, time.Hour)) || !b.BucketStart.Before(end) {
			continue
		}
		out = append(out, b)
	}
	return out
}

// rawCutoff is the oldest instant for which raw samples are still kept.
func (s *MemStore) rawCutoff() time.Time {
	horizon := s.opts.Now().Add(-s.opts.Retention)
	s.cutoffMu.RLock()
	defer s.cutoffMu.RUnlock()
	if s.cutoff.After(horizon) {
		return s.cutoff
	}
	return horizon
}

func (s *MemStore) ApplyRetention(ctx context.Context, cutoff time.Time) (int, error) {
	dropped := 0
	for _, c := range model.AllCategories {
		p := s.partitions[c]
		p.mu.Lock()
		for day, ch := range p.chunks {
			switch {
			case !ch.end().After(cutoff):
				delete(p.chunks, day)
				dropped++
			case ch.start().Before(cutoff):
				rows, err := ch.read()
				if err != nil {
					p.mu.Unlock()
					return dropped, &model.StoreError{Op: "retention", Err: err}
				}
				kept := make([]model.MetricSample, 0, len(rows))
				for _, r := range rows {
					if !r.Timestamp.Before(cutoff) {
						kept = append(kept, r)
					}
				}
				ch.rows, ch.packed, ch.n = kept, nil, len(kept)
			}
		}
		p.mu.Unlock()
	}

	s.cutoffMu.Lock()
	if cutoff.After(s.cutoff) {
		s.cutoff = cutoff
	}
	s.cutoffMu.Unlock()
	return dropped, nil
}

func (s *MemStore) PruneRollups(ctx context.Context, cutoff time.Time) (int, error) {
	s.rollupMu.Lock()
	defer s.rollupMu.Unlock()
	n := 0
	for k, b := range s.rollups {
		if b.BucketStart.Before(cutoff) {
			delete(s.rollups, k)
			n++
		}
	}
	return n, nil
}

// Compress packs whole chunks ending before olderThan. Packing happens
// outside the partition lock; a chunk written to meanwhile is skipped.
func (s *MemStore) Compress(ctx context.Context, olderThan time.Time) (int, error) {
	packed := 0
	for _, c := range model.AllCategories {
		p := s.partitions[c]

		type candidate struct {
			ch   *chunk
			rows []model.MetricSample
		}
		var todo []candidate
		p.mu.RLock()
		for _, ch := range p.chunks {
			if ch.packed == nil && !ch.end().After(olderThan) {
				todo = append(todo, candidate{ch: ch, rows: ch.rows})
			}
		}
		p.mu.RUnlock()

		for _, cand := range todo {
			if err := ctx.Err(); err != nil {
				return packed, err
			}
			data, err := pack(cand.rows)
			if err != nil {
				return packed, &model.StoreError{Op: "compress", Err: err}
			}
			p.mu.Lock()
			if cand.ch.packed == nil && cand.ch.n == len(cand.rows) && p.chunks[cand.ch.day] == cand.ch {
				cand.ch.packed, cand.ch.rows = data, nil
				packed++
			}
			p.mu.Unlock()
		}
	}
	if packed > 0 {
		log.Debug().Int("chunks", packed).Time("olderThan", olderThan).Msg("memstore chunks compressed")
	}
	return packed, nil
}

func (s *MemStore) Rollup(ctx context.Context, from, to time.Time) error {
	from = BucketStart(from, time.Hour)
	fresh := make(map[rollupKey]model.AggregatedBucket)
	for _, c := range model.AllCategories {
		p := s.partitions[c]
		var rows []model.MetricSample
		p.mu.RLock()
		for _, ch := range p.chunks {
			if !(ch.end().After(from) && ch.start().Before(to)) {
				continue
			}
			data, err := ch.read()
			if err != nil {
				p.mu.RUnlock()
				return &model.StoreError{Op: "rollup", Err: err}
			}
			for _, r := range data {
				if !r.Timestamp.Before(from) && r.Timestamp.Before(to) {
					rows = append(rows, r)
				}
			}
		}
		p.mu.RUnlock()

		for _, b := range Aggregate(rows, time.Hour) {
			fresh[rollupKey{metricType: b.MetricType, entityKey: b.EntityKey, hour: b.BucketStart.Unix()}] = b
		}
	}

	s.rollupMu.Lock()
	for k, b := range fresh {
		s.rollups[k] = b
	}
	s.rollupMu.Unlock()
	return nil
}

func (s *MemStore) Close() error { return nil }

func pack(rows []model.MetricSample) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(rows); err != nil {
		return nil, fmt.Errorf("encode chunk: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip chunk: %w", err)
	}
	return buf.Bytes(), nil
}

func unpack(data []byte) ([]model.MetricSample, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open chunk: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("inflate chunk: %w", err)
	}
	var rows []model.MetricSample
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode chunk: %w", err)
	}
	return rows, nil
}
