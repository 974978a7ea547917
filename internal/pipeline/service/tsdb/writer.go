package tsdb

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/qiniu/perfpulse/internal/pipeline/model"
	"github.com/qiniu/perfpulse/internal/pipeline/telemetry"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

type WriterOptions struct {
	QueueSize     int
	BatchSize     int
	Retries       int
	Workers       int
	FlushInterval time.Duration
	MinBackoff    time.Duration
	MaxBackoff    time.Duration
}

func (o *WriterOptions) normalize() {
	if o.QueueSize <= 0 {
		o.QueueSize = 8192
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 200 * time.Millisecond
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = 50 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 2 * time.Second
	}
}

// Writer decouples ingestion from storage latency. Samples queue in a bounded
// channel and are persisted in batches; a batch that still fails after the
// configured retries is dropped and counted.
type Writer struct {
	store Store
	opts  WriterOptions
	rec   *telemetry.Recorder
	queue chan model.MetricSample

	mu      sync.Mutex
	wg      conc.WaitGroup
	started bool
}

func NewWriter(store Store, opts WriterOptions, rec *telemetry.Recorder) *Writer {
	opts.normalize()
	return &Writer{
		store: store,
		opts:  opts,
		rec:   rec,
		queue: make(chan model.MetricSample, opts.QueueSize),
	}
}

func (w *Writer) Len() int      { return len(w.queue) }
func (w *Writer) Capacity() int { return cap(w.queue) }

// TryEnqueue admits all samples or none. Callers serialize admission so the
// free-capacity check cannot race with another producer.
func (w *Writer) TryEnqueue(samples []model.MetricSample) bool {
	if len(samples) > cap(w.queue)-len(w.queue) {
		return false
	}
	for _, s := range samples {
		select {
		case w.queue <- s:
		default:
			// only consumers run concurrently, so this cannot happen unless
			// callers skipped the admission lock
			w.rec.StoreDropped(1)
		}
	}
	w.rec.SetQueueDepth("store", len(w.queue))
	return true
}

// Start launches the batch workers. They drain the queue after ctx is cancelled.
func (w *Writer) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	for i := 0; i < w.opts.Workers; i++ {
		w.wg.Go(func() { w.loop(ctx) })
	}
	log.Info().Int("workers", w.opts.Workers).Int("queue", w.opts.QueueSize).Msg("store writer started")
}

// Wait blocks until every worker has flushed and exited.
func (w *Writer) Wait() { w.wg.Wait() }

func (w *Writer) loop(ctx context.Context) {
	batch := make([]model.MetricSample, 0, w.opts.BatchSize)
	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()

	flush := func(fctx context.Context) {
		if len(batch) == 0 {
			return
		}
		w.write(fctx, batch)
		batch = make([]model.MetricSample, 0, w.opts.BatchSize)
	}

	for {
		select {
		case <-ctx.Done():
			w.drain(&batch)
			flush(context.Background())
			return
		case s := <-w.queue:
			batch = append(batch, s)
			if len(batch) >= w.opts.BatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
			w.rec.SetQueueDepth("store", len(w.queue))
		}
	}
}

func (w *Writer) drain(batch *[]model.MetricSample) {
	for {
		select {
		case s := <-w.queue:
			*batch = append(*batch, s)
		default:
			return
		}
	}
}

func (w *Writer) write(ctx context.Context, batch []model.MetricSample) {
	b := &backoff.Backoff{Min: w.opts.MinBackoff, Max: w.opts.MaxBackoff, Factor: 2, Jitter: true}
	var err error
	for attempt := 0; ; attempt++ {
		start := time.Now()
		if err = w.store.Write(ctx, batch); err == nil {
			w.rec.ObserveStoreWrite(time.Since(start), len(batch))
			return
		}
		if attempt >= w.opts.Retries {
			break
		}
		w.rec.StoreRetry()
		d := b.Duration()
		log.Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", d).Msg("store write failed, retrying")
		select {
		case <-time.After(d):
		case <-ctx.Done():
			// shutting down; keep retrying the remaining attempts without waiting
		}
	}
	w.rec.StoreDropped(len(batch))
	log.Error().Err(err).Int("samples", len(batch)).Msg("store write exhausted retries, batch dropped")
}
