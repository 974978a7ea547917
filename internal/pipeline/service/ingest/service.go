package ingest

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/qiniu/perfpulse/internal/pipeline/model"
	"github.com/qiniu/perfpulse/internal/pipeline/telemetry"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// StoreQueue is the durable write path, implemented by tsdb.Writer.
type StoreQueue interface {
	TryEnqueue(samples []model.MetricSample) bool
	Len() int
	Capacity() int
}

type Aggregator interface {
	Update(s model.MetricSample)
}

type Evaluator interface {
	Evaluate(ctx context.Context, s model.MetricSample) []*model.Alert
}

type Publisher interface {
	PublishSample(s model.MetricSample)
}

type Deps struct {
	Store      StoreQueue
	Aggregator Aggregator
	Evaluator  Evaluator
	Hub        Publisher
	Recorder   *telemetry.Recorder
}

type Options struct {
	Workers       int
	QueueSize     int // per worker
	MaxFutureSkew time.Duration
	MaxBatch      int
	Now           func() time.Time
}

// Service admits samples and fans each one out to the store queue and, on
// the worker owning its entity, to the aggregator, hub and evaluator.
type Service struct {
	deps   Deps
	parser *Parser
	now    func() time.Time

	mu     sync.Mutex
	shards []chan model.MetricSample
	closed bool

	wg conc.WaitGroup
}

func New(deps Deps, opts Options) *Service {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4096
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	shards := make([]chan model.MetricSample, opts.Workers)
	for i := range shards {
		shards[i] = make(chan model.MetricSample, opts.QueueSize)
	}
	return &Service{
		deps:   deps,
		parser: NewParser(opts.MaxFutureSkew, opts.MaxBatch),
		now:    opts.Now,
		shards: shards,
	}
}

// Start launches one worker per shard. Workers exit after Stop once their
// shard is drained.
func (s *Service) Start(ctx context.Context) {
	for i, ch := range s.shards {
		i, ch := i, ch
		s.wg.Go(func() { s.work(ctx, i, ch) })
	}
	log.Info().Int("workers", len(s.shards)).Msg("ingest workers started")
}

func (s *Service) Stop() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		for _, ch := range s.shards {
			close(ch)
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Submit validates a request body of the given kind and admits the
// resulting samples. It returns the number of samples accepted.
func (s *Service) Submit(kind Kind, body []byte) (int, error) {
	samples, err := s.parser.Parse(kind, body, s.now())
	if err != nil {
		s.deps.Recorder.SampleRejected()
		return 0, err
	}
	if err := s.Admit(samples); err != nil {
		return 0, err
	}
	return len(samples), nil
}

// Admit queues a batch for every branch, or nothing at all. It returns
// model.ErrOverloaded when any queue cannot take its share.
func (s *Service) Admit(samples []model.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("ingest stopped: %w", model.ErrOverloaded)
	}

	need := make([]int, len(s.shards))
	idx := make([]int, len(samples))
	for i := range samples {
		idx[i] = s.shardOf(samples[i].EntityKey)
		need[idx[i]]++
	}
	for i, n := range need {
		if n > cap(s.shards[i])-len(s.shards[i]) {
			s.deps.Recorder.Overloaded()
			return model.ErrOverloaded
		}
	}
	if s.deps.Store != nil && !s.deps.Store.TryEnqueue(samples) {
		s.deps.Recorder.Overloaded()
		return model.ErrOverloaded
	}
	// Workers only receive, so the free slots counted above are still there.
	for i := range samples {
		s.shards[idx[i]] <- samples[i]
	}

	perCategory := map[model.Category]int{}
	for i := range samples {
		perCategory[model.CategoryOf(samples[i].MetricType)]++
	}
	for c, n := range perCategory {
		s.deps.Recorder.SampleAccepted(string(c), n)
	}
	s.deps.Recorder.SetQueueDepth("ingest", s.pendingLocked())
	return nil
}

func (s *Service) shardOf(entityKey string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityKey))
	return int(h.Sum32() % uint32(len(s.shards)))
}

func (s *Service) pendingLocked() int {
	n := 0
	for _, ch := range s.shards {
		n += len(ch)
	}
	return n
}

// Depth and Capacity report the fuller of the worker shards and the store
// queue, for the ingest_queue health component.
func (s *Service) Depth() int {
	d, _ := s.usage()
	return d
}

func (s *Service) Capacity() int {
	_, c := s.usage()
	return c
}

func (s *Service) usage() (int, int) {
	s.mu.Lock()
	depth, capacity := s.pendingLocked(), 0
	for _, ch := range s.shards {
		capacity += cap(ch)
	}
	s.mu.Unlock()
	if s.deps.Store != nil && capacity > 0 && s.deps.Store.Capacity() > 0 {
		if float64(s.deps.Store.Len())/float64(s.deps.Store.Capacity()) > float64(depth)/float64(capacity) {
			return s.deps.Store.Len(), s.deps.Store.Capacity()
		}
	}
	return depth, capacity
}

func (s *Service) work(ctx context.Context, shard int, ch <-chan model.MetricSample) {
	for sample := range ch {
		if s.deps.Aggregator != nil {
			s.branch("aggregator", shard, func() { s.deps.Aggregator.Update(sample) })
		}
		if s.deps.Hub != nil {
			s.branch("hub", shard, func() { s.deps.Hub.PublishSample(sample) })
		}
		if s.deps.Evaluator != nil {
			s.branch("evaluator", shard, func() { s.deps.Evaluator.Evaluate(ctx, sample) })
		}
	}
}

// branch isolates one fan-out target so a panic there never reaches the
// others.
func (s *Service) branch(name string, shard int, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("branch", name).Int("shard", shard).Interface("panic", r).Msg("ingest branch panicked")
		}
	}()
	fn()
}
