package tsdb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qiniu/perfpulse/internal/pipeline/telemetry"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

type MaintenanceOptions struct {
	Retention      time.Duration // raw horizon, default 90d
	RollupHorizon  time.Duration // how long hourly rollups live, default 4x Retention
	CompressAfter  time.Duration // default 7d
	RollupInterval time.Duration // default 10m
	RollupWindow   time.Duration // trailing window recomputed per run, default 2h
	JobTimeout     time.Duration
	Now            func() time.Time
}

func (o *MaintenanceOptions) normalize() {
	if o.Retention <= 0 {
		o.Retention = 90 * 24 * time.Hour
	}
	if o.RollupHorizon <= 0 {
		o.RollupHorizon = 4 * o.Retention
	}
	if o.CompressAfter <= 0 {
		o.CompressAfter = 7 * 24 * time.Hour
	}
	if o.RollupInterval <= 0 {
		o.RollupInterval = 10 * time.Minute
	}
	if o.RollupWindow <= 0 {
		o.RollupWindow = 2 * time.Hour
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 10 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Maintenance runs retention, compression and rollup refresh on cron schedules.
type Maintenance struct {
	store Store
	opts  MaintenanceOptions
	rec   *telemetry.Recorder
	cron  *cron.Cron

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewMaintenance(store Store, opts MaintenanceOptions, rec *telemetry.Recorder) *Maintenance {
	opts.normalize()
	return &Maintenance{
		store: store,
		opts:  opts,
		rec:   rec,
		cron:  cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// Start registers the jobs and starts the scheduler.
func (m *Maintenance) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx, m.cancel = context.WithCancel(ctx)

	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"retention", "5 * * * *", m.RunRetention},
		{"compression", "35 * * * *", m.RunCompression},
		{"rollup", fmt.Sprintf("@every %s", m.opts.RollupInterval), m.RunRollup},
	}
	for _, j := range jobs {
		job := j
		if _, err := m.cron.AddFunc(job.spec, func() { m.runJob(job.name, job.run) }); err != nil {
			return fmt.Errorf("schedule %s job: %w", job.name, err)
		}
	}
	m.cron.Start()
	log.Info().Dur("retention", m.opts.Retention).Dur("compressAfter", m.opts.CompressAfter).
		Dur("rollupInterval", m.opts.RollupInterval).Msg("store maintenance scheduler started")
	return nil
}

// Stop waits for running jobs to finish.
func (m *Maintenance) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()
	<-m.cron.Stop().Done()
	log.Info().Msg("store maintenance scheduler stopped")
}

func (m *Maintenance) runJob(name string, run func(context.Context) error) {
	m.mu.Lock()
	parent := m.ctx
	m.mu.Unlock()
	ctx, cancel := context.WithTimeout(parent, m.opts.JobTimeout)
	defer cancel()

	start := time.Now()
	err := run(ctx)
	m.rec.MaintenanceRun(name, err)
	if err != nil {
		log.Error().Err(err).Str("job", name).Msg("store maintenance job failed")
		return
	}
	log.Debug().Str("job", name).Dur("took", time.Since(start)).Msg("store maintenance job done")
}

// RunRetention drops raw samples past the retention horizon and rollups past theirs.
func (m *Maintenance) RunRetention(ctx context.Context) error {
	now := m.opts.Now()
	chunks, err := m.store.ApplyRetention(ctx, now.Add(-m.opts.Retention))
	if err != nil {
		return err
	}
	rollups, err := m.store.PruneRollups(ctx, now.Add(-m.opts.RollupHorizon))
	if err != nil {
		return err
	}
	if chunks > 0 || rollups > 0 {
		log.Info().Int("chunks", chunks).Int("rollups", rollups).Msg("retention applied")
	}
	return nil
}

func (m *Maintenance) RunCompression(ctx context.Context) error {
	_, err := m.store.Compress(ctx, m.opts.Now().Add(-m.opts.CompressAfter))
	return err
}

// RunRollup recomputes the hourly rollups of the trailing window.
func (m *Maintenance) RunRollup(ctx context.Context) error {
	now := m.opts.Now()
	return m.store.Rollup(ctx, now.Add(-m.opts.RollupWindow), now)
}
