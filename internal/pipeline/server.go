package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/fox-gonic/fox"
	"github.com/qiniu/perfpulse/internal/config"
	"github.com/qiniu/perfpulse/internal/pipeline/api"
	"github.com/qiniu/perfpulse/internal/pipeline/database"
	"github.com/qiniu/perfpulse/internal/pipeline/model"
	"github.com/qiniu/perfpulse/internal/pipeline/service/aggregator"
	"github.com/qiniu/perfpulse/internal/pipeline/service/alerts"
	"github.com/qiniu/perfpulse/internal/pipeline/service/bus"
	"github.com/qiniu/perfpulse/internal/pipeline/service/evaluator"
	"github.com/qiniu/perfpulse/internal/pipeline/service/hub"
	"github.com/qiniu/perfpulse/internal/pipeline/service/ingest"
	"github.com/qiniu/perfpulse/internal/pipeline/service/notify"
	"github.com/qiniu/perfpulse/internal/pipeline/service/ruleset"
	"github.com/qiniu/perfpulse/internal/pipeline/service/tsdb"
	"github.com/qiniu/perfpulse/internal/pipeline/telemetry"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// PipelineServer owns every pipeline component and their background loops.
type PipelineServer struct {
	config *config.Config
	rec    *telemetry.Recorder

	db    *database.Database
	rdb   *redis.Client
	store tsdb.Store

	writer      *tsdb.Writer
	maintenance *tsdb.Maintenance
	cache       *ruleset.Cache
	rules       *ruleset.Manager
	alerts      *alerts.Service
	cooldowns   evaluator.CooldownStore
	dispatcher  *notify.Dispatcher
	evaluator   *evaluator.Evaluator
	aggregator  *aggregator.Aggregator
	hub         *hub.Hub
	ws          *hub.WSHandler
	ingest      *ingest.Service
	bridge      *bus.Bridge

	healthInterval time.Duration
	api            *api.Api

	cancel       context.CancelFunc
	cancelIngest context.CancelFunc
	cancelWriter context.CancelFunc
	bg           conc.WaitGroup
}

// NewPipelineServer builds the components selected by cfg. Nothing runs
// until Start.
func NewPipelineServer(ctx context.Context, cfg *config.Config) (*PipelineServer, error) {
	s := &PipelineServer{config: cfg, rec: telemetry.NewRecorder()}
	if err := s.init(ctx); err != nil {
		s.closeResources()
		return nil, err
	}
	return s, nil
}

func (s *PipelineServer) init(ctx context.Context) error {
	cfg := s.config

	retention := time.Duration(cfg.Storage.RetentionDays) * 24 * time.Hour
	compressAfter := time.Duration(cfg.Storage.CompressAfterDays) * 24 * time.Hour
	rollupInterval, err := model.ParseDuration(cfg.Storage.RollupInterval)
	if err != nil {
		return fmt.Errorf("storage.rollupInterval: %w", err)
	}
	cacheTTL, err := model.ParseDuration(cfg.Alerting.RuleCacheTTL)
	if err != nil {
		return fmt.Errorf("alerting.ruleCacheTTL: %w", err)
	}
	skew, err := model.ParseDuration(cfg.Ingest.MaxFutureSkew)
	if err != nil {
		return fmt.Errorf("ingest.maxFutureSkew: %w", err)
	}
	pingInterval, err := model.ParseDuration(cfg.Hub.PingInterval)
	if err != nil {
		return fmt.Errorf("hub.pingInterval: %w", err)
	}
	if s.healthInterval, err = model.ParseDuration(cfg.Health.Interval); err != nil {
		return fmt.Errorf("health.interval: %w", err)
	}

	var ruleStore ruleset.Store
	var alertStore alerts.Store
	switch cfg.Storage.Backend {
	case "postgres":
		if s.db, err = database.New(ctx, &cfg.Database); err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		if s.store, err = tsdb.NewPgStore(ctx, cfg.Database.DSN(), tsdb.Options{Retention: retention}); err != nil {
			return fmt.Errorf("connect sample store: %w", err)
		}
		ruleStore = ruleset.NewPgStore(s.db)
		alertStore = alerts.NewPgStore(s.db)
	case "memory", "":
		s.store = tsdb.NewMemStore(tsdb.Options{Retention: retention})
		ruleStore = ruleset.NewMemStore()
		alertStore = alerts.NewMemStore()
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	switch cfg.Alerting.CooldownBackend {
	case "redis":
		s.rdb = NewRedisClientFromConfig(&cfg.Redis)
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		s.cooldowns = evaluator.NewRedisCooldown(s.rdb, "")
	case "memory", "":
		s.cooldowns = evaluator.NewMemCooldown()
	default:
		return fmt.Errorf("unknown cooldown backend %q", cfg.Alerting.CooldownBackend)
	}

	s.writer = tsdb.NewWriter(s.store, tsdb.WriterOptions{
		QueueSize: cfg.Storage.WriteQueueSize,
		BatchSize: cfg.Storage.WriteBatchSize,
		Retries:   cfg.Storage.WriteRetries,
		Workers:   cfg.Storage.Writers,
	}, s.rec)
	s.maintenance = tsdb.NewMaintenance(s.store, tsdb.MaintenanceOptions{
		Retention:      retention,
		CompressAfter:  compressAfter,
		RollupInterval: rollupInterval,
	}, s.rec)

	s.cache = ruleset.NewCache(ruleStore, cacheTTL)
	s.rules = ruleset.NewManager(ruleStore, s.cache, ruleset.ManagerOptions{
		DefaultCooldownSeconds: cfg.Alerting.DefaultCooldownSeconds,
	})

	if s.dispatcher, err = notify.FromConfig(&cfg.Notification, s.rec); err != nil {
		return fmt.Errorf("notification channels: %w", err)
	}

	s.aggregator = aggregator.New(aggregator.Options{
		Health: aggregator.Thresholds{
			StoreLatencyDegradedMs:  cfg.Health.StoreLatencyDegradedMs,
			StoreLatencyUnhealthyMs: cfg.Health.StoreLatencyUnhealthyMs,
			QueueDegradedRatio:      cfg.Health.QueueDegradedRatio,
			QueueUnhealthyRatio:     cfg.Health.QueueUnhealthyRatio,
			NotifyDegradedRate:      cfg.Health.NotifyDegradedRate,
			NotifyUnhealthyRate:     cfg.Health.NotifyUnhealthyRate,
		},
	}, s.rec)

	s.hub = hub.New(cfg.Hub.BufferSize, s.snapshot, s.rec)
	s.ws = hub.NewWSHandler(s.hub, cfg.Hub.AllowedOrigins, pingInterval)
	s.alerts = alerts.NewService(alertStore, s.hub)

	s.evaluator = evaluator.New(evaluator.Deps{
		Rules:     s.cache,
		Cooldowns: s.cooldowns,
		Alerts:    alertStore,
		Notifier:  s.dispatcher,
		Events:    s.hub,
		Recorder:  s.rec,
	})

	s.ingest = ingest.New(ingest.Deps{
		Store:      s.writer,
		Aggregator: s.aggregator,
		Evaluator:  s.evaluator,
		Hub:        s.hub,
		Recorder:   s.rec,
	}, ingest.Options{
		Workers:       cfg.Ingest.Workers,
		QueueSize:     cfg.Ingest.QueueSize,
		MaxFutureSkew: skew,
		MaxBatch:      cfg.Ingest.MaxBatch,
	})
	s.aggregator.SetQueue(s.ingest)

	if cfg.NATS.URL != "" {
		if s.bridge, err = bus.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, cfg.Hub.BufferSize); err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		s.hub.Tap(s.bridge.Observe)
	}

	log.Info().Str("storage", cfg.Storage.Backend).Str("cooldowns", cfg.Alerting.CooldownBackend).
		Strs("channels", s.dispatcher.Names()).Bool("nats", s.bridge != nil).Msg("pipeline initialized")
	return nil
}

// snapshot builds the initial_data message for a new subscriber.
func (s *PipelineServer) snapshot(ctx context.Context) hub.InitialData {
	active, err := s.alerts.ListActive(ctx, model.AlertFilter{})
	if err != nil {
		log.Error().Err(err).Msg("load active alerts for snapshot failed")
	}
	return hub.InitialData{
		Agents: s.aggregator.Snapshot(),
		Alerts: active,
		Health: s.aggregator.Health(),
	}
}

// Start bootstraps rules and launches the background loops.
func (s *PipelineServer) Start(ctx context.Context) error {
	if path := s.config.Alerting.RulesFile; path != "" {
		n, err := s.rules.Bootstrap(ctx, path)
		if err != nil {
			return fmt.Errorf("bootstrap rules: %w", err)
		}
		log.Info().Int("created", n).Str("file", path).Msg("alert rules bootstrapped")
	}

	writerCtx, cancelWriter := context.WithCancel(context.Background())
	s.cancelWriter = cancelWriter
	s.writer.Start(writerCtx)

	bgCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	if err := s.maintenance.Start(bgCtx); err != nil {
		return err
	}
	// accepted samples outlive ctx; Close cancels this once workers drained
	ingestCtx, cancelIngest := context.WithCancel(context.Background())
	s.cancelIngest = cancelIngest
	s.ingest.Start(ingestCtx)

	s.bg.Go(func() { s.cache.Run(bgCtx) })
	s.bg.Go(func() { s.aggregator.RunHealth(bgCtx, s.healthInterval, s.hub.HealthUpdate) })
	if mc, ok := s.cooldowns.(*evaluator.MemCooldown); ok {
		s.bg.Go(func() { mc.RunSweeper(bgCtx, time.Minute) })
	}
	if s.bridge != nil {
		s.bg.Go(func() { s.bridge.Run(bgCtx) })
	}
	log.Info().Msg("pipeline started")
	return nil
}

// UseApi registers the HTTP routes on router.
func (s *PipelineServer) UseApi(router *fox.Engine) error {
	s.api = api.NewApi(router, api.Deps{
		Ingest:     s.ingest,
		Store:      s.store,
		Aggregator: s.aggregator,
		Rules:      s.rules,
		Alerts:     s.alerts,
		WS:         s.ws,
		Metrics:    s.rec.Handler(),
	})
	return nil
}

// Close stops intake first, lets queued samples reach the store, then
// releases connections. ctx bounds the whole shutdown.
func (s *PipelineServer) Close(ctx context.Context) error {
	log.Info().Msg("Starting shutdown...")
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.ingest.Stop()
		s.evaluator.Wait()
		if s.cancelIngest != nil {
			s.cancelIngest()
		}
		if s.cancelWriter != nil {
			s.cancelWriter()
			s.writer.Wait()
		}
		if s.cancel != nil {
			s.cancel()
			s.maintenance.Stop()
		}
		s.bg.Wait()
		s.hub.Close()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Err(ctx.Err()).Msg("shutdown deadline reached, closing connections")
	}
	s.closeResources()
	log.Info().Msg("pipeline shut down")
	return nil
}

func (s *PipelineServer) closeResources() {
	if s.bridge != nil {
		s.bridge.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Error().Err(err).Msg("close sample store failed")
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			log.Error().Err(err).Msg("close database failed")
		}
	}
	if s.rdb != nil {
		_ = s.rdb.Close()
	}
}

// Recorder exposes the metrics registry, mainly for tests.
func (s *PipelineServer) Recorder() *telemetry.Recorder { return s.rec }

// NewRedisClientFromConfig creates a go-redis client from config.
func NewRedisClientFromConfig(c *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB})
}
