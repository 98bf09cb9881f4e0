package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/approval-engine/catalog"
	"github.com/songzhibin97/approval-engine/config"
	"github.com/songzhibin97/approval-engine/directory"
	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/metrics"
	"github.com/songzhibin97/approval-engine/rules"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/workflow"
)

// app holds the wired engine and everything that must be closed with it.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	catalog  *catalog.Catalog
	engine   *workflow.Engine
	bus      *events.EventBus
	registry *prometheus.Registry
	closers  []func()
}

func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	var requests storage.Storage
	var cache workflow.ViewCache
	if cfg.Redis.Addr != "" {
		rs, err := storage.NewRedisStorage(storage.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = rs.Close() })
		requests = rs
		cache = storage.NewRedisViewCache(rs.Client(), cfg.Redis.ViewTTL)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("using redis request store")
	} else {
		requests = storage.NewMemoryStorage()
		log.Warn().Msg("redis.addr not set; requests are kept in memory")
	}

	var definitions storage.DefinitionStore = requests
	if cfg.Postgres.DSN != "" {
		pg, err := storage.NewPostgresDefinitionStore(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		definitions = pg
		log.Info().Msg("using postgres definition store")
	}

	a.catalog = catalog.New(definitions,
		catalog.WithEvaluator(rules.NewExprEvaluator()),
		catalog.WithLogger(log.With().Str("component", "catalog").Logger()),
	)
	if err := a.catalog.Load(ctx); err != nil {
		return nil, err
	}
	for _, def := range cfg.Definitions() {
		if _, err := a.catalog.Register(ctx, def); err != nil {
			return nil, err
		}
	}

	a.bus = events.NewEventBus(events.WithLogger(log.With().Str("component", "events").Logger()))
	a.closers = append(a.closers, a.bus.Stop)
	if cfg.NATS.URL != "" {
		conn, err := events.ConnectNATS(cfg.NATS.URL, "approvald")
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, conn.Close)
		a.bus.SubscribeAll(events.NewNATSPublisher(conn, cfg.NATS.SubjectPrefix, log.With().Str("component", "nats").Logger()))
	}

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	dir := directory.NewStaticDirectory(cfg.Roles)

	opts := []workflow.Option{
		workflow.WithResolver(dir),
		workflow.WithAuthorizer(directory.NewRoleAuthorizer(dir, cfg.CancelRoles...)),
		workflow.WithSink(a.bus),
		workflow.WithMetrics(metrics.NewRecorder(a.registry)),
		workflow.WithLogger(log.With().Str("component", "engine").Logger()),
	}
	if cache != nil {
		opts = append(opts, workflow.WithCache(cache))
	}

	snowflake := generator.NewSnowflake(time.Now().Add(-1*time.Second), 1)
	engine, err := workflow.NewEngine(snowflake, a.catalog, requests, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	a.engine = engine
	ready = true
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
