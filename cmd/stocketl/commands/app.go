package commands

import (
	"context"
	"log/slog"
	"time"

	"github.com/aristath/stocketl/internal/cluster"
	"github.com/aristath/stocketl/internal/config"
	"github.com/aristath/stocketl/internal/events"
	"github.com/aristath/stocketl/internal/lease"
	"github.com/aristath/stocketl/internal/objectstore"
	"github.com/aristath/stocketl/internal/persistence"
	"github.com/aristath/stocketl/internal/pipeline"
	"github.com/aristath/stocketl/internal/scheduler"
	"github.com/aristath/stocketl/internal/source"
	"github.com/aristath/stocketl/internal/transform"
	"github.com/aristath/stocketl/internal/warehouse"
)

// app is a pipeline wired from configuration.
type app struct {
	cfg     *config.PipelineConfig
	logger  *slog.Logger
	pm      *cluster.ProcessManager
	leases  *lease.Manager
	bus     *events.EventBus
	metrics *pipeline.Metrics
	orch    *pipeline.Orchestrator

	closers []func() error
}

// newApp validates cfg and wires every collaborator of the orchestrator.
func newApp(ctx context.Context, cfg *config.PipelineConfig, logger *slog.Logger) (a *app, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a = &app{
		cfg:     cfg,
		logger:  logger,
		pm:      cluster.NewProcessManager(),
		bus:     events.NewEventBus(),
		metrics: pipeline.NewMetrics(nil),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	store, err := objectstore.NewFileStore(cfg.Storage.Bucket)
	if err != nil {
		return nil, err
	}

	src, err := newSource(cfg.Source, logger)
	if err != nil {
		return nil, err
	}

	wh, err := warehouse.Open(ctx, cfg.Warehouse.Path, store, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, wh.Close)

	var history persistence.Store
	if cfg.History.Path != "" {
		h, err := persistence.NewSQLiteStore(ctx, cfg.History.Path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, h.Close)
		history = h
	}

	a.leases = lease.NewManager(lease.Config{
		StartRetries:   cfg.Cluster.StartRetries,
		PollInterval:   cfg.Cluster.PollInterval.D(),
		ReleaseTimeout: cfg.Cluster.ReleaseTimeout.D(),
	}, logger)

	retry := scheduler.RetryConfig{}
	if cfg.Execution.InitialBackoff > 0 {
		retry = scheduler.DefaultRetryConfig()
		retry.InitialInterval = cfg.Execution.InitialBackoff.D()
		if cfg.Execution.MaxBackoff > 0 {
			retry.MaxInterval = cfg.Execution.MaxBackoff.D()
		}
	}

	a.orch, err = pipeline.New(pipeline.Config{
		Market:          cfg.Source.Market,
		Variant:         cfg.Source.Variant,
		StagingDir:      cfg.Storage.StagingDir,
		ClusterID:       cfg.Cluster.ResourceID,
		ReadyTimeout:    cfg.Cluster.ReadyTimeout.D(),
		Parallelism:     cfg.Execution.Parallelism,
		FreshFor:        cfg.Execution.FreshFor.D(),
		Retry:           retry,
		BreakerFailures: uint32(cfg.Execution.BreakerFailures),
	}, pipeline.Deps{
		Source:    src,
		Store:     store,
		Cluster:   a.newCluster(store),
		Leases:    a.leases,
		Warehouse: wh,
		Locks:     scheduler.NewResourceLockManager(),
		History:   history,
		Bus:       a.bus,
		Metrics:   a.metrics,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func newSource(cfg config.SourceConfig, logger *slog.Logger) (source.Source, error) {
	if cfg.Provider == config.ProviderFixture {
		return &source.FixtureSource{Dir: cfg.FixtureDir}, nil
	}
	return source.NewSimFin(source.SimFinConfig{
		APIKey:      cfg.APIKey,
		BaseURL:     cfg.BaseURL,
		DataDir:     cfg.DataDir,
		RefreshDays: cfg.RefreshDays,
	}, logger)
}

func (a *app) newCluster(store objectstore.Store) cluster.Cluster {
	c := a.cfg.Cluster
	if c.Mode == config.ClusterCompose {
		return cluster.NewComposeCluster(cluster.ComposeConfig{
			Docker:          c.Docker,
			ComposeFile:     c.ComposeFile,
			MasterContainer: c.MasterContainer,
			MasterURL:       c.MasterURL,
			AppPath:         c.AppPath,
		}, &cluster.ExecRunner{PM: a.pm}, a.logger)
	}

	local := cluster.NewLocalCluster(a.logger)
	jobs := &transform.Jobs{
		Store:     store,
		Logger:    a.logger,
		Quarterly: a.cfg.Source.Variant == pipeline.VariantQuarterly,
	}
	jobs.Register(local)
	return local
}

// writeMetrics exports the run metrics when a textfile path is configured.
func (a *app) writeMetrics() {
	p := a.cfg.Metrics.TextfilePath
	if p == "" {
		return
	}
	if err := a.metrics.WriteTextfile(p); err != nil {
		a.logger.Warn("failed to write metrics textfile", "path", p, "error", err)
	}
}

// shutdown tears down anything a cancelled run left behind: held leases and
// tracked subprocesses.
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Cluster.ReleaseTimeout.D()+10*time.Second)
	defer cancel()

	if err := a.leases.ReleaseAll(ctx); err != nil {
		a.logger.Error("failed to release leases", "error", err)
	}
	if err := a.pm.KillAll(); err != nil {
		a.logger.Error("failed to kill subprocesses", "error", err)
	}
}

// Close releases the orchestrator, the event bus and the databases.
func (a *app) Close() {
	if a.orch != nil {
		a.orch.Close()
	}
	a.bus.Close()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
}
