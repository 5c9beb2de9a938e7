package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.trai.ch/zerr"

	"github.com/aristath/stocketl/internal/cluster"
	"github.com/aristath/stocketl/internal/errkind"
	"github.com/aristath/stocketl/internal/events"
	"github.com/aristath/stocketl/internal/lease"
	"github.com/aristath/stocketl/internal/objectstore"
	"github.com/aristath/stocketl/internal/persistence"
	"github.com/aristath/stocketl/internal/reconcile"
	"github.com/aristath/stocketl/internal/scheduler"
	"github.com/aristath/stocketl/internal/source"
)

// ErrRunInProgress is returned when a run is requested while another run of
// the same orchestrator has not finished.
var ErrRunInProgress = zerr.New("pipeline run already in progress")

// Variants of the fundamentals datasets.
const (
	VariantAnnual    = "annual"
	VariantQuarterly = "quarterly"
)

// Config tunes a pipeline run.
type Config struct {
	Market       string        // Provider market (default "us")
	Variant      string        // Fundamentals variant: annual or quarterly (default annual)
	StagingDir   string        // Local directory for staged extracts (default "data_temp")
	ClusterID    string        // Lease id of the compute cluster (default "spark-cluster")
	ReadyTimeout time.Duration // Max wait for the cluster to become ready (default 2m)

	Parallelism     int           // Max concurrent units per wave (default 1)
	FreshFor        time.Duration // Lifetime of reusable extracts
	Retry           scheduler.RetryConfig
	BreakerFailures uint32 // Consecutive source failures that open its breaker

	Catalog *Catalog // nil uses DefaultCatalog
}

func (c Config) withDefaults() Config {
	if c.Market == "" {
		c.Market = "us"
	}
	if c.Variant == "" {
		c.Variant = VariantAnnual
	}
	if c.StagingDir == "" {
		c.StagingDir = "data_temp"
	}
	if c.ClusterID == "" {
		c.ClusterID = "spark-cluster"
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 2 * time.Minute
	}
	return c
}

// Deps are the collaborators of the stages. Source, Store, Cluster and
// Warehouse are checked when the stage that needs them starts, so a run of
// a single stage only needs that stage's collaborators. History, Bus and
// Metrics are optional sinks.
type Deps struct {
	Source    source.Source
	Store     objectstore.Store
	Cluster   cluster.Cluster
	Leases    *lease.Manager
	Warehouse reconcile.Client
	Locks     *scheduler.ResourceLockManager

	History persistence.Store
	Bus     *events.EventBus
	Metrics *Metrics
	Logger  *slog.Logger
	Tracer  trace.Tracer
}

// Orchestrator runs the extract, transform and load stages in order.
type Orchestrator struct {
	cfg        Config
	catalog    Catalog
	deps       Deps
	leases     *lease.Manager
	reconciler *reconcile.Reconciler
	exec       *scheduler.Executor
	report     *reporter
	logger     *slog.Logger
	tracer     trace.Tracer
	running    atomic.Bool
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	cfg = cfg.withDefaults()
	if cfg.Variant != VariantAnnual && cfg.Variant != VariantQuarterly {
		return nil, errkind.Configurationf("unknown fundamentals variant %q", cfg.Variant)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/aristath/stocketl/internal/pipeline")
	}
	leases := deps.Leases
	if leases == nil {
		leases = lease.NewManager(lease.DefaultConfig(), logger)
	}

	catalog := DefaultCatalog(cfg.Variant == VariantQuarterly)
	if cfg.Catalog != nil {
		catalog = *cfg.Catalog
	}

	rep := &reporter{bus: deps.Bus, history: deps.History, metrics: deps.Metrics, logger: logger}

	breakers := scheduler.NewCircuitBreakerRegistry(logger)
	if cfg.BreakerFailures > 0 {
		breakers.Failures = cfg.BreakerFailures
	}

	exec, err := scheduler.NewExecutor(scheduler.ExecutorConfig{
		Parallelism: cfg.Parallelism,
		FreshFor:    cfg.FreshFor,
		Retry:       cfg.Retry,
		Breakers:    breakers,
		Observer:    rep,
		Logger:      logger,
		Tracer:      tracer,
	})
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:     cfg,
		catalog: catalog,
		deps:    deps,
		leases:  leases,
		exec:    exec,
		report:  rep,
		logger:  logger,
		tracer:  tracer,
	}
	if deps.Warehouse != nil {
		o.reconciler = reconcile.New(deps.Warehouse, deps.Locks, logger)
	}
	return o, nil
}

// Close releases the executor's artifact cache.
func (o *Orchestrator) Close() {
	o.exec.Close()
}

// Catalog returns the tables, views and checks the load stage manages.
func (o *Orchestrator) Catalog() Catalog {
	return o.catalog
}

// Run executes every stage.
func (o *Orchestrator) Run(ctx context.Context) (*RunReport, error) {
	return o.RunStages(ctx)
}

// RunStages executes the named stages in canonical order. The first failing
// stage ends the run; its cause is returned as a *StageError and recorded in
// the report. The report is returned whenever the run started.
func (o *Orchestrator) RunStages(ctx context.Context, stages ...string) (*RunReport, error) {
	requested, err := normalizeStages(stages)
	if err != nil {
		return nil, err
	}
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer o.running.Store(false)

	rep := &RunReport{
		RunID:     uuid.NewString(),
		State:     StateNotStarted,
		Requested: requested,
		StartedAt: time.Now(),
	}

	ctx, span := o.tracer.Start(ctx, "pipeline run", trace.WithAttributes(
		attribute.String("run.id", rep.RunID),
		attribute.StringSlice("run.stages", requested),
	))
	defer span.End()

	o.logger.Info("pipeline run started", "run", rep.RunID, "stages", requested)
	o.report.runStarted(ctx, rep)

	for _, stage := range requested {
		rep.State = stageState(stage)
		sr := o.runStage(withScope(ctx, rep.RunID, stage), stage, rep)
		rep.Stages = append(rep.Stages, sr)
		if sr.Err != nil {
			rep.State = StateFailed
			rep.FailedStage = stage
			rep.Err = &StageError{Stage: stage, Err: sr.Err}
			break
		}
	}
	if rep.State != StateFailed {
		rep.State = StateComplete
	}
	rep.FinishedAt = time.Now()

	o.report.runFinished(ctx, rep)
	span.SetAttributes(attribute.String("run.state", string(rep.State)))
	if rep.Err != nil {
		span.RecordError(rep.Err)
		span.SetStatus(codes.Error, "pipeline run failed")
		o.logger.Error("pipeline run failed", "run", rep.RunID, "stage", rep.FailedStage, "duration", rep.Duration(), "error", rep.Err)
		return rep, rep.Err
	}
	span.SetStatus(codes.Ok, "")
	o.logger.Info("pipeline run complete", "run", rep.RunID, "duration", rep.Duration())
	return rep, nil
}

func (o *Orchestrator) runStage(ctx context.Context, stage string, rep *RunReport) StageReport {
	ctx, span := o.tracer.Start(ctx, "stage "+stage, trace.WithAttributes(attribute.String("stage", stage)))
	defer span.End()

	start := time.Now()
	sr := StageReport{Stage: stage}

	switch stage {
	case StageExtract:
		sr.Artifacts, sr.Err = o.extract(ctx)
	case StageTransform:
		sr.Artifacts, sr.Err = o.transform(ctx)
	case StageLoad:
		sr.Artifacts, sr.Err = o.load(ctx, rep)
	}
	sr.Duration = time.Since(start)

	o.report.stageFinished(ctx, sr)
	if sr.Err != nil {
		span.RecordError(sr.Err)
		span.SetStatus(codes.Error, "stage failed")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return sr
}

// graph builds a stage's graph and announces the stage.
func (o *Orchestrator) graph(ctx context.Context, stage string, units []*scheduler.TaskUnit, edges []scheduler.Edge) (*scheduler.StageGraph, error) {
	g, err := scheduler.Build(units, edges)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "build stage graph"), "stage", stage)
	}
	o.report.stageStarted(ctx, stage, g.Order())
	return g, nil
}
