package scheduler

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// DefaultFreshFor is how long a CacheSkipIfFresh artifact stays reusable.
const DefaultFreshFor = 10 * time.Minute

// ExecutorConfig configures the graph executor.
type ExecutorConfig struct {
	Parallelism int                     // Max concurrent units per wave (default 1)
	FreshFor    time.Duration           // Lifetime of cached artifacts (default DefaultFreshFor)
	Retry       RetryConfig             // Delay between retries
	Breakers    *CircuitBreakerRegistry // Optional; units with a Breaker key use it
	Observer    Observer                // Optional lifecycle hooks
	Logger      *slog.Logger
	Tracer      trace.Tracer
}

// Executor runs a StageGraph to completion or first failure.
type Executor struct {
	config ExecutorConfig
	retry  *RetryScheduler
	cache  *artifactCache
	logger *slog.Logger
	tracer trace.Tracer
}

// NewExecutor creates a new Executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.FreshFor <= 0 {
		cfg.FreshFor = DefaultFreshFor
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/aristath/stocketl/internal/scheduler")
	}

	cache, err := newArtifactCache(cfg.FreshFor)
	if err != nil {
		return nil, err
	}

	return &Executor{
		config: cfg,
		retry:  NewRetryScheduler(cfg.Retry, cfg.Breakers, cfg.Observer),
		cache:  cache,
		logger: logger,
		tracer: tracer,
	}, nil
}

// Execute runs every unit of g in dependency order and returns the produced
// artifacts in declaration order. On the first unit failure no further units
// are started; the artifacts produced so far are returned with the error.
func (e *Executor) Execute(ctx context.Context, g *StageGraph) ([]Artifact, error) {
	produced := make(map[string]Artifact, g.Len())

	for _, wave := range g.waves() {
		// Check for context cancellation
		if err := ctx.Err(); err != nil {
			return e.collect(g, produced), err
		}

		results := make([]Artifact, len(wave))
		done := make([]bool, len(wave))

		eg, gctx := errgroup.WithContext(ctx)
		eg.SetLimit(e.config.Parallelism)

		for i, unit := range wave {
			in := inputsFor(unit, produced)
			eg.Go(func() error {
				// A failed sibling cancels gctx; units that have not started stay unstarted
				if err := gctx.Err(); err != nil {
					return err
				}
				a, err := e.runUnit(gctx, unit, in)
				if err != nil {
					return err
				}
				results[i] = a
				done[i] = true
				return nil
			})
		}

		err := eg.Wait()
		for i, unit := range wave {
			if done[i] {
				produced[unit.Name] = results[i]
			}
		}
		if err != nil {
			return e.collect(g, produced), err
		}
	}

	return e.collect(g, produced), nil
}

// Invalidate drops a cached artifact so the next run re-executes its producer.
func (e *Executor) Invalidate(ref string) {
	e.cache.invalidate(ref)
}

// Close releases the artifact cache.
func (e *Executor) Close() {
	e.cache.close()
}

func (e *Executor) runUnit(ctx context.Context, unit *TaskUnit, in Inputs) (Artifact, error) {
	ctx, span := e.tracer.Start(ctx, "task "+unit.Name, trace.WithAttributes(
		attribute.String("task.unit", unit.Name),
		attribute.String("task.cache", unit.Cache.String()),
		attribute.Int("task.max_retries", unit.Retry.MaxRetries),
	))
	defer span.End()

	ref := unit.ArtifactRef()
	if unit.Cache == CacheSkipIfFresh {
		if v, ok := e.cache.get(ref); ok {
			e.logger.Debug("reusing fresh artifact", "unit", unit.Name, "artifact", ref)
			span.SetAttributes(attribute.Bool("task.cached", true))
			e.config.Observer.TaskFinished(ctx, unit.Name, TaskResult{Cached: true})
			return Artifact{Unit: unit.Name, Ref: ref, Value: v, Cached: true}, nil
		}
	}

	e.config.Observer.TaskStarted(ctx, unit.Name)
	start := time.Now()

	v, attempts, err := e.retry.run(ctx, unit, in)

	e.config.Observer.TaskFinished(ctx, unit.Name, TaskResult{
		Attempts: attempts,
		Duration: time.Since(start),
		Err:      err,
	})
	span.SetAttributes(attribute.Int("task.attempts", attempts))

	if err != nil {
		e.logger.Error("task failed", "unit", unit.Name, "attempts", attempts, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "task failed")
		return Artifact{}, err
	}

	if unit.Cache == CacheSkipIfFresh {
		e.cache.put(ref, v)
	}
	span.SetStatus(codes.Ok, "")
	return Artifact{Unit: unit.Name, Ref: ref, Value: v}, nil
}

func inputsFor(unit *TaskUnit, produced map[string]Artifact) Inputs {
	in := make(Inputs, 0, len(unit.Inputs))
	for _, name := range unit.Inputs {
		if a, ok := produced[name]; ok {
			in = append(in, a)
		}
	}
	return in
}

func (e *Executor) collect(g *StageGraph, produced map[string]Artifact) []Artifact {
	out := make([]Artifact, 0, len(produced))
	for _, u := range g.units {
		if a, ok := produced[u.Name]; ok {
			out = append(out, a)
		}
	}
	return out
}
