package pipeline

import (
	"context"
	"time"

	"github.com/aristath/stocketl/internal/cluster"
	"github.com/aristath/stocketl/internal/errkind"
	"github.com/aristath/stocketl/internal/lease"
	"github.com/aristath/stocketl/internal/scheduler"
	"github.com/aristath/stocketl/internal/transform"
)

// Transform stage task units.
const (
	TaskTransformFundamentals = "transform_fundamentals"
	TaskTransformPrices       = "transform_prices"
)

// transform runs the transform jobs while holding the cluster lease. The
// cluster is released however the jobs end.
func (o *Orchestrator) transform(ctx context.Context) ([]scheduler.Artifact, error) {
	if o.deps.Cluster == nil {
		return nil, errkind.Configurationf("no compute cluster configured")
	}

	g, err := o.graph(ctx, StageTransform, []*scheduler.TaskUnit{
		o.submitUnit(TaskTransformFundamentals, transform.JobFundamentals),
		o.submitUnit(TaskTransformPrices, transform.JobPrices),
	}, nil)
	if err != nil {
		return nil, err
	}

	requested := time.Now()
	var held *lease.Handle
	artifacts, err := lease.WithLease(ctx, o.leases, o.cfg.ClusterID, o.deps.Cluster, o.cfg.ReadyTimeout,
		func(ctx context.Context, h *lease.Handle) ([]scheduler.Artifact, error) {
			held = h
			o.report.leaseAcquired(ctx, h.ID, h.AcquiredAt.Sub(requested))
			return o.exec.Execute(ctx, g)
		})

	if held != nil {
		// Already released by WithLease; this returns the recorded outcome
		relErr := o.leases.Release(ctx, held)
		o.report.leaseReleased(ctx, held.ID, time.Since(held.AcquiredAt), relErr)
	}
	return artifacts, err
}

func (o *Orchestrator) submitUnit(name, job string) *scheduler.TaskUnit {
	return &scheduler.TaskUnit{
		Name:  name,
		Retry: scheduler.Retries(1),
		Action: func(ctx context.Context, _ scheduler.Inputs) (any, error) {
			spec := cluster.JobSpec{Name: job, Dataset: job}
			if job == transform.JobFundamentals {
				spec.Args = []string{"--variant", o.cfg.Variant}
			}
			res, err := o.deps.Cluster.Submit(ctx, spec)
			if err != nil {
				return nil, err
			}
			o.logger.Debug("transform job output", "job", job, "stdout", res.Stdout)
			return res, nil
		},
	}
}
