package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/aristath/stocketl/internal/events"
	"github.com/aristath/stocketl/internal/persistence"
	"github.com/aristath/stocketl/internal/quality"
	"github.com/aristath/stocketl/internal/scheduler"
	"github.com/aristath/stocketl/internal/table"
)

type scopeKey struct{}

// scope identifies the run and stage a task executes in.
type scope struct {
	runID string
	stage string
}

func withScope(ctx context.Context, runID, stage string) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope{runID: runID, stage: stage})
}

func scopeFrom(ctx context.Context) scope {
	s, _ := ctx.Value(scopeKey{}).(scope)
	return s
}

// reporter publishes run progress to the event bus, the run history and the
// metrics. Every sink is optional. History write failures are logged and never
// affect the run.
type reporter struct {
	bus     *events.EventBus
	history persistence.Store
	metrics *Metrics
	logger  *slog.Logger
}

var _ scheduler.Observer = (*reporter)(nil)

func (r *reporter) publish(ev events.Event) {
	if r.bus != nil {
		r.bus.Publish(ev)
	}
}

func (r *reporter) warnHistory(what string, err error) {
	if err != nil {
		r.logger.Warn("run history not updated", "record", what, "error", err)
	}
}

func (r *reporter) TaskStarted(ctx context.Context, unit string) {
	s := scopeFrom(ctx)
	r.publish(events.TaskStartedEvent{RunID: s.runID, Stage: s.stage, Task: unit, Timestamp: time.Now()})
}

func (r *reporter) TaskRetrying(ctx context.Context, unit string, attempt int, err error, delay time.Duration) {
	s := scopeFrom(ctx)
	r.logger.Warn("retrying task", "stage", s.stage, "task", unit, "attempt", attempt, "delay", delay, "error", err)
	r.publish(events.TaskRetryingEvent{
		RunID:     s.runID,
		Stage:     s.stage,
		Task:      unit,
		Attempt:   attempt,
		Err:       err,
		Delay:     delay,
		Timestamp: time.Now(),
	})
	if r.metrics != nil {
		r.metrics.TaskRetries.WithLabelValues(s.stage, unit).Inc()
	}
}

func (r *reporter) TaskFinished(ctx context.Context, unit string, result scheduler.TaskResult) {
	s := scopeFrom(ctx)
	now := time.Now()
	r.publish(events.TaskFinishedEvent{
		RunID:     s.runID,
		Stage:     s.stage,
		Task:      unit,
		Attempts:  result.Attempts,
		Cached:    result.Cached,
		Err:       result.Err,
		Duration:  result.Duration,
		Timestamp: now,
	})

	if r.metrics != nil {
		st := status(result.Err)
		if result.Cached {
			st = "cached"
		}
		r.metrics.TasksTotal.WithLabelValues(s.stage, unit, st).Inc()
		if !result.Cached {
			r.metrics.TaskDuration.WithLabelValues(s.stage, unit).Observe(result.Duration.Seconds())
		}
	}

	if r.history != nil && s.runID != "" {
		rec := persistence.TaskRecord{
			RunID:      s.runID,
			Stage:      s.stage,
			Task:       unit,
			Attempts:   result.Attempts,
			Cached:     result.Cached,
			Duration:   result.Duration,
			FinishedAt: now,
		}
		if result.Err != nil {
			rec.Error = result.Err.Error()
		}
		r.warnHistory("task", r.history.RecordTask(context.WithoutCancel(ctx), rec))
	}
}

func (r *reporter) runStarted(ctx context.Context, rep *RunReport) {
	r.publish(events.RunStartedEvent{RunID: rep.RunID, Stages: rep.Requested, Timestamp: rep.StartedAt})
	if r.history != nil {
		r.warnHistory("run", r.history.StartRun(ctx, persistence.Run{
			ID:        rep.RunID,
			Stages:    rep.Requested,
			State:     string(StateNotStarted),
			StartedAt: rep.StartedAt,
		}))
	}
}

func (r *reporter) runFinished(ctx context.Context, rep *RunReport) {
	duration := rep.FinishedAt.Sub(rep.StartedAt)
	r.publish(events.RunFinishedEvent{
		RunID:       rep.RunID,
		State:       string(rep.State),
		FailedStage: rep.FailedStage,
		Err:         rep.Err,
		Duration:    duration,
		Timestamp:   rep.FinishedAt,
	})

	if r.metrics != nil {
		r.metrics.RunsTotal.WithLabelValues(string(rep.State)).Inc()
		r.metrics.RunDuration.Observe(duration.Seconds())
		for _, m := range rep.Materialized {
			r.metrics.MaterializedRows.WithLabelValues(m.TableName).Set(float64(m.RowCount))
		}
	}

	if r.history != nil {
		run := persistence.Run{
			ID:          rep.RunID,
			Stages:      rep.Requested,
			State:       string(rep.State),
			FailedStage: rep.FailedStage,
			StartedAt:   rep.StartedAt,
			FinishedAt:  rep.FinishedAt,
		}
		if rep.Err != nil {
			run.Error = rep.Err.Error()
		}
		r.warnHistory("run", r.history.FinishRun(context.WithoutCancel(ctx), run))
	}
}

func (r *reporter) stageStarted(ctx context.Context, stage string, tasks []string) {
	s := scopeFrom(ctx)
	r.logger.Info("stage started", "run", s.runID, "stage", stage)
	r.publish(events.StageStartedEvent{RunID: s.runID, Stage: stage, Tasks: tasks, Timestamp: time.Now()})
}

func (r *reporter) stageFinished(ctx context.Context, sr StageReport) {
	s := scopeFrom(ctx)
	if sr.Err != nil {
		r.logger.Error("stage failed", "run", s.runID, "stage", sr.Stage, "duration", sr.Duration, "error", sr.Err)
	} else {
		r.logger.Info("stage finished", "run", s.runID, "stage", sr.Stage, "duration", sr.Duration)
	}
	r.publish(events.StageFinishedEvent{
		RunID:     s.runID,
		Stage:     sr.Stage,
		Err:       sr.Err,
		Duration:  sr.Duration,
		Timestamp: time.Now(),
	})
	if r.metrics != nil {
		r.metrics.StageDuration.WithLabelValues(sr.Stage, status(sr.Err)).Observe(sr.Duration.Seconds())
	}
}

func (r *reporter) leaseAcquired(ctx context.Context, resourceID string, waited time.Duration) {
	s := scopeFrom(ctx)
	r.publish(events.LeaseAcquiredEvent{RunID: s.runID, ResourceID: resourceID, Waited: waited, Timestamp: time.Now()})
	if r.metrics != nil {
		r.metrics.LeaseWait.Observe(waited.Seconds())
		r.metrics.LeasesHeld.Inc()
	}
}

func (r *reporter) leaseReleased(ctx context.Context, resourceID string, held time.Duration, err error) {
	s := scopeFrom(ctx)
	r.publish(events.LeaseReleasedEvent{RunID: s.runID, ResourceID: resourceID, Held: held, Err: err, Timestamp: time.Now()})
	if r.metrics != nil {
		r.metrics.LeasesHeld.Dec()
	}
}

func (r *reporter) checksFinished(ctx context.Context, report quality.Report) {
	s := scopeFrom(ctx)
	for _, res := range report.Results {
		r.publish(events.CheckFinishedEvent{
			RunID:     s.runID,
			Check:     res.Name,
			Value:     res.Value,
			Err:       res.Err,
			Timestamp: time.Now(),
		})

		if r.metrics != nil {
			if res.Err != nil {
				r.metrics.CheckFailures.WithLabelValues(res.Name).Inc()
			} else if n, err := table.AsInt64(res.Value); err == nil {
				r.metrics.CheckValue.WithLabelValues(res.Name).Set(float64(n))
			}
		}

		if r.history != nil && s.runID != "" {
			rec := persistence.CheckRecord{RunID: s.runID, Name: res.Name}
			if res.Err != nil {
				rec.Error = res.Err.Error()
			} else {
				rec.Value = formatValue(res.Value)
			}
			r.warnHistory("check", r.history.RecordCheck(context.WithoutCancel(ctx), rec))
		}
	}
}
