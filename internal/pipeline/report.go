package pipeline

import (
	"fmt"
	"time"

	"github.com/aristath/stocketl/internal/quality"
	"github.com/aristath/stocketl/internal/reconcile"
	"github.com/aristath/stocketl/internal/scheduler"
)

// StageReport is the outcome of one stage.
type StageReport struct {
	Stage     string
	Artifacts []scheduler.Artifact
	Err       error
	Duration  time.Duration
}

// RunReport is the outcome of a run.
type RunReport struct {
	RunID       string
	State       State
	FailedStage string
	Err         error

	Requested    []string // Stages the run was asked to execute, in order
	Stages       []StageReport
	Materialized []reconcile.Materialized
	Views        []string
	Validation   quality.Report

	StartedAt  time.Time
	FinishedAt time.Time
}

// Stage returns the report of the named stage, if it ran.
func (r *RunReport) Stage(name string) (StageReport, bool) {
	for _, s := range r.Stages {
		if s.Stage == name {
			return s, true
		}
	}
	return StageReport{}, false
}

// Duration returns how long the run took.
func (r *RunReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}
