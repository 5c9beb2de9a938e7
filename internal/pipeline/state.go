// Package pipeline sequences the extract, transform and load stages of a run
// and reports its outcome.
package pipeline

import (
	"fmt"

	"github.com/aristath/stocketl/internal/errkind"
)

// State is the position of a run in its lifecycle.
type State string

const (
	StateNotStarted   State = "not_started"
	StateExtracting   State = "extracting"
	StateTransforming State = "transforming"
	StateLoading      State = "loading"
	StateComplete     State = "complete"
	StateFailed       State = "failed"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// Stage names, in canonical order.
const (
	StageExtract   = "extract"
	StageTransform = "transform"
	StageLoad      = "load"
)

// Stages lists every stage in the order a full run executes them.
var Stages = []string{StageExtract, StageTransform, StageLoad}

func stageState(stage string) State {
	switch stage {
	case StageExtract:
		return StateExtracting
	case StageTransform:
		return StateTransforming
	case StageLoad:
		return StateLoading
	default:
		return StateNotStarted
	}
}

// normalizeStages returns the requested stages in canonical order without
// duplicates. No stages means all of them.
func normalizeStages(requested []string) ([]string, error) {
	if len(requested) == 0 {
		return append([]string(nil), Stages...), nil
	}
	want := make(map[string]bool, len(requested))
	for _, s := range requested {
		if stageState(s) == StateNotStarted {
			return nil, errkind.Configurationf("unknown stage %q", s)
		}
		want[s] = true
	}
	var out []string
	for _, s := range Stages {
		if want[s] {
			out = append(out, s)
		}
	}
	return out, nil
}

// StageError reports the stage a run failed in. Unwrap exposes the cause so
// its kind survives.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
