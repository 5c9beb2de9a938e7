package scheduler

import (
	"context"

	"github.com/aristath/stocketl/internal/errkind"
)

// CachePolicy governs whether a unit re-executes when a fresh artifact exists.
type CachePolicy int

const (
	CacheNone        CachePolicy = iota // Always execute
	CacheSkipIfFresh                    // Reuse an artifact still within its freshness window
)

func (p CachePolicy) String() string {
	switch p {
	case CacheSkipIfFresh:
		return "skip_if_fresh"
	default:
		return "none"
	}
}

// RetryPolicy decides how often a unit is retried and for which failures.
// MaxRetries counts retries after the first attempt: an action that always
// fails runs MaxRetries+1 times. Zero fails immediately.
type RetryPolicy struct {
	MaxRetries int
	Retryable  func(error) bool // nil uses errkind.IsRetryable
}

// NoRetry fails on the first error.
func NoRetry() RetryPolicy {
	return RetryPolicy{}
}

// Retries retries any retryable failure n times.
func Retries(n int) RetryPolicy {
	return RetryPolicy{MaxRetries: n}
}

func (p RetryPolicy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return errkind.IsRetryable(err)
}

// Artifact is the output of one executed unit.
type Artifact struct {
	Unit   string // Producing unit
	Ref    string // Artifact reference (TaskUnit.Produces)
	Value  any
	Cached bool // Served from the freshness cache instead of executing
}

// Inputs are the resolved upstream artifacts, in the order the unit declared them.
type Inputs []Artifact

// Get returns the artifact produced by the named unit.
func (in Inputs) Get(unit string) (any, bool) {
	for _, a := range in {
		if a.Unit == unit {
			return a.Value, true
		}
	}
	return nil, false
}

// Action is the side-effecting step of a unit. All inputs are resolved
// before it is invoked.
type Action func(ctx context.Context, in Inputs) (any, error)

// TaskUnit is the smallest schedulable operation.
type TaskUnit struct {
	Name     string
	Action   Action
	Retry    RetryPolicy
	Cache    CachePolicy
	Inputs   []string // Upstream unit names whose artifacts feed this unit
	Produces string   // Artifact reference; defaults to Name
	Breaker  string   // Optional circuit breaker key shared across units
}

// ArtifactRef returns the reference under which the unit's output is cached.
func (u *TaskUnit) ArtifactRef() string {
	if u.Produces != "" {
		return u.Produces
	}
	return u.Name
}

func cloneUnit(u *TaskUnit) *TaskUnit {
	if u == nil {
		return nil
	}
	cp := *u
	if u.Inputs != nil {
		cp.Inputs = append([]string(nil), u.Inputs...)
	}
	return &cp
}
