package scheduler

import (
	"fmt"
	"strings"

	"go.trai.ch/zerr"

	"github.com/aristath/stocketl/internal/errkind"
)

// ErrDuplicateUnit is returned when two units share a name.
var ErrDuplicateUnit = zerr.New("duplicate task unit")

// CycleError reports that the declared edges do not form a DAG.
type CycleError struct {
	Units []string // Units left unordered by the topological sort
	Err   error
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("stage graph contains cycle among [%s]: %v", strings.Join(e.Units, ", "), e.Err)
}

func (e *CycleError) Unwrap() error { return e.Err }

// Is makes every CycleError a configuration failure.
func (e *CycleError) Is(target error) bool { return target == errkind.ErrConfiguration }

// UnresolvedDependencyError reports an input or edge naming a unit outside
// the graph, or an input naming a unit that is not declared before its consumer.
type UnresolvedDependencyError struct {
	Unit    string
	Missing string
	Later   bool // Missing exists but is declared at or after Unit
}

func (e *UnresolvedDependencyError) Error() string {
	if e.Later {
		return fmt.Sprintf("task unit %q takes input from %q, which is not declared before it", e.Unit, e.Missing)
	}
	return fmt.Sprintf("task unit %q depends on unknown unit %q", e.Unit, e.Missing)
}

func (e *UnresolvedDependencyError) Is(target error) bool { return target == errkind.ErrConfiguration }

// TaskExecutionError is returned when a unit exhausts its retries or fails
// with a non-retryable error. Unwrap exposes the last failure so its kind
// survives.
type TaskExecutionError struct {
	Unit     string
	Attempts int
	Last     error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task %q failed after %d attempt(s): %v", e.Unit, e.Attempts, e.Last)
}

func (e *TaskExecutionError) Unwrap() error { return e.Last }

func (e *TaskExecutionError) Is(target error) bool { return target == errkind.ErrTaskExecution }
