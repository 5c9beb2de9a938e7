// Package quality runs read-only checks against the analytical store and
// reports one result per check. A failing check never fails the pipeline.
package quality

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.trai.ch/zerr"

	"github.com/aristath/stocketl/internal/errkind"
	"github.com/aristath/stocketl/internal/table"
)

// Querier runs a read-only query.
type Querier interface {
	RunQuery(ctx context.Context, query string) (table.Result, error)
}

// Extractor turns a query result into the reported value.
type Extractor func(table.Result) (any, error)

// Scalar extracts the first column of the first row.
func Scalar(r table.Result) (any, error) {
	return r.Scalar()
}

// Count extracts the first cell as an integer.
func Count(r table.Result) (any, error) {
	return r.Int64()
}

// ValidationCheck is a named read-only query.
type ValidationCheck struct {
	Name    string
	Query   string
	Extract Extractor // Defaults to Scalar
}

// CheckResult is the outcome of one check. Exactly one of Value and Err is
// meaningful.
type CheckResult struct {
	Name     string
	Value    any
	Err      error
	Duration time.Duration
}

// OK reports whether the check produced a value.
func (r CheckResult) OK() bool {
	return r.Err == nil
}

// Report holds check results in declaration order.
type Report struct {
	Results []CheckResult
}

// Map returns the results keyed by check name.
func (r Report) Map() map[string]CheckResult {
	out := make(map[string]CheckResult, len(r.Results))
	for _, res := range r.Results {
		out[res.Name] = res
	}
	return out
}

// Failed returns the results that carry an error.
func (r Report) Failed() []CheckResult {
	var out []CheckResult
	for _, res := range r.Results {
		if !res.OK() {
			out = append(out, res)
		}
	}
	return out
}

// Gate evaluates checks.
type Gate struct {
	q      Querier
	logger *slog.Logger
}

// NewGate creates a Gate over q.
func NewGate(q Querier, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{q: q, logger: logger}
}

// Validate runs every check in order. A check's failure is recorded in its
// result and does not stop the remaining checks.
func (g *Gate) Validate(ctx context.Context, checks []ValidationCheck) Report {
	report := Report{Results: make([]CheckResult, 0, len(checks))}
	for _, c := range checks {
		res := g.run(ctx, c)
		if res.OK() {
			g.logger.Info("quality check", "check", c.Name, "value", res.Value)
		} else {
			g.logger.Warn("quality check failed", "check", c.Name, "error", res.Err)
		}
		report.Results = append(report.Results, res)
	}
	return report
}

func (g *Gate) run(ctx context.Context, c ValidationCheck) (res CheckResult) {
	start := time.Now()
	res.Name = c.Name
	defer func() {
		if p := recover(); p != nil {
			res.Value = nil
			res.Err = checkError(c.Name, fmt.Errorf("extractor panicked: %v", p))
		}
		res.Duration = time.Since(start)
	}()

	if err := ctx.Err(); err != nil {
		res.Err = checkError(c.Name, err)
		return res
	}

	out, err := g.q.RunQuery(ctx, c.Query)
	if err != nil {
		res.Err = checkError(c.Name, err)
		return res
	}

	extract := c.Extract
	if extract == nil {
		extract = Scalar
	}
	v, err := extract(out)
	if err != nil {
		res.Err = checkError(c.Name, err)
		return res
	}
	res.Value = v
	return res
}

func checkError(name string, cause error) error {
	return zerr.With(zerr.Wrap(fmt.Errorf("%w: %w", errkind.ErrValidation, cause), "quality check"), "check", name)
}
