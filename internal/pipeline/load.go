package pipeline

import (
	"context"

	"github.com/aristath/stocketl/internal/errkind"
	"github.com/aristath/stocketl/internal/quality"
	"github.com/aristath/stocketl/internal/reconcile"
	"github.com/aristath/stocketl/internal/scheduler"
)

// Load stage task units. Per-table units are named register_<table>,
// materialize_<table> and define_<view>.
const (
	TaskPrepareWarehouse = "prepare_warehouse"
	TaskValidate         = "validate_data_quality"
)

func registerTask(table string) string    { return "register_" + table }
func materializeTask(table string) string { return "materialize_" + table }
func defineTask(view string) string       { return "define_" + view }

func (o *Orchestrator) load(ctx context.Context, rep *RunReport) ([]scheduler.Artifact, error) {
	if o.reconciler == nil {
		return nil, errkind.Configurationf("no warehouse configured")
	}

	units, edges := o.loadGraph()
	g, err := o.graph(ctx, StageLoad, units, edges)
	if err != nil {
		return nil, err
	}

	artifacts, err := o.exec.Execute(ctx, g)
	for _, a := range artifacts {
		switch v := a.Value.(type) {
		case reconcile.Materialized:
			rep.Materialized = append(rep.Materialized, v)
		case reconcile.ViewSpec:
			rep.Views = append(rep.Views, v.Name)
		case quality.Report:
			rep.Validation = v
		}
	}
	return artifacts, err
}

// loadGraph registers external tables, materializes tables from them,
// defines views over those and finally runs the quality checks. Each unit
// depends on the unit producing the table it reads.
func (o *Orchestrator) loadGraph() ([]*scheduler.TaskUnit, []scheduler.Edge) {
	producer := make(map[string]string) // table -> unit that creates it

	units := []*scheduler.TaskUnit{{
		Name:  TaskPrepareWarehouse,
		Retry: scheduler.NoRetry(),
		Action: func(ctx context.Context, _ scheduler.Inputs) (any, error) {
			return nil, o.reconciler.Prepare(ctx)
		},
	}}
	upstream := func(tbl string) []string {
		if u, ok := producer[tbl]; ok {
			return []string{u}
		}
		return []string{TaskPrepareWarehouse}
	}

	for _, spec := range o.catalog.External {
		name := registerTask(spec.TableName)
		units = append(units, &scheduler.TaskUnit{
			Name:   name,
			Retry:  scheduler.Retries(2),
			Inputs: []string{TaskPrepareWarehouse},
			Action: func(ctx context.Context, _ scheduler.Inputs) (any, error) {
				return spec, o.reconciler.RegisterExternal(ctx, spec)
			},
		})
		producer[spec.TableName] = name
	}

	for _, spec := range o.catalog.Materialized {
		name := materializeTask(spec.TableName)
		units = append(units, &scheduler.TaskUnit{
			Name:   name,
			Retry:  scheduler.Retries(2),
			Inputs: upstream(spec.SourceTable),
			Action: func(ctx context.Context, _ scheduler.Inputs) (any, error) {
				m, err := o.reconciler.Materialize(ctx, spec)
				if err != nil {
					return nil, err
				}
				return m, nil
			},
		})
		producer[spec.TableName] = name
	}

	var final []string
	for _, spec := range o.catalog.Views {
		name := defineTask(spec.Name)
		units = append(units, &scheduler.TaskUnit{
			Name:   name,
			Retry:  scheduler.Retries(1),
			Inputs: upstream(spec.Source),
			Action: func(ctx context.Context, _ scheduler.Inputs) (any, error) {
				if err := o.reconciler.DefineView(ctx, spec); err != nil {
					return nil, err
				}
				return spec, nil
			},
		})
		final = append(final, name)
	}
	for _, spec := range o.catalog.Materialized {
		final = append(final, producer[spec.TableName])
	}

	gate := quality.NewGate(o.deps.Warehouse, o.logger)
	checks := o.catalog.Checks
	units = append(units, &scheduler.TaskUnit{
		Name:  TaskValidate,
		Retry: scheduler.Retries(1),
		Action: func(ctx context.Context, _ scheduler.Inputs) (any, error) {
			report := gate.Validate(ctx, checks)
			o.report.checksFinished(ctx, report)
			return report, nil
		},
	})

	edges := make([]scheduler.Edge, 0, len(final))
	for _, u := range final {
		edges = append(edges, scheduler.Edge{From: u, To: TaskValidate})
	}
	return units, edges
}
