package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aristath/stocketl/internal/errkind"
	"github.com/aristath/stocketl/internal/scheduler"
	"github.com/aristath/stocketl/internal/source"
	"github.com/aristath/stocketl/internal/table"
	"github.com/aristath/stocketl/internal/transform"
)

// Extract stage task units.
const (
	TaskConfigureSource     = "configure_source"
	TaskExtractCompanies    = "extract_companies"
	TaskExtractFundamentals = "extract_fundamentals"
	TaskExtractPrices       = "extract_prices"
	TaskStageFundamentals   = "stage_fundamentals"
	TaskStagePrices         = "stage_prices"
	TaskUploadFundamentals  = "upload_fundamentals"
	TaskUploadPrices        = "upload_prices"
)

// breakerSource is shared by every unit that calls the data provider.
const breakerSource = "source"

// Merge keys of the provider's statement datasets.
var statementKeys = []string{"Ticker", "Report Date"}

func (o *Orchestrator) extract(ctx context.Context) ([]scheduler.Artifact, error) {
	g, err := o.graph(ctx, StageExtract, o.extractUnits(), nil)
	if err != nil {
		return nil, err
	}
	return o.exec.Execute(ctx, g)
}

func (o *Orchestrator) extractUnits() []*scheduler.TaskUnit {
	return []*scheduler.TaskUnit{
		{
			Name:   TaskConfigureSource,
			Action: o.configureSource,
			Retry:  scheduler.NoRetry(),
		},
		{
			Name:    TaskExtractCompanies,
			Action:  o.loadDataset(source.Dataset{Name: "companies", Market: o.cfg.Market}),
			Retry:   scheduler.Retries(2),
			Cache:   scheduler.CacheSkipIfFresh,
			Inputs:  []string{TaskConfigureSource},
			Breaker: breakerSource,
		},
		{
			Name:    TaskExtractFundamentals,
			Action:  o.extractFundamentals,
			Retry:   scheduler.Retries(2),
			Cache:   scheduler.CacheSkipIfFresh,
			Inputs:  []string{TaskConfigureSource, TaskExtractCompanies},
			Breaker: breakerSource,
		},
		{
			Name:    TaskExtractPrices,
			Action:  o.loadDataset(source.Dataset{Name: "shareprices", Variant: "daily", Market: o.cfg.Market}),
			Retry:   scheduler.Retries(2),
			Cache:   scheduler.CacheSkipIfFresh,
			Inputs:  []string{TaskConfigureSource},
			Breaker: breakerSource,
		},
		{
			Name:   TaskStageFundamentals,
			Action: o.stageDataset(transform.JobFundamentals, TaskExtractFundamentals),
			Retry:  scheduler.NoRetry(),
			Inputs: []string{TaskConfigureSource, TaskExtractFundamentals},
		},
		{
			Name:   TaskStagePrices,
			Action: o.stageDataset(transform.JobPrices, TaskExtractPrices),
			Retry:  scheduler.NoRetry(),
			Inputs: []string{TaskConfigureSource, TaskExtractPrices},
		},
		{
			Name:   TaskUploadFundamentals,
			Action: o.upload(transform.JobFundamentals, TaskStageFundamentals),
			Retry:  scheduler.Retries(2),
			Inputs: []string{TaskStageFundamentals},
		},
		{
			Name:   TaskUploadPrices,
			Action: o.upload(transform.JobPrices, TaskStagePrices),
			Retry:  scheduler.Retries(2),
			Inputs: []string{TaskStagePrices},
		},
	}
}

// configureSource checks the extract collaborators and prepares the staging
// directory. Its artifact is the staging directory.
func (o *Orchestrator) configureSource(ctx context.Context, _ scheduler.Inputs) (any, error) {
	if o.deps.Source == nil {
		return nil, errkind.Configurationf("no data source configured")
	}
	if o.deps.Store == nil {
		return nil, errkind.Configurationf("no object store configured")
	}
	if err := os.MkdirAll(o.cfg.StagingDir, 0755); err != nil {
		return nil, errkind.Configuration(fmt.Errorf("create staging dir: %w", err))
	}
	o.logger.Info("data source configured", "market", o.cfg.Market, "variant", o.cfg.Variant, "staging", o.cfg.StagingDir)
	return o.cfg.StagingDir, nil
}

func (o *Orchestrator) loadDataset(d source.Dataset) scheduler.Action {
	return func(ctx context.Context, _ scheduler.Inputs) (any, error) {
		t, err := o.deps.Source.Load(ctx, d)
		if err != nil {
			return nil, err
		}
		o.logger.Info("dataset extracted", "dataset", d.String(), "rows", t.Len())
		return t, nil
	}
}

// extractFundamentals outer-merges the income, balance and cashflow
// statements and adds company names.
func (o *Orchestrator) extractFundamentals(ctx context.Context, in scheduler.Inputs) (any, error) {
	var merged *table.Table
	for _, name := range []string{"income", "balance", "cashflow"} {
		d := source.Dataset{Name: name, Variant: o.cfg.Variant, Market: o.cfg.Market}
		t, err := o.deps.Source.Load(ctx, d)
		if err != nil {
			return nil, err
		}
		if merged == nil {
			merged = t
			continue
		}
		if merged, err = table.OuterMerge(merged, t, statementKeys...); err != nil {
			return nil, errkind.Configuration(fmt.Errorf("merge %s: %w", d, err))
		}
	}

	if v, ok := in.Get(TaskExtractCompanies); ok {
		companies := v.(*table.Table)
		joined, err := table.LeftJoin(merged, companies.Select("Ticker", "Company Name"), "Ticker")
		if err != nil {
			return nil, errkind.Configuration(fmt.Errorf("join company names: %w", err))
		}
		merged = joined
	}

	o.logger.Info("fundamentals extracted", "rows", merged.Len(), "columns", len(merged.Columns))
	return merged, nil
}

// stageDataset writes the extracted table to <staging>/<ds>.csv with
// string-safe column names. The extracted table itself is left untouched so
// a cached extract can be staged again.
func (o *Orchestrator) stageDataset(ds, from string) scheduler.Action {
	return func(ctx context.Context, in scheduler.Inputs) (any, error) {
		dir, _ := in.Get(TaskConfigureSource)
		v, _ := in.Get(from)
		t := v.(*table.Table)

		staged := &table.Table{Columns: append([]string(nil), t.Columns...), Rows: t.Rows}
		staged.SanitizeColumns()

		p := filepath.Join(dir.(string), ds+".csv")
		if err := staged.WriteCSVFile(p); err != nil {
			return nil, fmt.Errorf("stage %s: %w", ds, err)
		}
		o.logger.Info("dataset staged", "dataset", ds, "path", p, "rows", staged.Len())
		return p, nil
	}
}

func (o *Orchestrator) upload(ds, from string) scheduler.Action {
	return func(ctx context.Context, in scheduler.Inputs) (any, error) {
		v, _ := in.Get(from)
		obj := transform.RawObject(ds)
		info, err := o.deps.Store.Put(ctx, v.(string), obj)
		if err != nil {
			return nil, errkind.Transient(fmt.Errorf("upload %s: %w", obj, err))
		}
		o.logger.Info("dataset uploaded", "object", obj, "size", info.Size)
		return info, nil
	}
}
