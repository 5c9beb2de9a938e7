package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/stocketl/internal/cluster"
	"github.com/aristath/stocketl/internal/errkind"
	"github.com/aristath/stocketl/internal/events"
	"github.com/aristath/stocketl/internal/lease"
	"github.com/aristath/stocketl/internal/objectstore"
	"github.com/aristath/stocketl/internal/persistence"
	"github.com/aristath/stocketl/internal/source"
	"github.com/aristath/stocketl/internal/table"
	"github.com/aristath/stocketl/internal/transform"
	"github.com/aristath/stocketl/internal/warehouse"
)

type harness struct {
	orch      *Orchestrator
	store     *objectstore.FileStore
	warehouse *warehouse.SQLiteWarehouse
	cluster   *cluster.LocalCluster
	leases    *lease.Manager
	history   *persistence.SQLiteStore
	bus       *events.EventBus
	events    <-chan events.Event
	metrics   *Metrics
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newHarness wires an orchestrator to fixture data, a temp bucket, an
// in-process cluster and in-memory databases. mutate may adjust the wiring.
func newHarness(t *testing.T, mutate func(*Config, *Deps)) *harness {
	t.Helper()
	ctx := context.Background()
	logger := quietLogger()

	store, err := objectstore.NewFileStore(t.TempDir())
	require.NoError(t, err)

	wh, err := warehouse.OpenMemory(ctx, store, logger)
	require.NoError(t, err)
	t.Cleanup(func() { wh.Close() })

	history, err := persistence.NewMemoryStore(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { history.Close() })

	local := cluster.NewLocalCluster(logger)
	(&transform.Jobs{Store: store, Logger: logger}).Register(local)

	leases := lease.NewManager(lease.Config{
		StartRetries:   1,
		PollInterval:   5 * time.Millisecond,
		ReleaseTimeout: time.Second,
	}, logger)

	bus := events.NewEventBus()
	t.Cleanup(bus.Close)
	all := bus.SubscribeAll(1024)

	h := &harness{
		store:     store,
		warehouse: wh,
		cluster:   local,
		leases:    leases,
		history:   history,
		bus:       bus,
		events:    all,
		metrics:   NewMetrics(nil),
	}

	cfg := Config{
		StagingDir:   filepath.Join(t.TempDir(), "staging"),
		ReadyTimeout: time.Second,
	}
	deps := Deps{
		Source:    &source.FixtureSource{Dir: "testdata"},
		Store:     store,
		Cluster:   local,
		Leases:    leases,
		Warehouse: wh,
		History:   history,
		Bus:       bus,
		Metrics:   h.metrics,
		Logger:    logger,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}

	h.orch, err = New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(h.orch.Close)
	return h
}

// drain returns the events published so far.
func (h *harness) drain() []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (h *harness) query(t *testing.T, q string) [][]any {
	t.Helper()
	res, err := h.warehouse.RunQuery(context.Background(), q)
	require.NoError(t, err)
	return res.Rows
}

func TestRun_EndToEnd(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	rep, err := h.orch.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, StateComplete, rep.State)
	assert.Empty(t, rep.FailedStage)
	require.Len(t, rep.Stages, 3)
	for i, stage := range Stages {
		assert.Equal(t, stage, rep.Stages[i].Stage)
		assert.NoError(t, rep.Stages[i].Err)
	}

	// 2 tickers x 3 fiscal years with revenue; AAA 2023 only has a balance
	// sheet and stays in the external table. Prices keep the 7 quotes with a
	// positive close.
	assert.Equal(t, [][]any{{int64(7)}}, h.query(t, `SELECT COUNT(*) FROM `+FundamentalsExternal))
	assert.Equal(t, [][]any{{int64(1)}}, h.query(t, `SELECT COUNT(*) FROM `+FundamentalsExternal+` WHERE "Revenue" IS NULL`))
	assert.Equal(t, FundamentalsTable, rep.Materialized[0].TableName)
	assert.Equal(t, int64(6), rep.Materialized[0].RowCount)
	assert.Equal(t, [][]any{{int64(0)}}, h.query(t, `SELECT COUNT(*) FROM `+FundamentalsTable+` WHERE Year = 2023`))
	assert.Equal(t, PricesTable, rep.Materialized[1].TableName)
	assert.Equal(t, int64(7), rep.Materialized[1].RowCount)
	assert.Equal(t, []string{"annual_company_metrics", "monthly_price_stats", "top_performers"}, rep.Views)

	checks := rep.Validation.Map()
	assert.Equal(t, int64(6), checks["Fundamentals row count"].Value)
	assert.Equal(t, int64(7), checks["Prices row count"].Value)
	assert.Equal(t, int64(2), checks["Unique tickers in fundamentals"].Value)
	assert.Equal(t, int64(2), checks["Unique tickers in prices"].Value)
	assert.Empty(t, rep.Validation.Failed())

	// Company names come from the companies dataset
	assert.Equal(t, [][]any{{int64(0)}}, h.query(t, `SELECT COUNT(*) FROM stock_fundamentals WHERE Company_Name IS NULL`))

	top := h.query(t, `SELECT Ticker, Year FROM top_performers`)
	assert.Equal(t, [][]any{{"AAA", int64(2022)}}, top)

	feb := h.query(t, `SELECT Trading_Days FROM monthly_price_stats WHERE Ticker = 'BBB' AND Month = 2`)
	assert.Equal(t, [][]any{{int64(1)}}, feb)

	// The cluster lease was released exactly once and nothing is left running
	assert.False(t, h.cluster.Running())
	assert.Zero(t, h.leases.Count())

	// Raw and transformed objects are where the load stage expects them
	ok, err := h.store.Exists(ctx, transform.RawObject(transform.JobPrices))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRun_RecordsHistoryEventsAndMetrics(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	rep, err := h.orch.Run(ctx)
	require.NoError(t, err)

	run, err := h.history.GetRun(ctx, rep.RunID)
	require.NoError(t, err)
	assert.Equal(t, string(StateComplete), run.State)
	assert.Equal(t, Stages, run.Stages)

	tasks, err := h.history.ListTasks(ctx, rep.RunID)
	require.NoError(t, err)
	assert.Len(t, tasks, 8+2+9)

	checks, err := h.history.ListChecks(ctx, rep.RunID)
	require.NoError(t, err)
	require.Len(t, checks, 4)
	assert.Equal(t, "Fundamentals row count", checks[0].Name)
	assert.Equal(t, "6", checks[0].Value)

	evs := h.drain()
	require.NotEmpty(t, evs)
	assert.Equal(t, events.EventTypeRunStarted, evs[0].EventType())
	assert.Equal(t, events.EventTypeRunFinished, evs[len(evs)-1].EventType())

	counts := make(map[string]int)
	for _, ev := range evs {
		assert.Equal(t, rep.RunID, ev.Run())
		counts[ev.EventType()]++
	}
	assert.Equal(t, 3, counts[events.EventTypeStageStarted])
	assert.Equal(t, 3, counts[events.EventTypeStageFinished])
	assert.Equal(t, 1, counts[events.EventTypeLeaseAcquired])
	assert.Equal(t, 1, counts[events.EventTypeLeaseReleased])
	assert.Equal(t, 4, counts[events.EventTypeCheckFinished])
	assert.Equal(t, 19, counts[events.EventTypeTaskFinished])

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RunsTotal.WithLabelValues(string(StateComplete))))
	assert.Equal(t, 7.0, testutil.ToFloat64(h.metrics.MaterializedRows.WithLabelValues(PricesTable)))
	assert.Equal(t, 6.0, testutil.ToFloat64(h.metrics.CheckValue.WithLabelValues("Fundamentals row count")))
	assert.Zero(t, testutil.ToFloat64(h.metrics.LeasesHeld))

	out := filepath.Join(t.TempDir(), "stocketl.prom")
	require.NoError(t, h.metrics.WriteTextfile(out))
}

func TestRunStages_LoadIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.orch.Run(ctx)
	require.NoError(t, err)

	snapshot := func() map[string]any {
		out := make(map[string]any)
		for _, tbl := range []string{FundamentalsTable, PricesTable} {
			n, err := h.warehouse.RowCount(ctx, tbl)
			require.NoError(t, err)
			out["rows:"+tbl] = n
			schema, err := h.warehouse.TableSchema(ctx, tbl)
			require.NoError(t, err)
			out["schema:"+tbl] = schema
		}
		for _, v := range h.orch.Catalog().Views {
			def, err := h.warehouse.ViewDefinition(ctx, v.Name)
			require.NoError(t, err)
			out["view:"+v.Name] = def
		}
		return out
	}

	before := snapshot()

	rep, err := h.orch.RunStages(ctx, StageLoad)
	require.NoError(t, err)
	assert.Equal(t, []string{StageLoad}, rep.Requested)
	assert.Equal(t, before, snapshot())
}

func TestRun_TransformFailureReleasesClusterAndStops(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	h := newHarness(t, nil)
	h.cluster.Register(transform.JobFundamentals, func(ctx context.Context, job cluster.JobSpec) (string, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return "", errors.New("executor lost")
	})

	rep, err := h.orch.Run(context.Background())
	require.Error(t, err)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageTransform, stageErr.Stage)
	assert.ErrorIs(t, err, errkind.ErrTaskExecution)

	assert.Equal(t, StateFailed, rep.State)
	assert.Equal(t, StageTransform, rep.FailedStage)
	assert.Len(t, rep.Stages, 2, "load must not run after a failed transform")
	assert.Equal(t, 2, attempts, "one retry after the first attempt")

	assert.False(t, h.cluster.Running())
	assert.Zero(t, h.leases.Count())

	run, err := h.history.GetRun(context.Background(), rep.RunID)
	require.NoError(t, err)
	assert.Equal(t, string(StateFailed), run.State)
	assert.Equal(t, StageTransform, run.FailedStage)
}

// flakySource fails the first failures loads of one dataset.
type flakySource struct {
	source.Source
	dataset  string
	failures int
	err      error

	mu    sync.Mutex
	calls int
}

func (s *flakySource) Load(ctx context.Context, d source.Dataset) (*table.Table, error) {
	if d.Name == s.dataset {
		s.mu.Lock()
		s.calls++
		fail := s.calls <= s.failures
		s.mu.Unlock()
		if fail {
			return nil, s.err
		}
	}
	return s.Source.Load(ctx, d)
}

func TestRun_TransientExtractFailuresAreRetried(t *testing.T) {
	flaky := &flakySource{
		Source:   &source.FixtureSource{Dir: "testdata"},
		dataset:  "shareprices",
		failures: 2,
		err:      errkind.Transient(fmt.Errorf("%w: 429", source.ErrRateLimit)),
	}
	h := newHarness(t, func(_ *Config, d *Deps) { d.Source = flaky })

	rep, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateComplete, rep.State)
	assert.Equal(t, 3, flaky.calls)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.TaskRetries.WithLabelValues(StageExtract, TaskExtractPrices)))
}

func TestRun_AuthenticationFailureIsNotRetried(t *testing.T) {
	flaky := &flakySource{
		Source:   &source.FixtureSource{Dir: "testdata"},
		dataset:  "income",
		failures: 10,
		err:      errkind.Configuration(source.ErrAuthentication),
	}
	h := newHarness(t, func(_ *Config, d *Deps) { d.Source = flaky })

	rep, err := h.orch.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, source.ErrAuthentication)
	assert.ErrorIs(t, err, errkind.ErrConfiguration)
	assert.Equal(t, StageExtract, rep.FailedStage)
	assert.Len(t, rep.Stages, 1)
	assert.Equal(t, 1, flaky.calls)
}

func TestRun_SecondRunReusesFreshExtracts(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) { c.FreshFor = time.Hour })
	ctx := context.Background()

	_, err := h.orch.Run(ctx)
	require.NoError(t, err)
	rep, err := h.orch.Run(ctx)
	require.NoError(t, err)

	tasks, err := h.history.ListTasks(ctx, rep.RunID)
	require.NoError(t, err)
	cached := make(map[string]bool)
	for _, task := range tasks {
		cached[task.Task] = task.Cached
	}
	assert.True(t, cached[TaskExtractPrices])
	assert.True(t, cached[TaskExtractFundamentals])
	assert.False(t, cached[TaskUploadPrices])
}

func TestRunStages_LoadOnlyNeedsWarehouse(t *testing.T) {
	h := newHarness(t, func(_ *Config, d *Deps) {
		d.Source = nil
		d.Cluster = nil
	})

	rep, err := h.orch.RunStages(context.Background(), StageLoad)
	require.NoError(t, err)
	require.Len(t, rep.Materialized, 2)
	assert.Zero(t, rep.Materialized[0].RowCount)
	assert.Equal(t, int64(0), rep.Validation.Map()["Prices row count"].Value)
}

func TestRunStages_MissingCollaborator(t *testing.T) {
	h := newHarness(t, func(_ *Config, d *Deps) { d.Cluster = nil })

	rep, err := h.orch.RunStages(context.Background(), StageTransform)
	require.Error(t, err)
	assert.ErrorIs(t, err, errkind.ErrConfiguration)
	assert.Equal(t, StageTransform, rep.FailedStage)
}

func TestRunStages_UnknownStage(t *testing.T) {
	h := newHarness(t, nil)

	rep, err := h.orch.RunStages(context.Background(), StageLoad, "publish")
	assert.Nil(t, rep)
	assert.ErrorIs(t, err, errkind.ErrConfiguration)
}

func TestNormalizeStages(t *testing.T) {
	got, err := normalizeStages([]string{StageLoad, StageExtract, StageLoad})
	require.NoError(t, err)
	assert.Equal(t, []string{StageExtract, StageLoad}, got)

	all, err := normalizeStages(nil)
	require.NoError(t, err)
	assert.Equal(t, Stages, all)
}

func TestNew_RejectsUnknownVariant(t *testing.T) {
	_, err := New(Config{Variant: "monthly"}, Deps{Logger: quietLogger()})
	assert.ErrorIs(t, err, errkind.ErrConfiguration)
}
