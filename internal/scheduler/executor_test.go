package scheduler

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestExecutor(t *testing.T, cfg ExecutorConfig) *Executor {
	t.Helper()
	exec, err := NewExecutor(cfg)
	if err != nil {
		t.Fatalf("NewExecutor() error = %v", err)
	}
	t.Cleanup(exec.Close)
	return exec
}

func mustBuild(t *testing.T, units []*TaskUnit, edges []Edge) *StageGraph {
	t.Helper()
	g, err := Build(units, edges)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return g
}

// TestExecutorPassesArtifacts verifies that inputs arrive resolved and in declared order.
func TestExecutorPassesArtifacts(t *testing.T) {
	var gotInputs []string
	units := []*TaskUnit{
		{Name: "income", Action: func(context.Context, Inputs) (any, error) { return "I", nil }},
		{Name: "balance", Action: func(context.Context, Inputs) (any, error) { return "B", nil }},
		{
			Name:   "merge",
			Inputs: []string{"balance", "income"},
			Action: func(_ context.Context, in Inputs) (any, error) {
				for _, a := range in {
					gotInputs = append(gotInputs, a.Unit+"="+a.Value.(string))
				}
				v, _ := in.Get("income")
				return "merged:" + v.(string), nil
			},
		},
	}

	exec := newTestExecutor(t, ExecutorConfig{})
	artifacts, err := exec.Execute(context.Background(), mustBuild(t, units, nil))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if want := []string{"balance=B", "income=I"}; !reflect.DeepEqual(gotInputs, want) {
		t.Errorf("inputs = %v, want %v", gotInputs, want)
	}
	if len(artifacts) != 3 {
		t.Fatalf("got %d artifacts, want 3", len(artifacts))
	}
	if artifacts[2].Value != "merged:I" {
		t.Errorf("merge artifact = %v", artifacts[2].Value)
	}
}

// TestExecutorDeterministicOrder verifies that sequential execution follows the stable topological order.
func TestExecutorDeterministicOrder(t *testing.T) {
	for i := 0; i < 10; i++ {
		var mu sync.Mutex
		var ran []string
		record := func(name string) Action {
			return func(context.Context, Inputs) (any, error) {
				mu.Lock()
				ran = append(ran, name)
				mu.Unlock()
				return name, nil
			}
		}

		units := []*TaskUnit{
			{Name: "extract", Action: record("extract")},
			{Name: "stage", Action: record("stage"), Inputs: []string{"extract"}},
			{Name: "upload", Action: record("upload"), Inputs: []string{"stage"}},
			{Name: "configure", Action: record("configure")},
		}
		g := mustBuild(t, units, []Edge{{From: "configure", To: "extract"}})

		artifacts, err := newTestExecutor(t, ExecutorConfig{}).Execute(context.Background(), g)
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}

		if want := g.Order(); !reflect.DeepEqual(ran, want) {
			t.Fatalf("run %d: order = %v, want %v", i, ran, want)
		}
		// Artifacts come back in declaration order
		var names []string
		for _, a := range artifacts {
			names = append(names, a.Unit)
		}
		if want := []string{"extract", "stage", "upload", "configure"}; !reflect.DeepEqual(names, want) {
			t.Fatalf("artifact order = %v, want %v", names, want)
		}
	}
}

// TestExecutorFailFast verifies that no unit starts after a unit exhausts its retries.
func TestExecutorFailFast(t *testing.T) {
	var started []string
	var mu sync.Mutex
	track := func(name string, err error) Action {
		return func(context.Context, Inputs) (any, error) {
			mu.Lock()
			started = append(started, name)
			mu.Unlock()
			return name, err
		}
	}

	boom := errors.New("boom")
	units := []*TaskUnit{
		{Name: "A", Action: track("A", nil)},
		{Name: "B", Action: track("B", boom), Retry: Retries(1)},
		{Name: "C", Action: track("C", nil)},
		{Name: "D", Action: track("D", nil), Inputs: []string{"A"}},
	}

	artifacts, err := newTestExecutor(t, ExecutorConfig{}).Execute(context.Background(), mustBuild(t, units, nil))

	var execErr *TaskExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("Execute() error = %v, want *TaskExecutionError", err)
	}
	if execErr.Unit != "B" || execErr.Attempts != 2 {
		t.Errorf("got %+v, want unit B with 2 attempts", execErr)
	}
	if want := []string{"A", "B", "B"}; !reflect.DeepEqual(started, want) {
		t.Errorf("started = %v, want %v", started, want)
	}
	if len(artifacts) != 1 || artifacts[0].Unit != "A" {
		t.Errorf("partial artifacts = %+v, want only A", artifacts)
	}
}

// TestExecutorParallelWave verifies that independent units overlap when parallelism allows.
func TestExecutorParallelWave(t *testing.T) {
	var running, peak atomic.Int32
	work := func(context.Context, Inputs) (any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	}

	var units []*TaskUnit
	for i := 0; i < 3; i++ {
		units = append(units, &TaskUnit{Name: fmt.Sprintf("extract_%d", i), Action: work})
	}

	if _, err := newTestExecutor(t, ExecutorConfig{Parallelism: 3}).Execute(context.Background(), mustBuild(t, units, nil)); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if peak.Load() < 2 {
		t.Errorf("peak concurrency = %d, want >= 2", peak.Load())
	}
}

// TestExecutorSkipIfFresh verifies that fresh artifacts are reused and stale ones are not.
func TestExecutorSkipIfFresh(t *testing.T) {
	var calls atomic.Int32
	units := []*TaskUnit{{
		Name:  "download",
		Cache: CacheSkipIfFresh,
		Action: func(context.Context, Inputs) (any, error) {
			return int(calls.Add(1)), nil
		},
	}}
	g := mustBuild(t, units, nil)
	obs := newRecordingObserver()
	exec := newTestExecutor(t, ExecutorConfig{Observer: obs})

	first, err := exec.Execute(context.Background(), g)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	second, err := exec.Execute(context.Background(), g)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if calls.Load() != 1 {
		t.Errorf("action called %d times, want 1", calls.Load())
	}
	if first[0].Cached || !second[0].Cached {
		t.Errorf("cached flags = %v, %v, want false, true", first[0].Cached, second[0].Cached)
	}
	if second[0].Value != 1 {
		t.Errorf("cached value = %v, want 1", second[0].Value)
	}
	if !obs.finished["download"].Cached {
		t.Error("observer should see cached finish")
	}

	exec.Invalidate("download")
	if _, err := exec.Execute(context.Background(), g); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("action called %d times after invalidate, want 2", calls.Load())
	}
}

// TestExecutorCacheNone verifies that units without a cache policy always run.
func TestExecutorCacheNone(t *testing.T) {
	var calls atomic.Int32
	g := mustBuild(t, []*TaskUnit{{
		Name:   "upload",
		Action: func(context.Context, Inputs) (any, error) { calls.Add(1); return nil, nil },
	}}, nil)
	exec := newTestExecutor(t, ExecutorConfig{})

	for i := 0; i < 3; i++ {
		if _, err := exec.Execute(context.Background(), g); err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
	}
	if calls.Load() != 3 {
		t.Errorf("action called %d times, want 3", calls.Load())
	}
}

// TestExecutorCancelledContext verifies that a cancelled context starts nothing.
func TestExecutorCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32
	g := mustBuild(t, []*TaskUnit{{
		Name:   "A",
		Action: func(context.Context, Inputs) (any, error) { calls.Add(1); return nil, nil },
	}}, nil)

	_, err := newTestExecutor(t, ExecutorConfig{}).Execute(ctx, g)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute() error = %v, want context.Canceled", err)
	}
	if calls.Load() != 0 {
		t.Errorf("action ran %d times on cancelled context", calls.Load())
	}
}

// TestExecutorObserver verifies started and finished notifications.
func TestExecutorObserver(t *testing.T) {
	obs := newRecordingObserver()
	g := mustBuild(t, []*TaskUnit{unit("A"), unit("B", "A")}, nil)

	if _, err := newTestExecutor(t, ExecutorConfig{Observer: obs}).Execute(context.Background(), g); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if want := []string{"A", "B"}; !reflect.DeepEqual(obs.startedUnits(), want) {
		t.Errorf("started = %v, want %v", obs.startedUnits(), want)
	}
	if obs.finished["B"].Attempts != 1 || obs.finished["B"].Err != nil {
		t.Errorf("finished[B] = %+v", obs.finished["B"])
	}
}
