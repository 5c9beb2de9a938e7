package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/stocketl/internal/events"
	"github.com/aristath/stocketl/internal/persistence"
	"github.com/aristath/stocketl/internal/pipeline"
	"github.com/aristath/stocketl/internal/quality"
	"github.com/aristath/stocketl/internal/reconcile"
)

func feed(t *testing.T, m Model, msgs ...tea.Msg) Model {
	t.Helper()
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		m = next.(Model)
	}
	return m
}

func TestModelTracksRun(t *testing.T) {
	sub := make(chan events.Event)
	m := NewWithSubscription(sub, Options{})
	now := time.Now()

	m = feed(t, m,
		tea.WindowSizeMsg{Width: 140, Height: 40},
		events.RunStartedEvent{RunID: "r1", Stages: []string{"extract", "transform"}, Timestamp: now},
		events.StageStartedEvent{RunID: "r1", Stage: "extract", Tasks: []string{"a", "b"}},
		events.TaskStartedEvent{RunID: "r1", Stage: "extract", Task: "a", Timestamp: now},
		events.TaskRetryingEvent{RunID: "r1", Stage: "extract", Task: "a", Attempt: 1, Err: errors.New("429")},
		events.TaskFinishedEvent{RunID: "r1", Stage: "extract", Task: "a", Attempts: 2},
		events.TaskFinishedEvent{RunID: "r1", Stage: "extract", Task: "b", Attempts: 1, Cached: true},
		events.StageFinishedEvent{RunID: "r1", Stage: "extract", Duration: time.Second},
		events.LeaseAcquiredEvent{RunID: "r1", ResourceID: "spark-cluster"},
	)

	a, ok := m.Tasks().Task("extract", "a")
	if !ok {
		t.Fatal("task a not tracked")
	}
	if a.Status != StatusDone || a.Attempts != 2 {
		t.Errorf("task a = %s after %d attempts, want done after 2", a.Status, a.Attempts)
	}
	if len(a.Log) != 3 {
		t.Errorf("task a log has %d lines, want 3: %v", len(a.Log), a.Log)
	}

	b, ok := m.Tasks().Task("extract", "b")
	if !ok || b.Status != StatusCached {
		t.Errorf("task b = %+v, want cached", b)
	}
	if m.Tasks().Len() != 2 {
		t.Errorf("Len() = %d, want 2", m.Tasks().Len())
	}

	extract, _ := m.Stages().Stage("extract")
	if extract.Total != 2 || extract.Finished != 2 || extract.Running {
		t.Errorf("extract progress = %+v", extract)
	}
	if extract.Fraction() != 1 {
		t.Errorf("Fraction() = %v, want 1", extract.Fraction())
	}
	if !strings.Contains(m.Stages().Lease(), "spark-cluster held") {
		t.Errorf("Lease() = %q", m.Stages().Lease())
	}

	view := m.View()
	for _, want := range []string{"r1", "Tasks", "Stages", "transform"} {
		if !strings.Contains(view, want) {
			t.Errorf("view does not contain %q", want)
		}
	}
}

func TestModelRunFinished(t *testing.T) {
	sub := make(chan events.Event)
	m := NewWithSubscription(sub, Options{Stages: pipeline.Stages})
	m = feed(t, m,
		tea.WindowSizeMsg{Width: 120, Height: 30},
		events.RunFinishedEvent{RunID: "r2", State: "failed", FailedStage: "transform", Err: errors.New("boom")},
	)

	f, ok := m.Finished()
	if !ok || f.FailedStage != "transform" {
		t.Fatalf("Finished() = %+v, %v", f, ok)
	}
	if !strings.Contains(m.View(), "failed at transform") {
		t.Error("header does not show the failure")
	}
}

func TestModelQuitOnFinish(t *testing.T) {
	m := NewWithSubscription(make(chan events.Event), Options{QuitOnFinish: true})
	_, cmd := m.Update(events.RunFinishedEvent{RunID: "r3", State: "complete"})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
}

func TestFocusCycles(t *testing.T) {
	m := NewWithSubscription(make(chan events.Event), Options{})
	m = feed(t, m, tea.WindowSizeMsg{Width: 100, Height: 30})
	if m.focusedPane != PaneTasks {
		t.Fatalf("initial focus = %d", m.focusedPane)
	}
	m = feed(t, m, tea.KeyMsg{Type: tea.KeyTab})
	if m.focusedPane != PaneStages {
		t.Errorf("after tab focus = %d, want stages", m.focusedPane)
	}
	m = feed(t, m, tea.KeyMsg{Type: tea.KeyTab})
	if m.focusedPane != PaneTasks {
		t.Errorf("after second tab focus = %d, want tasks", m.focusedPane)
	}
}

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestKeyBindings(t *testing.T) {
	m := NewWithSubscription(make(chan events.Event), Options{})
	m = feed(t, m,
		tea.WindowSizeMsg{Width: 100, Height: 30},
		events.TaskStartedEvent{RunID: "r1", Stage: "extract", Task: "a"},
		events.TaskStartedEvent{RunID: "r1", Stage: "extract", Task: "b"},
	)

	m = feed(t, m, runes("2"))
	if m.focusedPane != PaneStages {
		t.Errorf("after 2 focus = %d, want stages", m.focusedPane)
	}
	m = feed(t, m, runes("1"), runes("j"))
	if m.focusedPane != PaneTasks {
		t.Errorf("after 1 focus = %d, want tasks", m.focusedPane)
	}
	if m.taskPane.selectedIdx != 1 {
		t.Errorf("after j selected = %d, want 1", m.taskPane.selectedIdx)
	}
	m = feed(t, m, tea.KeyMsg{Type: tea.KeyUp})
	if m.taskPane.selectedIdx != 0 {
		t.Errorf("after up selected = %d, want 0", m.taskPane.selectedIdx)
	}

	_, cmd := m.Update(runes("q"))
	if cmd == nil {
		t.Fatal("q returned no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q did not quit")
	}

	if help := HelpView(); !strings.Contains(help, "next task") || !strings.Contains(help, "stop run and quit") {
		t.Errorf("HelpView() = %q", help)
	}
}

func TestStagePaneLeaseLifecycle(t *testing.T) {
	m := NewWithSubscription(make(chan events.Event), Options{Stages: pipeline.Stages})
	m = feed(t, m, tea.WindowSizeMsg{Width: 120, Height: 30})
	if m.Stages().LeaseHeld() {
		t.Fatal("lease held before acquisition")
	}

	m = feed(t, m, events.LeaseAcquiredEvent{RunID: "r1", ResourceID: "spark-cluster"})
	if !m.Stages().LeaseHeld() {
		t.Error("lease not held after acquisition")
	}

	m = feed(t, m, events.LeaseReleasedEvent{RunID: "r1", ResourceID: "spark-cluster", Held: time.Second, Err: errors.New("compose down failed")})
	if m.Stages().LeaseHeld() {
		t.Error("lease still held after release")
	}
	lease := m.Stages().Lease()
	if !strings.Contains(lease, "released after 1s") || !strings.Contains(lease, "teardown: compose down failed") {
		t.Errorf("Lease() = %q", lease)
	}
	if !strings.Contains(m.View(), "cluster") {
		t.Error("view does not show the cluster line")
	}
}

func TestWaitForEventClosedBus(t *testing.T) {
	sub := make(chan events.Event)
	close(sub)
	if msg := waitForEvent(sub)(); msg != nil {
		t.Errorf("closed subscription returned %v", msg)
	}
}

func TestRenderReport(t *testing.T) {
	rep := &pipeline.RunReport{
		RunID: "r4",
		State: pipeline.StateComplete,
		Stages: []pipeline.StageReport{
			{Stage: pipeline.StageLoad, Duration: time.Second},
		},
		Materialized: []reconcile.Materialized{{TableName: "stock_prices", RowCount: 7}},
		Views:        []string{"monthly_price_stats"},
		Validation: quality.Report{Results: []quality.CheckResult{
			{Name: "Prices row count", Value: int64(7)},
			{Name: "Unique tickers in prices", Err: errors.New("no such table")},
		}},
		StartedAt:  time.Now().Add(-time.Second),
		FinishedAt: time.Now(),
	}

	out := RenderReport(rep)
	for _, want := range []string{"r4", "complete", "stock_prices", "7", "monthly_price_stats", "no such table"} {
		if !strings.Contains(out, want) {
			t.Errorf("report does not contain %q:\n%s", want, out)
		}
	}
}

func TestRenderHistory(t *testing.T) {
	if out := RenderHistory(nil); !strings.Contains(out, "No runs") {
		t.Errorf("empty history = %q", out)
	}

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	out := RenderHistory([]persistence.Run{{
		ID:          "r5",
		Stages:      []string{"extract", "transform"},
		State:       "failed",
		FailedStage: "transform",
		Error:       strings.Repeat("x", 100),
		StartedAt:   start,
		FinishedAt:  start.Add(90 * time.Second),
	}})
	for _, want := range []string{"r5", "failed (transform)", "extract,transform", "1m30s", "..."} {
		if !strings.Contains(out, want) {
			t.Errorf("history does not contain %q:\n%s", want, out)
		}
	}
}
