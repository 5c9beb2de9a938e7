package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/aristath/stocketl/internal/persistence"
	"github.com/aristath/stocketl/internal/pipeline"
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(StyleStatusPending).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return StyleTableHeader
			}
			return StyleTableCell
		})
}

func stateStyle(state string) lipgloss.Style {
	switch state {
	case string(pipeline.StateComplete):
		return StyleStatusComplete
	case string(pipeline.StateFailed):
		return StyleStatusFailed
	default:
		return StyleStatusRunning
	}
}

// RenderReport renders the outcome of a run for the terminal.
func RenderReport(rep *pipeline.RunReport) string {
	var b strings.Builder

	b.WriteString(StyleTitle.Render(fmt.Sprintf("Run %s", rep.RunID)))
	b.WriteString(" ")
	b.WriteString(stateStyle(string(rep.State)).Render(string(rep.State)))
	b.WriteString(fmt.Sprintf(" in %v\n", rep.Duration().Round(time.Millisecond)))
	if rep.Err != nil {
		b.WriteString(StyleStatusFailed.Render(rep.Err.Error()))
		b.WriteString("\n")
	}

	stages := newTable("Stage", "Status", "Tasks", "Duration")
	for _, s := range rep.Stages {
		status := StatusIcon(StatusDone) + " ok"
		if s.Err != nil {
			status = StatusIcon(StatusFailed) + " failed"
		}
		stages.Row(s.Stage, status, fmt.Sprint(len(s.Artifacts)), s.Duration.Round(time.Millisecond).String())
	}
	b.WriteString(stages.String())
	b.WriteString("\n")

	if len(rep.Materialized) > 0 {
		tables := newTable("Table", "Rows")
		for _, m := range rep.Materialized {
			tables.Row(m.TableName, fmt.Sprint(m.RowCount))
		}
		b.WriteString(tables.String())
		b.WriteString("\n")
	}
	if len(rep.Views) > 0 {
		b.WriteString("Views: " + strings.Join(rep.Views, ", ") + "\n")
	}

	if len(rep.Validation.Results) > 0 {
		checks := newTable("Check", "Value")
		for _, c := range rep.Validation.Results {
			if c.Err != nil {
				checks.Row(c.Name, StyleStatusFailed.Render(c.Err.Error()))
				continue
			}
			checks.Row(c.Name, fmt.Sprint(c.Value))
		}
		b.WriteString(checks.String())
		b.WriteString("\n")
	}
	return b.String()
}

// RenderHistory renders recorded runs, newest first.
func RenderHistory(runs []persistence.Run) string {
	if len(runs) == 0 {
		return StyleStatusPending.Render("No runs recorded") + "\n"
	}
	t := newTable("Run", "Started", "Stages", "State", "Duration", "Error")
	for _, r := range runs {
		state := r.State
		if r.FailedStage != "" {
			state += " (" + r.FailedStage + ")"
		}
		t.Row(
			r.ID,
			r.StartedAt.Local().Format(time.DateTime),
			strings.Join(r.Stages, ","),
			stateStyle(r.State).Render(state),
			r.Duration().Round(time.Millisecond).String(),
			truncate(r.Error, 60),
		)
	}
	return t.String() + "\n"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// RenderRunDetail renders one recorded run with its tasks and checks.
func RenderRunDetail(run persistence.Run, tasks []persistence.TaskRecord, checks []persistence.CheckRecord) string {
	var b strings.Builder
	b.WriteString(RenderHistory([]persistence.Run{run}))

	if len(tasks) > 0 {
		t := newTable("Stage", "Task", "Status", "Attempts", "Duration")
		for _, task := range tasks {
			status := StatusIcon(StatusDone) + " ok"
			switch {
			case task.Error != "":
				status = StatusIcon(StatusFailed) + " " + truncate(task.Error, 50)
			case task.Cached:
				status = StatusIcon(StatusCached) + " cached"
			}
			t.Row(task.Stage, task.Task, status, fmt.Sprint(task.Attempts), task.Duration.Round(time.Millisecond).String())
		}
		b.WriteString(t.String())
		b.WriteString("\n")
	}

	if len(checks) > 0 {
		t := newTable("Check", "Value")
		for _, c := range checks {
			if c.Error != "" {
				t.Row(c.Name, StyleStatusFailed.Render(c.Error))
				continue
			}
			t.Row(c.Name, c.Value)
		}
		b.WriteString(t.String())
		b.WriteString("\n")
	}
	return b.String()
}
