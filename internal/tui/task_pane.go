package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/stocketl/internal/events"
)

// Task statuses shown in the task list.
const (
	StatusRunning  = "running"
	StatusRetrying = "retrying"
	StatusDone     = "done"
	StatusCached   = "cached"
	StatusFailed   = "failed"
)

// TaskState is what the pane knows about one task unit.
type TaskState struct {
	Stage     string
	Name      string
	Status    string
	Attempts  int
	Log       []string
	StartTime time.Time
	Duration  time.Duration
}

// TaskPaneModel lists the run's task units and shows the log of the
// selected one in a scrollable viewport.
type TaskPaneModel struct {
	tasks       map[string]*TaskState // stage/task -> state
	order       []string              // insertion order for display
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
}

const taskListWidth = 30

// NewTaskPaneModel creates an empty task pane.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: viewport.New(0, 0),
	}
}

func taskKey(stage, task string) string {
	return stage + "/" + task
}

// Update handles key presses and task events.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch {
		case key.Matches(msg, Keys.NextTask):
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.refresh()
			}
		case key.Matches(msg, Keys.PrevTask):
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.refresh()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskStartedEvent:
		key := taskKey(msg.Stage, msg.Task)
		if _, ok := m.tasks[key]; !ok {
			m.order = append(m.order, key)
		}
		m.tasks[key] = &TaskState{
			Stage:     msg.Stage,
			Name:      msg.Task,
			Status:    StatusRunning,
			StartTime: msg.Timestamp,
			Log:       []string{fmt.Sprintf("%s started", msg.Timestamp.Format(time.TimeOnly))},
		}
		m.refreshIf(key)

	case events.TaskRetryingEvent:
		key := taskKey(msg.Stage, msg.Task)
		if t, ok := m.tasks[key]; ok {
			t.Status = StatusRetrying
			t.Attempts = msg.Attempt
			t.Log = append(t.Log, fmt.Sprintf("attempt %d failed: %v (retry in %v)", msg.Attempt, msg.Err, msg.Delay))
			m.refreshIf(key)
		}

	case events.TaskFinishedEvent:
		key := taskKey(msg.Stage, msg.Task)
		t, ok := m.tasks[key]
		if !ok {
			// Cached units finish without starting
			t = &TaskState{Stage: msg.Stage, Name: msg.Task}
			m.tasks[key] = t
			m.order = append(m.order, key)
		}
		t.Attempts = msg.Attempts
		t.Duration = msg.Duration
		switch {
		case msg.Err != nil:
			t.Status = StatusFailed
			t.Log = append(t.Log, fmt.Sprintf("failed after %d attempts: %v", msg.Attempts, msg.Err))
		case msg.Cached:
			t.Status = StatusCached
			t.Log = append(t.Log, "reused a fresh artifact")
		default:
			t.Status = StatusDone
			t.Log = append(t.Log, fmt.Sprintf("done in %v", msg.Duration.Round(time.Millisecond)))
		}
		m.refreshIf(key)
	}

	return m, cmd
}

// View renders the task list and the selected task's log.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderList(),
		lipgloss.NewStyle().
			Width(m.width-taskListWidth-4).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderList() string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, key := range m.order {
		t := m.tasks[key]
		name := t.Name
		if len(name) > taskListWidth-4 {
			name = name[:taskListWidth-7] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(t.Status), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(taskListWidth).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case StatusRunning:
		return StyleStatusRunning.Render("●")
	case StatusRetrying:
		return StyleStatusRetrying.Render("↻")
	case StatusDone:
		return StyleStatusComplete.Render("✓")
	case StatusCached:
		return StyleStatusCached.Render("≡")
	case StatusFailed:
		return StyleStatusFailed.Render("✗")
	default:
		return StyleStatusPending.Render("○")
	}
}

// Task returns the state of a task unit, if it has been seen.
func (m TaskPaneModel) Task(stage, task string) (TaskState, bool) {
	t, ok := m.tasks[taskKey(stage, task)]
	if !ok {
		return TaskState{}, false
	}
	return *t, true
}

// Len is the number of task units seen.
func (m TaskPaneModel) Len() int {
	return len(m.order)
}

func (m TaskPaneModel) selected() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

func (m *TaskPaneModel) refreshIf(key string) {
	if m.selected() == key {
		m.refresh()
	}
}

// refresh shows the selected task's log, scrolled to the end.
func (m *TaskPaneModel) refresh() {
	t, ok := m.tasks[m.selected()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}
	header := fmt.Sprintf("%s / %s (%s)\n\n", t.Stage, t.Name, t.Status)
	m.viewport.SetContent(header + strings.Join(t.Log, "\n"))
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-taskListWidth-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
