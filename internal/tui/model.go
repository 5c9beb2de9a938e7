package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/stocketl/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneStages
)

const paneCount = 2

// Options tune the progress view.
type Options struct {
	Stages       []string // Stages shown before the run announces its own
	QuitOnFinish bool     // Exit as soon as the run finishes
}

// Model is the root Bubble Tea model of the run progress view.
type Model struct {
	taskPane    TaskPaneModel
	stagePane   StagePaneModel
	spinner     spinner.Model
	focusedPane PaneID
	eventSub    <-chan events.Event
	opts        Options
	width       int
	height      int
	quitting    bool

	runID    string
	finished *events.RunFinishedEvent
}

// New creates the progress view. It subscribes to every event on the bus, so
// it must be created before the run starts.
func New(bus *events.EventBus, opts Options) Model {
	return NewWithSubscription(bus.SubscribeAll(256), opts)
}

// NewWithSubscription creates the progress view over an existing event
// subscription.
func NewWithSubscription(sub <-chan events.Event, opts Options) Model {
	return Model{
		taskPane:  NewTaskPaneModel(),
		stagePane: NewStagePaneModel(opts.Stages),
		spinner:   spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(StyleStatusRunning)),
		eventSub:  sub,
		opts:      opts,
	}
}

// Init starts listening for events.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.eventSub), m.spinner.Tick)
}

// waitForEvent returns a command that waits for the next event from the bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, Keys.Quit):
			m.quitting = true
			return m, tea.Quit

		case key.Matches(msg, Keys.NextPane):
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case key.Matches(msg, Keys.PrevPane):
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case key.Matches(msg, Keys.TasksPane):
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case key.Matches(msg, Keys.StagesPane):
			m.focusedPane = PaneStages
			m.updateFocusStates()

		default:
			if m.focusedPane == PaneTasks {
				var cmd tea.Cmd
				m.taskPane, cmd = m.taskPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case spinner.TickMsg:
		if m.finished == nil {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}

	case events.RunStartedEvent:
		m.runID = msg.RunID
		m.finished = nil
		m.stagePane, _ = m.stagePane.Update(msg)
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.RunFinishedEvent:
		m.finished = &msg
		if m.opts.QuitOnFinish {
			return m, tea.Quit
		}
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.TaskStartedEvent, events.TaskRetryingEvent:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.TaskFinishedEvent:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		m.stagePane, _ = m.stagePane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.StageStartedEvent, events.StageFinishedEvent,
		events.LeaseAcquiredEvent, events.LeaseReleasedEvent, events.CheckFinishedEvent:
		m.stagePane, _ = m.stagePane.Update(msg)
		cmds = append(cmds, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	body := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), m.stagePane.View())
	return lipgloss.JoinVertical(lipgloss.Left, m.header(), body, HelpView())
}

func (m Model) header() string {
	run := m.runID
	if run == "" {
		run = "waiting for run"
	}
	if m.finished == nil {
		return StyleTitle.Render(fmt.Sprintf("%s stocketl %s", m.spinner.View(), run))
	}
	f := m.finished
	status := StyleStatusComplete.Render(f.State)
	if f.Err != nil {
		status = StyleStatusFailed.Render(fmt.Sprintf("%s at %s: %v", f.State, f.FailedStage, f.Err))
	}
	return StyleTitle.Render(fmt.Sprintf("stocketl %s %s in %v", run, status, f.Duration.Round(time.Millisecond)))
}

// computeLayout splits the screen between the task and stage panes.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 55) / 100
	availableHeight := m.height - 2 // header and help bar

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.stagePane.SetSize(m.width-leftWidth, availableHeight)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.stagePane.SetFocused(m.focusedPane == PaneStages)
}

// Finished returns the run outcome once the run has finished.
func (m Model) Finished() (events.RunFinishedEvent, bool) {
	if m.finished == nil {
		return events.RunFinishedEvent{}, false
	}
	return *m.finished, true
}

// Tasks returns the task pane.
func (m Model) Tasks() TaskPaneModel {
	return m.taskPane
}

// Stages returns the stage pane.
func (m Model) Stages() StagePaneModel {
	return m.stagePane
}
