package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/stocketl/internal/events"
)

// StageProgress counts the task units of one stage.
type StageProgress struct {
	Name     string
	Total    int
	Finished int
	Failed   int
	Running  bool
	Err      error
	Duration time.Duration
}

// Fraction is the share of finished units.
func (s StageProgress) Fraction() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Finished) / float64(s.Total)
}

// StagePaneModel shows per-stage progress, the cluster lease and the
// quality check results.
type StagePaneModel struct {
	stages  []*StageProgress
	bar     progress.Model
	lease   string
	held    bool
	checks  []string
	width   int
	height  int
	focused bool
}

// NewStagePaneModel creates a pane for the given stages.
func NewStagePaneModel(stages []string) StagePaneModel {
	m := StagePaneModel{
		bar:   progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
		lease: "not held",
	}
	for _, s := range stages {
		m.stages = append(m.stages, &StageProgress{Name: s})
	}
	return m
}

func (m *StagePaneModel) stage(name string) *StageProgress {
	for _, s := range m.stages {
		if s.Name == name {
			return s
		}
	}
	s := &StageProgress{Name: name}
	m.stages = append(m.stages, s)
	return s
}

// Update handles stage, lease and check events.
func (m StagePaneModel) Update(msg tea.Msg) (StagePaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.RunStartedEvent:
		if len(msg.Stages) > 0 {
			m.stages = nil
			for _, s := range msg.Stages {
				m.stages = append(m.stages, &StageProgress{Name: s})
			}
		}

	case events.StageStartedEvent:
		s := m.stage(msg.Stage)
		s.Total = len(msg.Tasks)
		s.Running = true

	case events.TaskFinishedEvent:
		s := m.stage(msg.Stage)
		s.Finished++
		if msg.Err != nil {
			s.Failed++
		}

	case events.StageFinishedEvent:
		s := m.stage(msg.Stage)
		s.Running = false
		s.Err = msg.Err
		s.Duration = msg.Duration

	case events.LeaseAcquiredEvent:
		m.lease = fmt.Sprintf("%s held (ready after %v)", msg.ResourceID, msg.Waited.Round(time.Millisecond))
		m.held = true

	case events.LeaseReleasedEvent:
		m.lease = fmt.Sprintf("%s released after %v", msg.ResourceID, msg.Held.Round(time.Millisecond))
		if msg.Err != nil {
			m.lease += fmt.Sprintf(" (teardown: %v)", msg.Err)
		}
		m.held = false

	case events.CheckFinishedEvent:
		if msg.Err != nil {
			m.checks = append(m.checks, StyleCheckFailed.Render(fmt.Sprintf("%s %s: %v", StatusIcon(StatusFailed), msg.Check, msg.Err)))
		} else {
			m.checks = append(m.checks, StyleCheckPassed.Render(fmt.Sprintf("%s %s: %v", StatusIcon(StatusDone), msg.Check, msg.Value)))
		}
	}
	return m, nil
}

// View renders the stage pane.
func (m StagePaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Stages")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	bar := m.bar
	bar.Width = max(min(m.width-30, 40), 10)
	for _, s := range m.stages {
		b.WriteString(fmt.Sprintf("%s %s %d/%d %s\n", StyleStageName.Render(s.Name), bar.ViewAs(s.Fraction()), s.Finished, s.Total, stageStatus(s)))
	}

	b.WriteString("\n")
	leaseStyle := StyleLeaseReleased
	if m.held {
		leaseStyle = StyleLeaseHeld
	}
	b.WriteString(StyleStageName.Render("cluster") + " " + leaseStyle.Render(m.lease) + "\n")

	if len(m.checks) > 0 {
		b.WriteString("\n")
		b.WriteString(StyleTitle.Render("Checks"))
		b.WriteString("\n")
		for _, c := range m.checks {
			b.WriteString(c + "\n")
		}
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

func stageStatus(s *StageProgress) string {
	switch {
	case s.Err != nil:
		return StyleStatusFailed.Render("failed")
	case s.Running:
		return StyleStatusRunning.Render("running")
	case s.Total > 0:
		return StyleStatusComplete.Render(fmt.Sprintf("done in %v", s.Duration.Round(time.Millisecond)))
	default:
		return StyleStatusPending.Render("pending")
	}
}

// Stage returns the progress of the named stage.
func (m StagePaneModel) Stage(name string) (StageProgress, bool) {
	for _, s := range m.stages {
		if s.Name == name {
			return *s, true
		}
	}
	return StageProgress{}, false
}

// Lease describes the cluster lease.
func (m StagePaneModel) Lease() string {
	return m.lease
}

// LeaseHeld reports whether the cluster lease is currently held.
func (m StagePaneModel) LeaseHeld() bool {
	return m.held
}

// SetSize updates the pane dimensions.
func (m *StagePaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *StagePaneModel) SetFocused(focused bool) {
	m.focused = focused
}
