package tui

import (
	"github.com/charmbracelet/lipgloss"
)

// Palette
var (
	colorAccent  = lipgloss.Color("62")
	colorMuted   = lipgloss.Color("240")
	colorOK      = lipgloss.Color("42")
	colorWarn    = lipgloss.Color("214")
	colorRetry   = lipgloss.Color("208")
	colorCached  = lipgloss.Color("39")
	colorFailure = lipgloss.Color("196")
)

// Pane borders
var (
	StyleFocusedBorder   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorAccent)
	StyleUnfocusedBorder = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorMuted)
)

// Task and run states
var (
	StyleStatusRunning  = lipgloss.NewStyle().Foreground(colorWarn).Bold(true)
	StyleStatusComplete = lipgloss.NewStyle().Foreground(colorOK).Bold(true)
	StyleStatusFailed   = lipgloss.NewStyle().Foreground(colorFailure).Bold(true)
	StyleStatusRetrying = lipgloss.NewStyle().Foreground(colorRetry)
	StyleStatusCached   = lipgloss.NewStyle().Foreground(colorCached)
	StyleStatusPending  = lipgloss.NewStyle().Foreground(colorMuted)
)

// Stage pane: stage rows, the cluster lease line and quality checks.
var (
	StyleStageName     = lipgloss.NewStyle().Width(10).Bold(true)
	StyleLeaseHeld     = lipgloss.NewStyle().Foreground(colorWarn)
	StyleLeaseReleased = lipgloss.NewStyle().Foreground(colorMuted)
	StyleCheckPassed   = lipgloss.NewStyle().Foreground(colorOK)
	StyleCheckFailed   = lipgloss.NewStyle().Foreground(colorFailure)
)

// Chrome and report tables
var (
	StyleTitle       = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	StyleHelp        = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	StyleSelected    = lipgloss.NewStyle().Background(colorAccent).Foreground(lipgloss.Color("0"))
	StyleTableHeader = lipgloss.NewStyle().Bold(true).Foreground(colorAccent).Padding(0, 1)
	StyleTableCell   = lipgloss.NewStyle().Padding(0, 1)
)
