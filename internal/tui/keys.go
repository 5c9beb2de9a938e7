package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/key"
)

// KeyMap holds the progress view's bindings.
type KeyMap struct {
	NextPane   key.Binding
	PrevPane   key.Binding
	TasksPane  key.Binding
	StagesPane key.Binding
	NextTask   key.Binding
	PrevTask   key.Binding
	Quit       key.Binding
}

// Keys is the active key map.
var Keys = KeyMap{
	NextPane:   key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "next pane")),
	PrevPane:   key.NewBinding(key.WithKeys("shift+tab"), key.WithHelp("shift+tab", "previous pane")),
	TasksPane:  key.NewBinding(key.WithKeys("1"), key.WithHelp("1", "tasks")),
	StagesPane: key.NewBinding(key.WithKeys("2"), key.WithHelp("2", "stages")),
	NextTask:   key.NewBinding(key.WithKeys("j", "down"), key.WithHelp("j/↓", "next task")),
	PrevTask:   key.NewBinding(key.WithKeys("k", "up"), key.WithHelp("k/↑", "previous task")),
	Quit:       key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "stop run and quit")),
}

// HelpView renders the help bar from the bindings.
func HelpView() string {
	bindings := []key.Binding{Keys.NextPane, Keys.TasksPane, Keys.StagesPane, Keys.NextTask, Keys.PrevTask, Keys.Quit}
	parts := make([]string, 0, len(bindings))
	for _, b := range bindings {
		h := b.Help()
		parts = append(parts, h.Key+" "+h.Desc)
	}
	return StyleHelp.Render(strings.Join(parts, " • "))
}
