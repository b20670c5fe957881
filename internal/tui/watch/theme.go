// Package watch implements the tasklease watch TUI: partition health, live
// task states, subscriptions with their credit, and the follow-up stream.
package watch

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/tasklease/internal/protocol"
)

// Theme keeps every color of the TUI in one place.
type Theme struct {
	StatusOK       lipgloss.Style
	StatusLocked   lipgloss.Style
	StatusFailed   lipgloss.Style
	StatusIdle     lipgloss.Style
	StatusRejected lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusOK:       lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusLocked:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusIdle:     lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		StatusRejected: lipgloss.NewStyle().Foreground(lipgloss.Color("#D19A66")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
	}
}

// ForState returns the style a task state is rendered with.
func (t Theme) ForState(st protocol.TaskState) lipgloss.Style {
	switch st {
	case protocol.StateCompleted:
		return t.StatusOK
	case protocol.StateLocked:
		return t.StatusLocked
	case protocol.StateFailed, protocol.StateLockExpired:
		return t.StatusFailed
	default:
		return t.StatusIdle
	}
}

// ForEvent returns the style an event type is rendered with.
func (t Theme) ForEvent(ev string) lipgloss.Style {
	switch {
	case strings.HasSuffix(ev, "_REJECTED"):
		return t.StatusRejected
	case ev == string(protocol.EventCompleted):
		return t.StatusOK
	case ev == string(protocol.EventLocked):
		return t.StatusLocked
	case ev == string(protocol.EventFailed), ev == string(protocol.EventLockExpired):
		return t.StatusFailed
	default:
		return t.Highlight
	}
}
