// Package ui renders loop activity for the terminal: styled event
// lines while the loop runs and a bordered summary when it stops.
package ui

import (
	"github.com/charmbracelet/lipgloss"

	"autopilot/internal/task"
)

// Color constants
const (
	ColorPrimary   = "39"  // Blue
	ColorSuccess   = "42"  // Green
	ColorWarning   = "214" // Orange
	ColorError     = "196" // Red
	ColorMuted     = "245" // Gray
	ColorHighlight = "212" // Pink
)

// Styles contains the console styles.
type Styles struct {
	Title    lipgloss.Style
	Success  lipgloss.Style
	Error    lipgloss.Style
	Warning  lipgloss.Style
	Muted    lipgloss.Style
	TaskID   lipgloss.Style
	Session  lipgloss.Style
	Border   lipgloss.Style
}

// DefaultStyles returns the default console styles.
func DefaultStyles() Styles {
	return Styles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color(ColorPrimary)),
		Success: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorSuccess)),
		Error: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorError)),
		Warning: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorWarning)),
		Muted: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorMuted)),
		TaskID: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color(ColorPrimary)),
		Session: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorHighlight)),
		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color(ColorMuted)),
	}
}

// Status icons
const (
	IconRunning = "●"
	IconSuccess = "✓"
	IconFailed  = "✗"
	IconPending = "○"
)

// StatusIcon returns the icon for a task status.
func StatusIcon(status task.Status) string {
	switch status {
	case task.StatusCompleted:
		return IconSuccess
	case task.StatusFailed:
		return IconFailed
	case task.StatusRunning:
		return IconRunning
	default:
		return IconPending
	}
}

// StatusStyle returns the style for a task status.
func (s Styles) StatusStyle(status task.Status) lipgloss.Style {
	switch status {
	case task.StatusCompleted:
		return s.Success
	case task.StatusFailed:
		return s.Error
	case task.StatusRunning:
		return s.Warning
	default:
		return s.Muted
	}
}
