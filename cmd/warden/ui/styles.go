// Package ui provides the visual styling for warden CLI output.
package ui

import (
	"github.com/charmbracelet/lipgloss"
)

// Semantic colors shared by all commands.
var (
	Success = lipgloss.Color("#8BC34A") // Lime Green
	Failure = lipgloss.Color("#e53935") // Red
	Warning = lipgloss.Color("#FFC107") // Yellow
	Info    = lipgloss.Color("#2196F3") // Blue
	Muted   = lipgloss.Color("#8a8f98") // Gray
)

// Styles holds the rendered styles the commands share.
type Styles struct {
	Title   lipgloss.Style
	Stage   lipgloss.Style
	Success lipgloss.Style
	Failure lipgloss.Style
	Warning lipgloss.Style
	Muted   lipgloss.Style
}

// NewStyles builds the default style set.
func NewStyles() Styles {
	return Styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(Info),
		Stage:   lipgloss.NewStyle().Foreground(Info),
		Success: lipgloss.NewStyle().Foreground(Success),
		Failure: lipgloss.NewStyle().Bold(true).Foreground(Failure),
		Warning: lipgloss.NewStyle().Foreground(Warning),
		Muted:   lipgloss.NewStyle().Faint(true),
	}
}
