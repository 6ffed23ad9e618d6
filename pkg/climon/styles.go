// Package climon provides small terminal styling helpers shared by palr's
// CLI tools, trimmed down from the richer TUI theme used elsewhere in the
// stack to the handful of styles a scrolling log view needs.
package climon

import "github.com/charmbracelet/lipgloss"

// Theme defines the color scheme for a CLI tool's log output.
type Theme struct {
	Primary lipgloss.Color
	Dim     lipgloss.Color
	Warn    lipgloss.Color
}

// DefaultTheme is the default bright green theme.
var DefaultTheme = Theme{
	Primary: lipgloss.Color("#00ff9f"),
	Dim:     lipgloss.Color("#6e7681"),
	Warn:    lipgloss.Color("#ff9f40"),
}

// Styles holds the styles derived from a Theme.
type Styles struct {
	Title lipgloss.Style
	Label lipgloss.Style
	Dim   lipgloss.Style
	Warn  lipgloss.Style
}

// NewStyles derives Styles from t.
func NewStyles(t Theme) Styles {
	return Styles{
		Title: lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Label: lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Dim:   lipgloss.NewStyle().Foreground(t.Dim),
		Warn:  lipgloss.NewStyle().Bold(true).Foreground(t.Warn),
	}
}
