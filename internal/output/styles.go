package output

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/term"

	"github.com/jywlabs/conclave/internal/challenger"
	"github.com/jywlabs/conclave/internal/fix"
	"github.com/jywlabs/conclave/internal/issue"
)

// Color palette
var (
	ColorSuccess = lipgloss.Color("#00D787") // Green
	ColorError   = lipgloss.Color("#FF5F87") // Pink
	ColorWarning = lipgloss.Color("#FFAF00") // Yellow
	ColorInfo    = lipgloss.Color("#5FAFFF") // Blue
	ColorMuted   = lipgloss.Color("#888888") // Mid gray
	ColorAccent  = lipgloss.Color("#AF87FF") // Purple
)

// Text styles
var (
	StyleSuccess = lipgloss.NewStyle().Foreground(ColorSuccess).Bold(true)
	StyleError   = lipgloss.NewStyle().Foreground(ColorError).Bold(true)
	StyleWarning = lipgloss.NewStyle().Foreground(ColorWarning).Bold(true)
	StyleInfo    = lipgloss.NewStyle().Foreground(ColorInfo)
	StyleMuted   = lipgloss.NewStyle().Foreground(ColorMuted)
	StyleAccent  = lipgloss.NewStyle().Foreground(ColorAccent)
	StyleBold    = lipgloss.NewStyle().Bold(true)
	StyleTitle   = lipgloss.NewStyle().Foreground(ColorInfo).Bold(true)
)

// StyleCommandIcon prefixes command headers.
var StyleCommandIcon = lipgloss.NewStyle().Foreground(ColorAccent).Bold(true).SetString("◎")

// TerminalWidth returns the current terminal width, or 80.
func TerminalWidth() int {
	width, _, err := term.GetSize(os.Stdout.Fd())
	if err != nil || width <= 0 {
		return 80
	}
	return width
}

// BoxStyle creates a bordered box as wide as the terminal.
func BoxStyle(borderColor lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().
		Border(lipgloss.NormalBorder()).
		BorderForeground(borderColor).
		Padding(0, 1).
		Width(TerminalWidth() - 2)
}

// SeverityStyle colors a severity.
func SeverityStyle(s issue.Severity) lipgloss.Style {
	switch s {
	case issue.Critical:
		return StyleError
	case issue.High:
		return StyleWarning
	case issue.Medium:
		return StyleInfo
	default:
		return StyleMuted
	}
}

// SessionStyle colors a fix session status.
func SessionStyle(s fix.Status) lipgloss.Style {
	switch s {
	case fix.StatusCompleted:
		return StyleSuccess
	case fix.StatusPartial:
		return StyleWarning
	default:
		return StyleError
	}
}

// IssueStyle colors a per-issue fix outcome.
func IssueStyle(s fix.IssueStatus) lipgloss.Style {
	switch s {
	case fix.IssueFixed:
		return StyleSuccess
	case fix.IssueSkipped:
		return StyleMuted
	default:
		return StyleError
	}
}

// VerdictStyle colors a challenger verdict.
func VerdictStyle(s challenger.Status) lipgloss.Style {
	switch s {
	case challenger.Approved:
		return StyleSuccess
	case challenger.NeedsRefinement:
		return StyleWarning
	default:
		return StyleError
	}
}
