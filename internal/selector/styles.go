package selector

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

var (
	colorPrimary = lipgloss.AdaptiveColor{Light: "#5A56E0", Dark: "#7571F9"}
	colorMuted   = lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#9CA3AF"}
	colorError   = lipgloss.AdaptiveColor{Light: "#DC2626", Dark: "#EF4444"}
	colorWarning = lipgloss.AdaptiveColor{Light: "#D97706", Dark: "#F59E0B"}

	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("170")).PaddingLeft(1)
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("170")).Bold(true)
	mutedStyle    = lipgloss.NewStyle().Foreground(colorMuted)
	sourceStyle   = lipgloss.NewStyle().Foreground(colorPrimary)
	warningStyle  = lipgloss.NewStyle().Foreground(colorWarning)
	errorStyle    = lipgloss.NewStyle().Foreground(colorError).Bold(true)
)

// Source icons, kept to single-cell glyphs.
var sourceIcons = map[string]string{
	"rds":         "◆",
	"rds-cluster": "◈",
	"elasticache": "◇",
	"elb":         "⇄",
	"static":      "•",
}

// iconFor returns the icon of a source padded so wide glyphs do not swallow the next cell.
func iconFor(source string) string {
	icon, ok := sourceIcons[source]
	if !ok {
		icon = "•"
	}
	spaces := 1
	if runewidth.StringWidth(icon) >= 2 {
		spaces = 2
	}
	return fmt.Sprintf("%s%s", icon, strings.Repeat(" ", spaces))
}

// truncate cuts s to width display cells, marking the cut with an ellipsis.
func truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "…")
}
