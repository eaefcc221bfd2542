package statusui

import "github.com/charmbracelet/lipgloss"

var (
	ColorPrimary = lipgloss.AdaptiveColor{Light: "#2F71F2", Dark: "#4A90FF"}
	ColorSuccess = lipgloss.AdaptiveColor{Light: "#04B575", Dark: "#04B575"}
	ColorWarning = lipgloss.AdaptiveColor{Light: "#FFA500", Dark: "#FFA500"}
	ColorDim     = lipgloss.AdaptiveColor{Light: "#999999", Dark: "#666666"}

	StyleTitle = lipgloss.NewStyle().
			Foreground(ColorPrimary).
			Bold(true).
			MarginBottom(1)

	StyleLabel   = lipgloss.NewStyle().Foreground(ColorDim)
	StyleValue   = lipgloss.NewStyle().Bold(true)
	StyleWarning = lipgloss.NewStyle().Foreground(ColorWarning)
	StyleHelpBar = lipgloss.NewStyle().Foreground(ColorDim)
)
