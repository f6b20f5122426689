package render

import "charm.land/lipgloss/v2"

var (
	headerStyle    = lipgloss.NewStyle().Bold(true)
	runningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("230")).Background(lipgloss.Color("29")).Bold(true)
	completedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("230")).Background(lipgloss.Color("25")).Bold(true)
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("230")).Background(lipgloss.Color("160")).Bold(true)
	mutedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

func paint(style lipgloss.Style, text string, colorize bool) string {
	if !colorize || text == "" {
		return text
	}
	return style.Render(text)
}
