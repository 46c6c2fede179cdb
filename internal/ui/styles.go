package ui

import "github.com/charmbracelet/lipgloss"

var (
	titleStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("213")).
		MarginBottom(1)

	normalStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("255"))

	helpStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("243")).
		Italic(true)

	errorStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("196")).
		Bold(true)

	statusStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("117"))

	unreadStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("0")).
		Background(lipgloss.Color("213")).
		Padding(0, 1)

	messageFromMeStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("111"))

	messageFromOtherStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("120"))

	messageHeaderStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("243")).
		Italic(true)

	unsentStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("196"))
)
