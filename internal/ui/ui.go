// Package ui provides terminal styling helpers for CLI output.
package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	faintStyle  = lipgloss.NewStyle().Faint(true)
)

// colorEnabled reports whether the terminal supports color output.
func colorEnabled() bool {
	return termenv.EnvColorProfile() != termenv.Ascii
}

// RenderAccent styles text as a highlighted label.
func RenderAccent(s string) string {
	if !colorEnabled() {
		return s
	}
	return accentStyle.Render(s)
}

// RenderPass styles text as a success.
func RenderPass(s string) string {
	if !colorEnabled() {
		return s
	}
	return passStyle.Render(s)
}

// RenderWarn styles text as a warning.
func RenderWarn(s string) string {
	if !colorEnabled() {
		return s
	}
	return warnStyle.Render(s)
}

// RenderErr styles text as an error.
func RenderErr(s string) string {
	if !colorEnabled() {
		return s
	}
	return errStyle.Render(s)
}

// RenderFaint styles text as secondary detail.
func RenderFaint(s string) string {
	if !colorEnabled() {
		return s
	}
	return faintStyle.Render(s)
}
