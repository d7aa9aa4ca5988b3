// Package ui provides styled console output for opendaemonctl.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
)

// UI is a small console output helper shared by every subcommand.
type UI struct {
	out io.Writer
	err io.Writer
}

// New creates a UI writing to stdout/stderr.
func New() *UI {
	return &UI{out: os.Stdout, err: os.Stderr}
}

// Success prints a success message to stdout.
func (u *UI) Success(msg string) {
	fmt.Fprintln(u.out, successStyle.Render("✓ "+msg))
}

// Error prints an error message to stderr.
func (u *UI) Error(msg string) {
	fmt.Fprintln(u.err, errorStyle.Render("✗ "+msg))
}

// Warning prints a warning message to stdout.
func (u *UI) Warning(msg string) {
	fmt.Fprintln(u.out, warningStyle.Render("⚠ "+msg))
}

// Header prints a bold underlined section header.
func (u *UI) Header(title string) {
	fmt.Fprintln(u.out, headerStyle.Render(title))
}

// KeyValue prints a "Key: value" line with a dimmed key.
func (u *UI) KeyValue(key string, value any) {
	fmt.Fprintf(u.out, "%s %v\n", subtleStyle.Render(key+":"), value)
}

// Table prints rows of already-formatted columns, left-aligned per column.
func (u *UI) Table(header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	printRow := func(cells []string) {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			parts[i] = cell + strings.Repeat(" ", widths[i]-len(cell))
		}
		fmt.Fprintln(u.out, strings.Join(parts, "  "))
	}

	printRow(header)
	for _, row := range rows {
		printRow(row)
	}
}

// Printf writes a formatted line to stdout.
func (u *UI) Printf(format string, args ...any) {
	fmt.Fprintf(u.out, format, args...)
}
