// Package ui renders CLI output.
package ui

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/steveyegge/journalsync/internal/record"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#7aa2f7"))
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ece6a")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#e0af68"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#f7768e")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#565f89"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

// RenderAccent renders s in the accent color.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass renders s as a success.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders s as a warning.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail renders s as a failure.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderMuted renders s de-emphasized.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderState renders a record's sync state.
func RenderState(s record.SyncState) string {
	switch s {
	case record.StateSynced:
		return passStyle.Render(string(s))
	case record.StatePending:
		return warnStyle.Render(string(s))
	default:
		return mutedStyle.Render(string(s))
	}
}

// RenderOnline renders a connectivity flag.
func RenderOnline(online bool) string {
	if online {
		return passStyle.Render("online")
	}
	return failStyle.Render("offline")
}

// IsTerminal reports whether stdin and stdout are both attached to a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// RecordTable renders records as an aligned table, newest first as given.
func RecordTable(recs []*record.Record) string {
	if len(recs) == 0 {
		return mutedStyle.Render("no records")
	}

	rows := make([][]string, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, []string{
			rec.ID,
			rec.Kind,
			rec.UpdatedAt.Local().Format(time.DateTime),
			string(rec.SyncState),
			Preview(rec),
		})
	}
	return table([]string{"ID", "KIND", "UPDATED", "STATE", "PAYLOAD"}, rows, 3)
}

// Preview returns a one-line excerpt of the payload.
func Preview(rec *record.Record) string {
	if rec.Deleted {
		return "(deleted)"
	}
	s := strings.Join(strings.Fields(string(rec.Payload)), " ")
	if len(s) > 48 {
		s = s[:45] + "..."
	}
	return s
}

// table pads columns to equal width. stateCol is rendered with RenderState.
func table(header []string, rows [][]string, stateCol int) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], len(cell))
		}
	}

	var b strings.Builder
	cells := make([]string, len(header))
	for i, h := range header {
		cells[i] = headerStyle.Render(h) + strings.Repeat(" ", widths[i]-len(h))
	}
	b.WriteString(strings.TrimRight(strings.Join(cells, "  "), " "))
	b.WriteByte('\n')

	for _, row := range rows {
		for i, cell := range row {
			pad := strings.Repeat(" ", widths[i]-len(cell))
			if i == stateCol {
				cells[i] = RenderState(record.SyncState(cell)) + pad
			} else {
				cells[i] = cell + pad
			}
		}
		b.WriteString(strings.TrimRight(strings.Join(cells, "  "), " "))
		b.WriteByte('\n')
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Field renders an aligned "label: value" line.
func Field(label string, value any) string {
	return fmt.Sprintf("  %-14s %v", label+":", value)
}
