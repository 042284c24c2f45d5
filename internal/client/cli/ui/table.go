package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Table renders aligned key/value style CLI output.
type Table struct {
	headers []string
	rows    [][]string
	title   string
}

// NewTable creates a table with the given column headers.
func NewTable(headers ...string) *Table {
	return &Table{headers: headers}
}

// WithTitle sets an optional title rendered above the table.
func (t *Table) WithTitle(title string) *Table {
	t.title = title
	return t
}

// AddRow appends one row.
func (t *Table) AddRow(cells ...string) *Table {
	t.rows = append(t.rows, cells)
	return t
}

// Render produces the styled table text.
func (t *Table) Render() string {
	if len(t.rows) == 0 {
		return ""
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	var b strings.Builder
	if t.title != "" {
		b.WriteString("\n")
		b.WriteString(titleStyle.Render(t.title))
		b.WriteString("\n\n")
	}

	if t.hasHeaders() {
		header := make([]string, len(t.headers))
		for i, h := range t.headers {
			header[i] = padRight(tableHeaderStyle.Render(h), widths[i])
		}
		b.WriteString(strings.Join(header, "  "))
		b.WriteString("\n")

		sep := make([]string, len(t.headers))
		for i := range t.headers {
			sep[i] = mutedStyle.Render(strings.Repeat("─", widths[i]))
		}
		b.WriteString(strings.Join(sep, "  "))
		b.WriteString("\n")
	}

	for _, row := range t.rows {
		cells := make([]string, len(t.headers))
		for i, cell := range row {
			if i < len(widths) {
				cells[i] = padRight(cell, widths[i])
			}
		}
		b.WriteString(strings.Join(cells, "  "))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

// Print writes the rendered table to stdout.
func (t *Table) Print() {
	fmt.Print(t.Render())
}

// hasHeaders reports whether any column header is non-empty. A table
// built only for alignment renders without the header and separator.
func (t *Table) hasHeaders() bool {
	for _, h := range t.headers {
		if h != "" {
			return true
		}
	}
	return false
}

func padRight(text string, width int) string {
	visible := lipgloss.Width(text)
	if visible >= width {
		return text
	}
	return text + strings.Repeat(" ", width-visible)
}
