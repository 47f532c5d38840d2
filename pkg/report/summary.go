package report

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).MarginBottom(1)
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	bestStyle   = cellStyle.Foreground(lipgloss.Color("#00AF5F")).Bold(true)
)

// Row summarizes one detector at its selected operating point. Percentile
// is NaN when the threshold did not come from a sweep.
type Row struct {
	Detector   string
	Percentile float64
	Threshold  float64
	Precision  float64
	Recall     float64
	F1         float64
	AUC        float64

	// CategoryRecall maps attack categories to detection rates.
	CategoryRecall map[string]float64
}

// Summary writes a comparison table of rows to w. The row with the highest
// F1 is highlighted.
func Summary(w io.Writer, title string, rows []Row) error {
	best := -1
	for i, r := range rows {
		if best < 0 || r.F1 > rows[best].F1 {
			best = i
		}
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("detector", "percentile", "threshold", "precision", "recall", "F1", "ROC AUC").
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case row == best:
				return bestStyle
			}
			return cellStyle
		})

	for _, r := range rows {
		percentile := "-"
		if !math.IsNaN(r.Percentile) {
			percentile = fmt.Sprintf("%g", r.Percentile)
		}
		t.Row(
			r.Detector,
			percentile,
			fmt.Sprintf("%.6g", r.Threshold),
			fmt.Sprintf("%.4f", r.Precision),
			fmt.Sprintf("%.4f", r.Recall),
			fmt.Sprintf("%.4f", r.F1),
			fmt.Sprintf("%.4f", r.AUC),
		)
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n")
	b.WriteString(t.String())
	b.WriteString("\n")

	if cats := categoryTable(rows); cats != "" {
		b.WriteString(cats)
		b.WriteString("\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// categoryTable renders per category recall, one column per detector.
func categoryTable(rows []Row) string {
	seen := make(map[string]struct{})
	for _, r := range rows {
		for c := range r.CategoryRecall {
			seen[c] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return ""
	}

	categories := make([]string, 0, len(seen))
	for c := range seen {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	headers := []string{"category"}
	for _, r := range rows {
		headers = append(headers, r.Detector+" recall")
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	for _, c := range categories {
		cells := []string{c}
		for _, r := range rows {
			v, ok := r.CategoryRecall[c]
			if !ok {
				cells = append(cells, "-")
				continue
			}
			cells = append(cells, fmt.Sprintf("%.4f", v))
		}
		t.Row(cells...)
	}

	return t.String()
}
