package report

import (
	"fmt"
	"slices"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/malaria/dataset"
	"github.com/gomlx/malaria/evaluation"
)

var (
	TitleStyle     = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
)

// NewTable creates a table with the header and alternating row styles used by the reports.
// Columns use the given alignments, the last one repeated for the remaining columns.
func NewTable(alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				return headerRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
}

// SprintConfusion renders the confusion matrix as a table: rows are the true labels, columns the predicted ones.
func SprintConfusion(c evaluation.Confusion) string {
	table := NewTable(lipgloss.Left, lipgloss.Right)
	table.Headers("true \\ predicted", dataset.LabelNames[0], dataset.LabelNames[1])
	matrix := c.Matrix()
	for trueLabel, row := range matrix {
		table.Row(dataset.LabelNames[trueLabel], humanize.Comma(int64(row[0])), humanize.Comma(int64(row[1])))
	}
	return table.Render()
}

// SummaryMetrics lists the metrics, in order, included in SprintSummary.
var SummaryMetrics = []string{"accuracy", "precision", "recall", "specificity", "f1", "auc", "log_loss"}

// SprintSummary renders one column per report with the SummaryMetrics and the number of examples.
func SprintSummary(reports ...*evaluation.Report) string {
	table := NewTable(lipgloss.Left, lipgloss.Right)
	headers := []string{"metric"}
	allMetrics := make([]map[string]float64, len(reports))
	for ii, r := range reports {
		headers = append(headers, r.Dataset)
		allMetrics[ii] = r.Metrics()
	}
	table.Headers(headers...)

	row := []string{"examples"}
	for _, r := range reports {
		row = append(row, humanize.Comma(int64(r.Confusion.Total())))
	}
	table.Row(row...)
	for _, name := range SummaryMetrics {
		row = []string{name}
		for _, metrics := range allMetrics {
			row = append(row, fmt.Sprintf("%.4f", metrics[name]))
		}
		table.Row(row...)
	}
	return table.Render()
}

// SprintParams renders a two columns table of the given parameters, sorted by name.
func SprintParams(params map[string]string) string {
	table := NewTable(lipgloss.Left, lipgloss.Left)
	table.Headers("param", "value")
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		table.Row(name, params[name])
	}
	return table.Render()
}
