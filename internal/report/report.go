package report

import (
	"fmt"
	"sort"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"

	"github.com/cnclabs/ngcf/internal/eval"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	cellStyle  = lipgloss.NewStyle().Padding(0, 1)
)

// Row is one labelled set of metrics
type Row struct {
	Label  string
	Result eval.Result
}

// Table renders rows with one column per metric key, keys sorted
func Table(title string, rows []Row) string {
	keySet := make(map[string]bool)
	for _, row := range rows {
		for k := range row.Result {
			keySet[k] = true
		}
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			return cellStyle
		}).
		Headers(append([]string{""}, keys...)...)
	for _, row := range rows {
		cells := make([]string, 0, len(keys)+1)
		cells = append(cells, row.Label)
		for _, k := range keys {
			v, ok := row.Result[k]
			if !ok {
				cells = append(cells, "-")
				continue
			}
			cells = append(cells, fmt.Sprintf("%.4f", v))
		}
		table.Row(cells...)
	}
	return titleStyle.Render(title) + "\n" + table.Render()
}
