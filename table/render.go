package table

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// Render prints t as aligned text. maxRows <= 0 prints every row.
func Render(w io.Writer, t *Table, maxRows int) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(t.Header(), "\t"))

	n := len(t.Rows)
	if maxRows > 0 && n > maxRows {
		n = maxRows
	}
	cells := make([]string, len(t.Columns))
	for i := 0; i < n; i++ {
		for j := range t.Columns {
			cells[j] = t.Cell(i, j)
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if n < len(t.Rows) {
		_, err := fmt.Fprintf(w, "... %d more rows\n", len(t.Rows)-n)
		return err
	}
	return nil
}
