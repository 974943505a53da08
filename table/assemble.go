package table

import "fmt"

// Assemble appends the prediction column to a copy of raw. Row i of the result
// carries raw row i unchanged plus predictions[i]; no row is dropped or
// reordered.
func Assemble(raw *Table, predictions []float64) (*Table, error) {
	if raw == nil {
		return nil, fmt.Errorf("assemble: nil table")
	}
	if len(predictions) != len(raw.Rows) {
		return nil, fmt.Errorf("assemble: %d predictions for %d rows", len(predictions), len(raw.Rows))
	}
	if raw.ColumnIndex(PredictionColumn) >= 0 {
		return nil, fmt.Errorf("assemble: query result already has a %q column", PredictionColumn)
	}

	columns := make([]Column, 0, len(raw.Columns)+1)
	columns = append(columns, raw.Columns...)
	columns = append(columns, Column{Name: PredictionColumn, Numeric: true})

	out := &Table{Columns: columns, Rows: make([][]any, len(raw.Rows))}
	for i, row := range raw.Rows {
		cells := make([]any, 0, len(row)+1)
		cells = append(cells, row...)
		cells = append(cells, predictions[i])
		out.Rows[i] = cells
	}
	return out, nil
}
