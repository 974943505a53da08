// Package table holds the tabular query results and prediction results that flow
// between the query adapter, the feature pipeline and the display/export surfaces.
package table

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

// PredictionColumn is the name of the column appended by Assemble.
const PredictionColumn = "prediction"

// TimeLayout is used to render time cells.
const TimeLayout = "2006-01-02 15:04:05"

// Column describes one result column. Numeric columns hold float64 cells
// (NaN for NULL); every other column is textual.
type Column struct {
	Name    string `json:"name"`
	Numeric bool   `json:"numeric"`
}

// Table is a rectangular result with named columns. Rows[i][j] is the cell of
// row i in Columns[j].
type Table struct {
	Columns []Column
	Rows    [][]any
}

// Row is a read-only view of a single table row.
type Row struct {
	t *Table
	i int
}

func New(columns []Column) *Table {
	return &Table{Columns: append([]Column(nil), columns...)}
}

// Append adds a row. The row must have one cell per column.
func (t *Table) Append(cells []any) error {
	if len(cells) != len(t.Columns) {
		return fmt.Errorf("row has %d cells, table has %d columns", len(cells), len(t.Columns))
	}
	t.Rows = append(t.Rows, cells)
	return nil
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Header returns the column names in order.
func (t *Table) Header() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// ColumnIndex returns the position of name, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func (t *Table) Row(i int) Row {
	return Row{t: t, i: i}
}

// Cell renders cell (i, j) in its natural string form.
func (t *Table) Cell(i, j int) string {
	return FormatValue(t.Rows[i][j])
}

// Float returns the numeric value of cell (i, j). ok is false when the column
// is not numeric.
func (t *Table) Float(i, j int) (float64, bool) {
	if !t.Columns[j].Numeric {
		return 0, false
	}
	return toFloat(t.Rows[i][j])
}

// Clone copies the table. Cells are values and are shared.
func (t *Table) Clone() *Table {
	out := New(t.Columns)
	out.Rows = make([][]any, len(t.Rows))
	for i, row := range t.Rows {
		out.Rows[i] = append([]any(nil), row...)
	}
	return out
}

func (r Row) Index() int { return r.i }

func (r Row) Columns() []Column { return r.t.Columns }

// Value returns the raw cell for the named column.
func (r Row) Value(name string) (any, bool) {
	j := r.t.ColumnIndex(name)
	if j < 0 {
		return nil, false
	}
	return r.t.Rows[r.i][j], true
}

// Single copies the row into a one-row table with the same columns.
func (r Row) Single() *Table {
	out := New(r.t.Columns)
	out.Rows = [][]any{append([]any(nil), r.t.Rows[r.i]...)}
	return out
}

// MarshalJSON renders the table as {"columns": [...], "rows": [[...]]}. NaN
// cells become null.
func (t *Table) MarshalJSON() ([]byte, error) {
	rows := make([][]any, len(t.Rows))
	for i, row := range t.Rows {
		out := make([]any, len(row))
		for j, v := range row {
			out[j] = jsonValue(v)
		}
		rows[i] = out
	}
	return json.Marshal(struct {
		Columns []Column `json:"columns"`
		Rows    [][]any  `json:"rows"`
	}{Columns: t.Columns, Rows: rows})
}

// FormatValue renders a cell the way it is shown and exported.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		if math.IsNaN(x) {
			return ""
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return FormatValue(float64(x))
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case bool:
		return strconv.FormatBool(x)
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(TimeLayout)
	default:
		return fmt.Sprint(x)
	}
}

var errNotNumeric = errors.New("value is not numeric")

// ToFloat converts a driver value to float64. NULL becomes NaN.
func ToFloat(v any) (float64, error) {
	f, ok := toFloat(v)
	if !ok {
		return 0, fmt.Errorf("%w: %T", errNotNumeric, v)
	}
	return f, nil
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case nil:
		return math.NaN(), true
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case int:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case []byte:
		f, err := strconv.ParseFloat(string(x), 64)
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func jsonValue(v any) any {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(TimeLayout)
	default:
		return v
	}
}
