package table

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// CSVOptions controls export and import of delimited text.
type CSVOptions struct {
	// Encoding is a WHATWG label such as "utf-8", "windows-1251" or "koi8-r".
	// Empty means UTF-8.
	Encoding string
	// Comma is the field delimiter. Zero means ','.
	Comma rune
}

// LookupEncoding resolves an encoding label. An empty label is UTF-8.
func LookupEncoding(label string) (encoding.Encoding, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return unicode.UTF8, nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, fmt.Errorf("unknown encoding %q: %w", label, err)
	}
	return enc, nil
}

// WriteCSV exports t: a header with the column names followed by one line per
// row, every cell in its natural string form.
func WriteCSV(w io.Writer, t *Table, opts CSVOptions) (err error) {
	enc, err := LookupEncoding(opts.Encoding)
	if err != nil {
		return err
	}
	tw := transform.NewWriter(w, enc.NewEncoder())
	defer func() {
		if cerr := tw.Close(); err == nil {
			err = cerr
		}
	}()

	cw := csv.NewWriter(tw)
	if opts.Comma != 0 {
		cw.Comma = opts.Comma
	}
	if err := cw.Write(t.Header()); err != nil {
		return err
	}
	record := make([]string, len(t.Columns))
	for i := range t.Rows {
		for j := range t.Columns {
			record[j] = t.Cell(i, j)
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write row %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV parses a file produced by WriteCSV. A column is numeric when every
// non-empty cell parses as a float; empty numeric cells become NaN.
func ReadCSV(r io.Reader, opts CSVOptions) (*Table, error) {
	enc, err := LookupEncoding(opts.Encoding)
	if err != nil {
		return nil, err
	}
	cr := csv.NewReader(transform.NewReader(r, enc.NewDecoder()))
	if opts.Comma != 0 {
		cr.Comma = opts.Comma
	}

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("csv is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	records, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}

	columns := make([]Column, len(header))
	for j, name := range header {
		columns[j] = Column{Name: name, Numeric: numericColumn(records, j)}
	}

	t := New(columns)
	for _, rec := range records {
		cells := make([]any, len(rec))
		for j, s := range rec {
			if !columns[j].Numeric {
				cells[j] = s
				continue
			}
			if s == "" {
				cells[j] = math.NaN()
				continue
			}
			f, _ := strconv.ParseFloat(s, 64)
			cells[j] = f
		}
		if err := t.Append(cells); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func numericColumn(records [][]string, j int) bool {
	seen := false
	for _, rec := range records {
		s := rec[j]
		if s == "" {
			continue
		}
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return false
		}
		seen = true
	}
	return seen
}
