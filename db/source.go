package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"

	"salesforecast/table"
)

// QueryError reports a failed query: connection, syntax, scan or
// cancellation. No partial result accompanies it.
type QueryError struct {
	Query string
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed: %v", e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// PoolConfig tunes the connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Source executes user SQL against one database and returns rectangular
// results.
type Source struct {
	driver string
	db     *sql.DB
}

// Open connects with a database/sql driver: "sqlite3" or "pgx".
func Open(ctx context.Context, driver, dsn string, pool PoolConfig) (*Source, error) {
	switch driver {
	case "sqlite3", "pgx":
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, &QueryError{Err: fmt.Errorf("open %s: %w", driver, err)}
	}
	if pool.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		conn.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		conn.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, &QueryError{Err: fmt.Errorf("connect %s: %w", driver, err)}
	}
	return &Source{driver: driver, db: conn}, nil
}

// NewSource wraps an open handle.
func NewSource(driver string, conn *sql.DB) *Source {
	return &Source{driver: driver, db: conn}
}

func (s *Source) Driver() string { return s.driver }

func (s *Source) DB() *sql.DB { return s.db }

func (s *Source) Close() error { return s.db.Close() }

// Execute runs sqlText and reads the whole result. A cancelled context or an
// interrupted iteration fails the call instead of returning the rows read so
// far.
func (s *Source) Execute(ctx context.Context, sqlText string) (result *table.Table, err error) {
	if strings.TrimSpace(sqlText) == "" {
		return nil, &QueryError{Query: sqlText, Err: errors.New("empty query")}
	}
	rows, err := s.db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, &QueryError{Query: sqlText, Err: err}
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			err = multierr.Append(err, &QueryError{Query: sqlText, Err: cerr})
			result = nil
		}
	}()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, &QueryError{Query: sqlText, Err: err}
	}
	kinds := make([]columnKind, len(types))
	for i, ct := range types {
		kinds[i] = classify(ct.DatabaseTypeName())
	}

	var data [][]any
	for rows.Next() {
		cells := make([]any, len(types))
		ptrs := make([]any, len(types))
		for i := range cells {
			ptrs[i] = &cells[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &QueryError{Query: sqlText, Err: fmt.Errorf("scan row %d: %w", len(data), err)}
		}
		data = append(data, cells)
	}
	if err := rows.Err(); err != nil {
		return nil, &QueryError{Query: sqlText, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, &QueryError{Query: sqlText, Err: err}
	}

	columns := make([]table.Column, len(types))
	for j, ct := range types {
		numeric := kinds[j] == kindNumeric || (kinds[j] == kindUnknown && inferNumeric(data, j))
		columns[j] = table.Column{Name: ct.Name(), Numeric: numeric}
		for i, row := range data {
			v, err := normalize(row[j], numeric)
			if err != nil {
				return nil, &QueryError{Query: sqlText, Err: fmt.Errorf("column %q row %d: %w", ct.Name(), i, err)}
			}
			row[j] = v
		}
	}
	t := table.New(columns)
	t.Rows = data
	return t, nil
}

type columnKind int

const (
	kindUnknown columnKind = iota
	kindNumeric
	kindText
)

var numericTypes = []string{
	"INT", "INTEGER", "SMALLINT", "BIGINT", "TINYINT", "MEDIUMINT",
	"INT2", "INT4", "INT8", "SERIAL", "BIGSERIAL",
	"REAL", "FLOAT", "FLOAT4", "FLOAT8", "DOUBLE", "DOUBLE PRECISION",
	"NUMERIC", "DECIMAL", "NUMBER",
}

// classify maps a declared column type to a kind. SQLite reports declared
// types verbatim (possibly with a size suffix) and nothing for expressions.
func classify(typeName string) columnKind {
	name := strings.ToUpper(strings.TrimSpace(typeName))
	if i := strings.IndexByte(name, '('); i >= 0 {
		name = strings.TrimSpace(name[:i])
	}
	name = strings.TrimSuffix(name, " UNSIGNED")
	if name == "" {
		return kindUnknown
	}
	for _, n := range numericTypes {
		if name == n {
			return kindNumeric
		}
	}
	return kindText
}

// inferNumeric reports whether every non-NULL cell of column j is a number.
// An all-NULL column stays textual.
func inferNumeric(rows [][]any, j int) bool {
	seen := false
	for _, row := range rows {
		switch row[j].(type) {
		case nil:
		case int64, float64, int32, float32:
			seen = true
		default:
			return false
		}
	}
	return seen
}

func normalize(v any, numeric bool) (any, error) {
	if numeric {
		if v == nil {
			return math.NaN(), nil
		}
		f, err := table.ToFloat(v)
		if err != nil {
			return nil, fmt.Errorf("value %q is not numeric", table.FormatValue(v))
		}
		return f, nil
	}
	switch x := v.(type) {
	case []byte:
		return string(x), nil
	default:
		return v, nil
	}
}
