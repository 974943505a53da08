package db

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestSource(t *testing.T) *Source {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "sales.db")
	src, err := Open(context.Background(), "sqlite3", dsn, PoolConfig{MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { src.Close() })

	_, err = src.DB().Exec(`
        CREATE TABLE sales (
            store TEXT,
            dow INTEGER,
            cr REAL,
            amount DECIMAL(10,2),
            sold_at DATETIME
        );
        INSERT INTO sales VALUES ('msk-01', 1, 0.25, 10.5, '2024-03-01 10:00:00');
        INSERT INTO sales VALUES ('spb-02', 2, NULL, 20, '2024-03-02 10:00:00');
        INSERT INTO sales VALUES ('ekb-03', 3, 0.75, 30.25, '2024-03-03 10:00:00');
    `)
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	return src
}

func TestExecuteTypesColumns(t *testing.T) {
	src := openTestSource(t)
	result, err := src.Execute(context.Background(), "SELECT store, dow, cr, amount, sold_at, dow * 2 AS twice, 'x' AS tag FROM sales ORDER BY dow")
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result.Len() != 3 {
		t.Fatalf("expected 3 rows, got %d", result.Len())
	}

	wantNumeric := map[string]bool{
		"store": false, "dow": true, "cr": true, "amount": true,
		"sold_at": false, "twice": true, "tag": false,
	}
	for _, c := range result.Columns {
		if c.Numeric != wantNumeric[c.Name] {
			t.Errorf("column %s: expected numeric=%v", c.Name, wantNumeric[c.Name])
		}
	}

	if v, _ := result.Float(0, result.ColumnIndex("dow")); v != 1 {
		t.Fatalf("expected dow 1, got %v", v)
	}
	if v, _ := result.Float(1, result.ColumnIndex("cr")); !math.IsNaN(v) {
		t.Fatalf("expected NULL cr to be NaN, got %v", v)
	}
	if got := result.Cell(2, result.ColumnIndex("store")); got != "ekb-03" {
		t.Fatalf("expected ekb-03, got %q", got)
	}
}

func TestExecuteQueryErrors(t *testing.T) {
	src := openTestSource(t)

	tests := []struct {
		name  string
		query string
	}{
		{"empty", "   "},
		{"syntax", "SELEC store FROM sales"},
		{"unknown table", "SELECT * FROM nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := src.Execute(context.Background(), tt.query)
			var qErr *QueryError
			if !errors.As(err, &qErr) {
				t.Fatalf("expected QueryError, got %v", err)
			}
			if result != nil {
				t.Fatal("expected no result on error")
			}
		})
	}
}

func TestExecuteCancelled(t *testing.T) {
	src := openTestSource(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := src.Execute(ctx, "SELECT * FROM sales")
	var qErr *QueryError
	if !errors.As(err, &qErr) {
		t.Fatalf("expected QueryError, got %v", err)
	}
	if result != nil {
		t.Fatal("expected no partial result")
	}
}

func TestExecuteRejectsNonNumericCell(t *testing.T) {
	src := openTestSource(t)
	if _, err := src.DB().Exec(`INSERT INTO sales VALUES ('nsk-04', 4, 'n/a', 40, '2024-03-04 10:00:00')`); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	result, err := src.Execute(context.Background(), "SELECT store, cr FROM sales ORDER BY dow")
	var qErr *QueryError
	if !errors.As(err, &qErr) {
		t.Fatalf("expected QueryError, got %v", err)
	}
	if result != nil {
		t.Fatal("expected no result")
	}
	for _, want := range []string{`"cr"`, "row 3", `"n/a"`} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %s", err, want)
		}
	}

	// NULL is still a missing value, not an error.
	result, err = src.Execute(context.Background(), "SELECT cr FROM sales WHERE dow < 4 ORDER BY dow")
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if v, _ := result.Float(1, 0); !math.IsNaN(v) {
		t.Fatalf("expected NULL cr to be NaN, got %v", v)
	}
}

func TestOpenUnsupportedDriver(t *testing.T) {
	if _, err := Open(context.Background(), "odbc", "DSN=vertica", PoolConfig{}); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		in   string
		want columnKind
	}{
		{"", kindUnknown},
		{"INTEGER", kindNumeric},
		{"int4", kindNumeric},
		{"DECIMAL(10,2)", kindNumeric},
		{"INT UNSIGNED", kindNumeric},
		{"DOUBLE PRECISION", kindNumeric},
		{"VARCHAR(20)", kindText},
		{"TIMESTAMP", kindText},
		{"MONEY", kindText},
	}
	for _, tt := range tests {
		if got := classify(tt.in); got != tt.want {
			t.Errorf("classify(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRunLog(t *testing.T) {
	log, err := OpenRunLog(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer log.Close()

	ctx := context.Background()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	runs := []Run{
		{ID: "a", Query: "SELECT 1", Rows: 1, Status: "ok", DurationMS: 5, CreatedAt: base},
		{ID: "b", Query: "SELECT x", Status: "failed", Stage: "query", Error: "no such column: x", CreatedAt: base.Add(time.Minute)},
	}
	for _, r := range runs {
		if err := log.Record(ctx, r); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	got, err := log.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(got))
	}
	if got[0].ID != "b" || got[0].Stage != "query" || got[0].Error == "" {
		t.Fatalf("unexpected newest run: %+v", got[0])
	}
	if got[1].ID != "a" || got[1].Rows != 1 {
		t.Fatalf("unexpected oldest run: %+v", got[1])
	}
}
