package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"salesforecast/db"
	"salesforecast/ml"
	"salesforecast/monitoring"
	"salesforecast/table"
)

const tolerance = 1e-6

func loadArtifacts(t *testing.T) *ml.Artifacts {
	t.Helper()
	a, err := ml.NewLoader(ml.Schemas[ml.SchemaV1], ml.ModelTypeXGBoost).
		Load(filepath.Join("..", "ml", "testdata", "model.json"), filepath.Join("..", "ml", "testdata", "scaler.json"))
	if err != nil {
		t.Fatalf("load artifacts: %v", err)
	}
	return a
}

// openSales creates a sqlite database with every scaled column plus a store
// name, seeded with rows of (dow, cr) pairs.
func openSales(t *testing.T, rows [][2]float64) *db.Source {
	t.Helper()
	src, err := db.Open(context.Background(), "sqlite3", filepath.Join(t.TempDir(), "sales.db"), db.PoolConfig{MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { src.Close() })

	scaled := ml.Schemas[ml.SchemaV1].Scaled
	defs := []string{"store_name TEXT"}
	for _, name := range scaled {
		defs = append(defs, name+" REAL")
	}
	if _, err := src.DB().Exec("CREATE TABLE sales (" + strings.Join(defs, ", ") + ")"); err != nil {
		t.Fatalf("create: %v", err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(scaled)+1), ", ")
	insert := "INSERT INTO sales (store_name, " + strings.Join(scaled, ", ") + ") VALUES (" + placeholders + ")"
	for i, r := range rows {
		args := []any{fmt.Sprintf("store-%02d", i)}
		for _, name := range scaled {
			switch name {
			case "dow":
				args = append(args, r[0])
			case "cr":
				args = append(args, r[1])
			default:
				args = append(args, 1.0)
			}
		}
		if _, err := src.DB().Exec(insert, args...); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	return src
}

type memRecorder struct {
	mu   sync.Mutex
	runs []db.Run
}

func (m *memRecorder) Record(_ context.Context, run db.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

type memPublisher struct {
	types []monitoring.MessageType
}

func (m *memPublisher) Publish(msgType monitoring.MessageType, _ any) error {
	m.types = append(m.types, msgType)
	return nil
}

func newRunner(t *testing.T, src Source) (*Runner, *memRecorder, *memPublisher) {
	t.Helper()
	rec, pub := &memRecorder{}, &memPublisher{}
	r, err := NewRunner(Options{
		Source:    src,
		Artifacts: loadArtifacts(t),
		Recorder:  rec,
		Publisher: pub,
		Metrics:   monitoring.NewMetrics(),
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return r, rec, pub
}

func TestRunEndToEnd(t *testing.T) {
	src := openSales(t, [][2]float64{{0, 0.25}, {3, -1}, {0, 0.25}})
	r, rec, pub := newRunner(t, src)

	result, err := r.Run(context.Background(), "SELECT * FROM sales ORDER BY rowid")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	out := result.Table
	if out.Len() != 3 {
		t.Fatalf("expected 3 rows, got %d", out.Len())
	}
	if len(out.Columns) != len(ml.Schemas[ml.SchemaV1].Scaled)+2 {
		t.Fatalf("expected original columns plus prediction, got %d", len(out.Columns))
	}
	if out.Columns[len(out.Columns)-1].Name != table.PredictionColumn {
		t.Fatalf("prediction must be the last column, got %v", out.Header())
	}

	want := []float64{math.Expm1(1.1), math.Expm1(0.3), math.Expm1(1.1)}
	p := out.ColumnIndex(table.PredictionColumn)
	for i, w := range want {
		got, _ := out.Float(i, p)
		if math.Abs(got-w) > tolerance {
			t.Errorf("row %d: expected %v, got %v", i, w, got)
		}
		if name := out.Cell(i, 0); name != fmt.Sprintf("store-%02d", i) {
			t.Errorf("row %d: original cell changed to %q", i, name)
		}
	}

	if r.Last() != result {
		t.Fatal("last result not kept")
	}
	if len(rec.runs) != 1 || rec.runs[0].Status != "ok" || rec.runs[0].Rows != 3 || rec.runs[0].ID != result.ID {
		t.Fatalf("unexpected run record: %+v", rec.runs)
	}
	if len(pub.types) != 1 || pub.types[0] != monitoring.PredictionResult {
		t.Fatalf("unexpected publications: %v", pub.types)
	}
}

func TestRunEmptyResult(t *testing.T) {
	src := openSales(t, nil)
	r, _, _ := newRunner(t, src)

	result, err := r.Run(context.Background(), "SELECT * FROM sales")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Table.Len() != 0 {
		t.Fatalf("expected no rows, got %d", result.Table.Len())
	}
	if result.Table.ColumnIndex(table.PredictionColumn) < 0 {
		t.Fatal("empty result should still carry the prediction column")
	}
}

func TestRunFailures(t *testing.T) {
	src := openSales(t, [][2]float64{{1, 0.5}})

	tests := []struct {
		name  string
		query string
		stage string
		check func(error) bool
	}{
		{
			name:  "bad sql",
			query: "SELECT * FROM nowhere",
			stage: StageQuery,
			check: func(err error) bool { var e *db.QueryError; return errors.As(err, &e) },
		},
		{
			name:  "missing column",
			query: "SELECT store_name, dow FROM sales",
			stage: StageSchema,
			check: func(err error) bool {
				var e *ml.SchemaError
				return errors.As(err, &e) && len(e.Missing) == len(ml.Schemas[ml.SchemaV1].Scaled)-1
			},
		},
		{
			name:  "prediction column clash",
			query: "SELECT *, 1 AS prediction FROM sales",
			stage: StageAssembly,
			check: func(err error) bool { return err != nil },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, rec, pub := newRunner(t, src)
			result, err := r.Run(context.Background(), tt.query)
			if result != nil {
				t.Fatal("expected no result on failure")
			}
			if !tt.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := StageOf(err, StageAssembly); got != tt.stage {
				t.Fatalf("expected stage %s, got %s", tt.stage, got)
			}
			if len(rec.runs) != 1 || rec.runs[0].Status != "failed" || rec.runs[0].Stage != tt.stage {
				t.Fatalf("unexpected run record: %+v", rec.runs)
			}
			if len(pub.types) != 1 || pub.types[0] != monitoring.PredictionFailed {
				t.Fatalf("unexpected publications: %v", pub.types)
			}
			if r.Last() != nil {
				t.Fatal("failed runs must not replace the last result")
			}
		})
	}
}

type stubSource struct{ t *table.Table }

func (s stubSource) Execute(context.Context, string) (*table.Table, error) { return s.t, nil }

type wrongWidthModel struct{ ml.Model }

func (wrongWidthModel) NumFeatures() int       { return 3 }
func (wrongWidthModel) FeatureNames() []string { return nil }

func TestRunInferenceFailure(t *testing.T) {
	a := *loadArtifacts(t)
	a.Predictor = ml.NewPredictor(wrongWidthModel{a.Model})

	raw := table.New([]table.Column{{Name: "dow", Numeric: true}})
	for _, name := range ml.Schemas[ml.SchemaV1].Scaled[1:] {
		raw.Columns = append(raw.Columns, table.Column{Name: name, Numeric: true})
	}
	cells := make([]any, len(raw.Columns))
	for i := range cells {
		cells[i] = 1.0
	}
	raw.Append(cells)

	r, err := NewRunner(Options{Source: stubSource{raw}, Artifacts: &a})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	_, err = r.Run(context.Background(), "SELECT 1")
	var inf *ml.InferenceError
	if !errors.As(err, &inf) || inf.Expected != 3 || inf.Actual != len(ml.Schemas[ml.SchemaV1].Features) {
		t.Fatalf("expected InferenceError, got %v", err)
	}
	if Stage(err) != StageInference {
		t.Fatalf("unexpected stage %q", Stage(err))
	}
}

func TestNewRunnerValidates(t *testing.T) {
	if _, err := NewRunner(Options{}); err == nil {
		t.Fatal("expected error without source")
	}
	if _, err := NewRunner(Options{Source: stubSource{}}); err == nil {
		t.Fatal("expected error without artifacts")
	}
}

func TestStage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&db.QueryError{Query: "x", Err: errors.New("boom")}, StageQuery},
		{fmt.Errorf("wrapped: %w", &ml.SchemaError{Missing: []string{"cr"}}), StageSchema},
		{&ml.InferenceError{Expected: 26, Actual: 25}, StageInference},
		{&ml.ArtifactLoadError{Artifact: "model", Path: "m.json", Err: errors.New("gone")}, StageArtifact},
		{errors.New("other"), ""},
	}
	for _, tt := range tests {
		if got := Stage(tt.err); got != tt.want {
			t.Errorf("Stage(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
