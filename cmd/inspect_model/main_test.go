package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"salesforecast/ml"
	"salesforecast/table"
)

func loadTestArtifacts(t *testing.T) *ml.Artifacts {
	t.Helper()
	a, err := ml.NewLoader(ml.Schemas[ml.SchemaV1], ml.ModelTypeXGBoost).
		Load(filepath.Join("..", "..", "ml", "testdata", "model.json"), filepath.Join("..", "..", "ml", "testdata", "scaler.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return a
}

func TestDescribe(t *testing.T) {
	var buf bytes.Buffer
	describe(&buf, loadTestArtifacts(t))
	out := buf.String()
	for _, want := range []string{"schema:    sales-v1", "trees:     2", "features:  26", "n_week_week_sin", "cyclical"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestScoreSample(t *testing.T) {
	scaled := ml.Schemas[ml.SchemaV1].Scaled
	header := append([]string{"store_name"}, scaled...)
	var lines []string
	lines = append(lines, strings.Join(header, ","))
	for _, store := range []string{"a", "b"} {
		cells := []string{store}
		for range scaled {
			cells = append(cells, "1")
		}
		lines = append(lines, strings.Join(cells, ","))
	}
	path := filepath.Join(t.TempDir(), "sample.csv")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	scored, err := scoreSample(path, table.CSVOptions{}, loadTestArtifacts(t))
	if err != nil {
		t.Fatalf("score failed: %v", err)
	}
	if scored.Len() != 2 || scored.Header()[len(scored.Header())-1] != table.PredictionColumn {
		t.Fatalf("unexpected scored table: %v", scored.Header())
	}
}
