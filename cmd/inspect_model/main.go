// Command inspect_model validates a model/scaler pair and optionally scores a
// CSV sample offline.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"salesforecast/ml"
	"salesforecast/table"
)

func main() {
	modelPath := flag.String("model_path", "./models/xgb_model.json", "XGBoost JSON model")
	scalerPath := flag.String("scaler_path", "./models/scaler.json", "scaler JSON")
	schemaVersion := flag.String("schema", ml.SchemaV1, "feature schema version")
	sample := flag.String("sample", "", "optional CSV with raw feature columns to score")
	encoding := flag.String("encoding", "utf-8", "charset of the sample CSV")
	rows := flag.Int("rows", 20, "rows to print from the scored sample")
	flag.Parse()

	schema, err := ml.LookupSchema(*schemaVersion)
	if err != nil {
		log.Fatalf("invalid schema: %v", err)
	}
	artifacts, err := ml.NewLoader(schema, ml.ModelTypeXGBoost).Load(*modelPath, *scalerPath)
	if err != nil {
		log.Fatalf("artifacts rejected: %v", err)
	}
	describe(os.Stdout, artifacts)

	if *sample == "" {
		return
	}
	scored, err := scoreSample(*sample, table.CSVOptions{Encoding: *encoding}, artifacts)
	if err != nil {
		log.Fatalf("failed to score sample: %v", err)
	}
	fmt.Println()
	if err := table.Render(os.Stdout, scored, *rows); err != nil {
		log.Fatalf("render: %v", err)
	}
}

func describe(w io.Writer, a *ml.Artifacts) {
	fmt.Fprintf(w, "schema:    %s\n", a.Schema.Version)
	fmt.Fprintf(w, "model:     %s\n", a.ModelPath)
	if b, ok := a.Model.(*ml.Booster); ok {
		fmt.Fprintf(w, "objective: %s\n", b.Objective())
		fmt.Fprintf(w, "trees:     %d\n", b.NumTrees())
	}
	fmt.Fprintf(w, "scaler:    %s (%s)\n", a.ScalerPath, a.Scaler.Kind())
	fmt.Fprintf(w, "features:  %d\n", a.Model.NumFeatures())

	for i, name := range a.Schema.Features {
		source := "scaled"
		if a.Schema.Derived(name) {
			source = "cyclical"
		}
		fmt.Fprintf(w, "  %2d  %-22s %s\n", i, name, source)
	}
	fmt.Fprintf(w, "scaled inputs: %s\n", strings.Join(a.Scaler.FeatureNames(), ", "))
}

func scoreSample(path string, opts table.CSVOptions, a *ml.Artifacts) (*table.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	raw, err := table.ReadCSV(f, opts)
	if err != nil {
		return nil, err
	}
	features, err := a.Transformer.Transform(raw)
	if err != nil {
		return nil, err
	}
	predictions, err := a.Predictor.Predict(features)
	if err != nil {
		return nil, err
	}
	return table.Assemble(raw, predictions)
}
