package ml

import (
	"fmt"
	"strings"
)

// ArtifactLoadError reports a model or scaler artifact that could not be read
// or is incompatible with the feature schema. It is fatal for the process.
type ArtifactLoadError struct {
	Artifact string // "model" or "scaler"
	Path     string
	Err      error
}

func (e *ArtifactLoadError) Error() string {
	return fmt.Sprintf("load %s artifact %s: %v", e.Artifact, e.Path, e.Err)
}

func (e *ArtifactLoadError) Unwrap() error { return e.Err }

// SchemaError reports required feature columns that are absent or not numeric
// in a query result.
type SchemaError struct {
	Missing []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("query result is missing numeric feature columns: %s", strings.Join(e.Missing, ", "))
}

// InferenceError reports a feature matrix the model rejects.
type InferenceError struct {
	Expected int
	Actual   int
	Err      error
}

func (e *InferenceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("inference failed (model expects %d features, got %d): %v", e.Expected, e.Actual, e.Err)
	}
	return fmt.Sprintf("inference failed: model expects %d features, got %d", e.Expected, e.Actual)
}

func (e *InferenceError) Unwrap() error { return e.Err }
