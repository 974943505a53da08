package ml

import "gonum.org/v1/gonum/mat"

// Model is a loaded regression model. PredictBatch returns one raw output
// (before the inverse target transform) per row of X, in row order.
// Implementations are read-only after load and safe to share.
type Model interface {
	NumFeatures() int
	// FeatureNames may be nil when the artifact does not record them.
	FeatureNames() []string
	PredictBatch(X mat.Matrix) ([]float64, error)
}
