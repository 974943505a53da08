package ml

import (
	"fmt"
	"math"
)

// Predictor runs a model on feature matrices and undoes the log1p target
// transform applied at training time.
type Predictor struct {
	model Model
}

// NewPredictor wraps a loaded model.
func NewPredictor(model Model) *Predictor {
	return &Predictor{model: model}
}

// Model returns the wrapped model.
func (p *Predictor) Model() Model { return p.model }

// Predict returns one prediction per row of fm, in row order.
func (p *Predictor) Predict(fm *FeatureMatrix) ([]float64, error) {
	expected := p.model.NumFeatures()
	if len(fm.Names) != expected {
		return nil, &InferenceError{Expected: expected, Actual: len(fm.Names)}
	}
	if names := p.model.FeatureNames(); names != nil {
		for i, name := range names {
			if fm.Names[i] != name {
				return nil, &InferenceError{
					Expected: expected,
					Actual:   len(fm.Names),
					Err:      fmt.Errorf("feature %d is %q, model expects %q", i, fm.Names[i], name),
				}
			}
		}
	}
	if fm.Rows() == 0 {
		return []float64{}, nil
	}
	if _, cols := fm.X.Dims(); cols != expected {
		return nil, &InferenceError{Expected: expected, Actual: cols}
	}

	raw, err := p.model.PredictBatch(fm.X)
	if err != nil {
		return nil, &InferenceError{Expected: expected, Actual: len(fm.Names), Err: err}
	}
	if len(raw) != fm.Rows() {
		return nil, &InferenceError{
			Expected: expected,
			Actual:   len(fm.Names),
			Err:      fmt.Errorf("model returned %d outputs for %d rows", len(raw), fm.Rows()),
		}
	}
	out := make([]float64, len(raw))
	for i, v := range raw {
		out[i] = InverseLog1p(v)
	}
	return out, nil
}

// InverseLog1p maps a raw model output back to the target scale: exp(x) - 1.
func InverseLog1p(x float64) float64 {
	return math.Expm1(x)
}
