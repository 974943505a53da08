package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gonum.org/v1/gonum/mat"
)

const (
	ScalerMinMax   = "minmax"
	ScalerStandard = "standard"
)

// scalerFile is the persisted scaler. Field names follow the fitted
// attributes of the scikit-learn scalers it is exported from.
type scalerFile struct {
	Kind           string    `json:"kind"`
	SchemaVersion  string    `json:"schema_version,omitempty"`
	FeatureNamesIn []string  `json:"feature_names_in"`
	Min            []float64 `json:"min,omitempty"`
	Mean           []float64 `json:"mean,omitempty"`
	Scale          []float64 `json:"scale"`
}

// Scaler is a fitted per-column affine transform. minmax: x*scale + min.
// standard: (x - mean) / scale. It is read-only after load.
type Scaler struct {
	kind          string
	schemaVersion string
	names         []string
	offset        []float64
	scale         []float64
}

// LoadScaler reads a JSON scaler artifact.
func LoadScaler(path string) (*Scaler, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file scalerFile
	if err := json.Unmarshal(payload, &file); err != nil {
		return nil, fmt.Errorf("decode scaler: %w", err)
	}
	return newScaler(file)
}

func newScaler(file scalerFile) (*Scaler, error) {
	n := len(file.FeatureNamesIn)
	if n == 0 {
		return nil, errors.New("scaler has no feature_names_in")
	}
	if len(file.Scale) != n {
		return nil, fmt.Errorf("scaler has %d scale values for %d features", len(file.Scale), n)
	}
	seen := make(map[string]bool, n)
	for _, name := range file.FeatureNamesIn {
		if seen[name] {
			return nil, fmt.Errorf("scaler feature %q listed twice", name)
		}
		seen[name] = true
	}

	s := &Scaler{
		kind:          file.Kind,
		schemaVersion: file.SchemaVersion,
		names:         append([]string(nil), file.FeatureNamesIn...),
		scale:         append([]float64(nil), file.Scale...),
	}
	switch file.Kind {
	case ScalerMinMax:
		if len(file.Min) != n {
			return nil, fmt.Errorf("minmax scaler has %d min values for %d features", len(file.Min), n)
		}
		s.offset = append([]float64(nil), file.Min...)
	case ScalerStandard:
		switch len(file.Mean) {
		case 0:
			s.offset = make([]float64, n) // with_mean=False
		case n:
			s.offset = append([]float64(nil), file.Mean...)
		default:
			return nil, fmt.Errorf("standard scaler has %d mean values for %d features", len(file.Mean), n)
		}
		for i, v := range s.scale {
			if v == 0 {
				s.scale[i] = 1
			}
		}
	default:
		return nil, fmt.Errorf("unsupported scaler kind %q", file.Kind)
	}
	return s, nil
}

// Kind returns the scaler type recorded in the artifact.
func (s *Scaler) Kind() string { return s.kind }

// SchemaVersion returns the feature schema the scaler was fitted for.
func (s *Scaler) SchemaVersion() string { return s.schemaVersion }

// FeatureNames returns the fitted vocabulary in fit order.
func (s *Scaler) FeatureNames() []string {
	return append([]string(nil), s.names...)
}

// Transform scales X, whose columns must be exactly the fitted vocabulary in
// fit order. X is not modified.
func (s *Scaler) Transform(names []string, X mat.Matrix) (*mat.Dense, error) {
	if len(names) != len(s.names) {
		return nil, fmt.Errorf("scaler fitted on %d features, got %d", len(s.names), len(names))
	}
	for i, name := range names {
		if name != s.names[i] {
			return nil, fmt.Errorf("scaler feature %d is %q, got %q", i, s.names[i], name)
		}
	}
	rows, cols := X.Dims()
	if rows == 0 {
		return &mat.Dense{}, nil
	}
	if cols != len(s.names) {
		return nil, fmt.Errorf("scaler fitted on %d features, matrix has %d columns", len(s.names), cols)
	}

	out := mat.NewDense(rows, cols, nil)
	out.Apply(func(_, j int, v float64) float64 {
		if s.kind == ScalerMinMax {
			return v*s.scale[j] + s.offset[j]
		}
		return (v - s.offset[j]) / s.scale[j]
	}, X)
	return out, nil
}
