package ml

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"salesforecast/table"
)

// FeatureVector is one model input row with its feature names.
type FeatureVector struct {
	Names  []string
	Values []float64
}

// Get returns the value of the named feature.
func (v FeatureVector) Get(name string) (float64, bool) {
	for i, n := range v.Names {
		if n == name {
			return v.Values[i], true
		}
	}
	return 0, false
}

// FeatureMatrix is the batched model input: one row per query row, columns in
// Names order. X is nil for an empty batch.
type FeatureMatrix struct {
	Names []string
	X     *mat.Dense
}

// Rows returns the number of rows in the matrix.
func (m *FeatureMatrix) Rows() int {
	if m.X == nil {
		return 0
	}
	r, _ := m.X.Dims()
	return r
}

// Row returns row i as a named feature vector.
func (m *FeatureMatrix) Row(i int) FeatureVector {
	return FeatureVector{
		Names:  append([]string(nil), m.Names...),
		Values: mat.Row(nil, i, m.X),
	}
}

// Transformer turns query results into the feature matrix a schema's model
// was trained on.
type Transformer struct {
	schema Schema
	scaler *Scaler
}

// NewTransformer binds a scaler to a schema. The scaler's vocabulary must be
// exactly the schema's scaled subset.
func NewTransformer(schema Schema, scaler *Scaler) (*Transformer, error) {
	if scaler == nil {
		return nil, fmt.Errorf("transformer: nil scaler")
	}
	if err := checkScaler(schema, scaler); err != nil {
		return nil, err
	}
	return &Transformer{schema: schema, scaler: scaler}, nil
}

func (t *Transformer) Schema() Schema { return t.schema }

// TransformRow transforms a single row. Prefer Transform for whole results so
// the scaler runs once per batch.
func (t *Transformer) TransformRow(row table.Row) (FeatureVector, error) {
	fm, err := t.Transform(row.Single())
	if err != nil {
		return FeatureVector{}, err
	}
	return fm.Row(0), nil
}

// Transform builds the feature matrix for every row of raw:
//  1. keep numeric columns only
//  2. scale the schema's scaled subset with one scaler call
//  3. derive the cyclical pairs from the scaled base columns
//  4. emit the schema's features in order
func (t *Transformer) Transform(raw *table.Table) (*FeatureMatrix, error) {
	numeric := make(map[string]int)
	for j, c := range raw.Columns {
		if c.Numeric {
			numeric[c.Name] = j
		}
	}

	scaledNames := t.scaler.FeatureNames()
	var missing []string
	for _, name := range t.schema.Scaled {
		if _, ok := numeric[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, &SchemaError{Missing: missing}
	}

	n := raw.Len()
	if n == 0 {
		if missing := t.unresolved(numeric); len(missing) > 0 {
			return nil, &SchemaError{Missing: missing}
		}
		return &FeatureMatrix{Names: append([]string(nil), t.schema.Features...)}, nil
	}

	subset := mat.NewDense(n, len(scaledNames), nil)
	for k, name := range scaledNames {
		j := numeric[name]
		for i := 0; i < n; i++ {
			v, err := cellFloat(raw, i, j)
			if err != nil {
				return nil, err
			}
			subset.Set(i, k, v)
		}
	}
	scaled, err := t.scaler.Transform(scaledNames, subset)
	if err != nil {
		return nil, fmt.Errorf("scale features: %w", err)
	}

	columns := make(map[string][]float64, len(t.schema.Features)+len(scaledNames))
	for _, name := range t.schema.Features {
		j, ok := numeric[name]
		if !ok || t.schema.Derived(name) {
			continue
		}
		col := make([]float64, n)
		for i := 0; i < n; i++ {
			v, err := cellFloat(raw, i, j)
			if err != nil {
				return nil, err
			}
			col[i] = v
		}
		columns[name] = col
	}
	for k, name := range scaledNames {
		columns[name] = mat.Col(nil, k, scaled)
	}
	for _, c := range t.schema.Cyclical {
		base, ok := columns[c.Base]
		if !ok {
			return nil, &SchemaError{Missing: []string{c.Base}}
		}
		columns[c.Sin], columns[c.Cos] = cyclical(base, c.Period)
	}

	features := t.schema.Features
	X := mat.NewDense(n, len(features), nil)
	for k, name := range features {
		col, ok := columns[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		X.SetCol(k, col)
	}
	if len(missing) > 0 {
		return nil, &SchemaError{Missing: missing}
	}
	return &FeatureMatrix{Names: append([]string(nil), features...), X: X}, nil
}

// unresolved lists features that neither a numeric column nor a cyclical
// derivation can supply.
func (t *Transformer) unresolved(numeric map[string]int) []string {
	var missing []string
	for _, name := range t.schema.Features {
		if t.schema.Derived(name) {
			continue
		}
		if _, ok := numeric[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// cyclical encodes x as sin(2*pi*x/period), cos(2*pi*x/period). No wraparound
// correction is applied, so week 53 does not coincide with week 1.
func cyclical(x []float64, period float64) (sin, cos []float64) {
	sin = make([]float64, len(x))
	cos = make([]float64, len(x))
	for i, v := range x {
		angle := 2 * math.Pi * v / period
		sin[i] = math.Sin(angle)
		cos[i] = math.Cos(angle)
	}
	return sin, cos
}

func cellFloat(t *table.Table, i, j int) (float64, error) {
	v, ok := t.Float(i, j)
	if !ok {
		return 0, &SchemaError{Missing: []string{fmt.Sprintf("%s (row %d: %s)", t.Columns[j].Name, i, table.FormatValue(t.Rows[i][j]))}}
	}
	return v, nil
}

func checkScaler(schema Schema, scaler *Scaler) error {
	names := scaler.FeatureNames()
	if !sameSet(names, schema.Scaled) {
		return fmt.Errorf("scaler vocabulary does not match schema %s: missing %v, unexpected %v",
			schema.Version, diffNames(schema.Scaled, names), diffNames(names, schema.Scaled))
	}
	if v := scaler.SchemaVersion(); v != "" && v != schema.Version {
		return fmt.Errorf("scaler was fitted for schema %s, expected %s", v, schema.Version)
	}
	return nil
}
