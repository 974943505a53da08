package ml

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Artifacts is a model and scaler pair validated against one schema.
type Artifacts struct {
	Schema      Schema
	Model       Model
	Scaler      *Scaler
	ModelPath   string
	ScalerPath  string
	Transformer *Transformer
	Predictor   *Predictor
}

// Loader loads artifacts once and hands out the cached pair on later calls.
type Loader struct {
	schema    Schema
	modelType string

	mu    sync.Mutex
	cache *lru.Cache[string, *Artifacts]
}

// DefaultLoader is the process-wide loader for SchemaV1 XGBoost models.
var DefaultLoader = NewLoader(Schemas[SchemaV1], ModelTypeXGBoost)

func NewLoader(schema Schema, modelType string) *Loader {
	cache, err := lru.New[string, *Artifacts](8)
	if err != nil {
		panic(err) // only fails for a non-positive size
	}
	return &Loader{schema: schema, modelType: modelType, cache: cache}
}

// Load returns the artifacts for the two paths, reading storage only on the
// first call for that pair.
func Load(modelPath, scalerPath string) (*Artifacts, error) {
	return DefaultLoader.Load(modelPath, scalerPath)
}

func (l *Loader) Load(modelPath, scalerPath string) (*Artifacts, error) {
	key := l.schema.Version + "\x00" + l.modelType + "\x00" + modelPath + "\x00" + scalerPath

	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.cache.Get(key); ok {
		return a, nil
	}

	a, err := l.load(modelPath, scalerPath)
	if err != nil {
		return nil, err
	}
	l.cache.Add(key, a)
	return a, nil
}

func (l *Loader) load(modelPath, scalerPath string) (*Artifacts, error) {
	scaler, err := LoadScaler(scalerPath)
	if err != nil {
		return nil, &ArtifactLoadError{Artifact: "scaler", Path: scalerPath, Err: err}
	}
	transformer, err := NewTransformer(l.schema, scaler)
	if err != nil {
		return nil, &ArtifactLoadError{Artifact: "scaler", Path: scalerPath, Err: err}
	}

	model, err := LoadModel(l.modelType, modelPath)
	if err != nil {
		return nil, &ArtifactLoadError{Artifact: "model", Path: modelPath, Err: err}
	}
	if err := checkModel(l.schema, model); err != nil {
		return nil, &ArtifactLoadError{Artifact: "model", Path: modelPath, Err: err}
	}

	return &Artifacts{
		Schema:      l.schema,
		Model:       model,
		Scaler:      scaler,
		ModelPath:   modelPath,
		ScalerPath:  scalerPath,
		Transformer: transformer,
		Predictor:   NewPredictor(model),
	}, nil
}

// checkModel binds a model to the schema: feature count, feature order when
// recorded, and the feature_schema attribute when present.
func checkModel(schema Schema, model Model) error {
	if n := model.NumFeatures(); n != len(schema.Features) {
		return fmt.Errorf("model has %d features, schema %s has %d", n, schema.Version, len(schema.Features))
	}
	if names := model.FeatureNames(); names != nil {
		for i, name := range names {
			if name != schema.Features[i] {
				return fmt.Errorf("model feature %d is %q, schema %s expects %q", i, name, schema.Version, schema.Features[i])
			}
		}
	}
	if b, ok := model.(*Booster); ok {
		if v, ok := b.Attribute("feature_schema"); ok && v != schema.Version {
			return fmt.Errorf("model was trained for schema %s, expected %s", v, schema.Version)
		}
	}
	return nil
}
