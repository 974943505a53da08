package ml

import (
	"fmt"
)

const ModelTypeXGBoost = "xgboost"

// LoadModel reads a model artifact of the given type.
func LoadModel(modelType, path string) (Model, error) {
	switch modelType {
	case ModelTypeXGBoost, "":
		return LoadBooster(path)
	default:
		return nil, fmt.Errorf("unsupported model type %q", modelType)
	}
}
