package ml

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// predictionTolerance covers float32 margin accumulation.
const predictionTolerance = 1e-6

func loadTestBooster(t *testing.T) *Booster {
	t.Helper()
	b, err := LoadBooster(filepath.Join("testdata", "model.json"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	return b
}

func featureRow(dow, cr float64) []float64 {
	row := make([]float64, 26)
	row[6] = dow
	row[19] = cr
	return row
}

func TestBoosterLoad(t *testing.T) {
	b := loadTestBooster(t)
	if b.NumFeatures() != 26 {
		t.Fatalf("expected 26 features, got %d", b.NumFeatures())
	}
	// best_iteration=1 keeps the first two of three trees.
	if b.NumTrees() != 2 {
		t.Fatalf("expected 2 trees, got %d", b.NumTrees())
	}
	if b.Objective() != "reg:squarederror" {
		t.Fatalf("unexpected objective %q", b.Objective())
	}
	names := b.FeatureNames()
	if len(names) != 26 || names[0] != "n_week_week_sin" || names[19] != "cr" {
		t.Fatalf("unexpected feature names: %v", names)
	}
}

func TestBoosterPredictBatch(t *testing.T) {
	b := loadTestBooster(t)
	rows := [][]float64{
		featureRow(0, 0.25),
		featureRow(3, -1),
		featureRow(math.NaN(), math.NaN()),
	}
	X := mat.NewDense(len(rows), 26, nil)
	for i, r := range rows {
		X.SetRow(i, r)
	}

	got, err := b.PredictBatch(X)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// base 0.5 + tree0 (dow < 0.5 ? 0.1 : 0.3, missing left) + tree1 (cr < 0 ? -0.5 : 0.5, missing right)
	want := []float64{1.1, 0.3, 1.1}
	for i := range want {
		if math.Abs(got[i]-want[i]) > predictionTolerance {
			t.Fatalf("row %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

// singleSplitModel splits feature 0 at 3.0000001E-1 into leaves -1 and +1.
const singleSplitModel = `{"learner": {"attributes": {},
 "gradient_booster": {"name": "gbtree", "model": {"gbtree_model_param": {"num_parallel_tree": "1", "num_trees": "1"}, "tree_info": [0],
  "trees": [{"left_children": [1, -1, -1], "right_children": [2, -1, -1], "split_indices": [0, 0, 0],
   "split_conditions": [3.0000001E-1, -1.0, 1.0], "default_left": [1, 0, 0], "split_type": [0, 0, 0]}]}},
 "learner_model_param": {"base_score": "[0E0]", "num_class": "0", "num_feature": "1", "num_target": "1"},
 "objective": {"name": "reg:squarederror"}}}`

func TestBoosterSplitComparesInFloat32(t *testing.T) {
	b, err := ParseBooster([]byte(singleSplitModel))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	tests := []struct {
		x    float64
		want float64
	}{
		// float32(0.300000005) rounds onto the threshold, so the row goes right.
		{0.300000005, 1},
		{0.3, 1},
		{0.2999999, -1},
		{math.NaN(), -1},
	}
	for _, tt := range tests {
		got, err := b.PredictBatch(mat.NewDense(1, 1, []float64{tt.x}))
		if err != nil {
			t.Fatalf("x=%v: unexpected error: %v", tt.x, err)
		}
		if got[0] != tt.want {
			t.Fatalf("x=%v: expected %v, got %v", tt.x, tt.want, got[0])
		}
	}
}

func TestBoosterPredictBatchShapeMismatch(t *testing.T) {
	b := loadTestBooster(t)
	if _, err := b.PredictBatch(mat.NewDense(1, 25, nil)); err == nil {
		t.Fatal("expected column count error")
	}
}

func TestParseBoosterRejects(t *testing.T) {
	payload, err := os.ReadFile(filepath.Join("testdata", "model.json"))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	model := string(payload)

	tests := []struct {
		name    string
		payload string
	}{
		{"not json", "{"},
		{"dart booster", strings.Replace(model, `"name": "gbtree"`, `"name": "dart"`, 1)},
		{"classifier objective", strings.Replace(model, `"reg:squarederror"`, `"binary:logistic"`, 1)},
		{"multi class", strings.Replace(model, `"num_class": "0"`, `"num_class": "3"`, 1)},
		{"bad num_feature", strings.Replace(model, `"num_feature": "26", "num_target"`, `"num_feature": "x", "num_target"`, 1)},
		{"split index out of range", strings.Replace(model, `"split_indices": [19, 0, 0]`, `"split_indices": [40, 0, 0]`, 1)},
		{"child out of range", strings.Replace(model, `"right_children": [2, -1, -1], "split_conditions": [0.0`, `"right_children": [9, -1, -1], "split_conditions": [0.0`, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.payload == model {
				t.Fatal("fixture replacement did not apply")
			}
			if _, err := ParseBooster([]byte(tt.payload)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestParseBaseScore(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"5E-1", 0.5},
		{"[5E-1]", 0.5},
		{"[1.25E1]", 12.5},
		{"", 0.5},
	}
	for _, tt := range tests {
		got, err := parseBaseScore(tt.in)
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("%q: expected %v, got %v", tt.in, tt.want, got)
		}
	}
	if _, err := parseBaseScore("[1,2]"); err == nil {
		t.Fatal("expected error for vector base_score")
	}
}

func TestFlagsAcceptIntsAndBools(t *testing.T) {
	var a, b flags
	if err := a.UnmarshalJSON([]byte(`[0,1,1]`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.UnmarshalJSON([]byte(`[false,true,true]`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("index %d differs: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestCheckAcyclic(t *testing.T) {
	nodes := []TreeNode{
		{FeatureIdx: 0, LeftChild: 1, RightChild: 1},
		{IsLeaf: true},
	}
	if err := checkAcyclic(nodes); err == nil {
		t.Fatal("expected error for shared child")
	}
}
