package ml

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Booster is a gradient boosted regression tree ensemble read from an XGBoost
// JSON model (Booster.save_model("model.json")).
type Booster struct {
	trees        [][]TreeNode
	numFeature   int
	featureNames []string
	baseMargin   float32
	logLink      bool
	objective    string
	attributes   map[string]string
}

// TreeNode is one node of a flattened tree. Leaves carry Value; split nodes
// send x[FeatureIdx] < Threshold to LeftChild and missing values to the
// DefaultLeft side. Thresholds and leaf values are single precision, the
// width XGBoost stores and compares them at.
type TreeNode struct {
	FeatureIdx  int
	Threshold   float32
	LeftChild   int
	RightChild  int
	DefaultLeft bool
	IsLeaf      bool
	Value       float32
}

type xgbModel struct {
	Learner struct {
		Attributes      map[string]string `json:"attributes"`
		FeatureNames    []string          `json:"feature_names"`
		GradientBooster struct {
			Name  string `json:"name"`
			Model struct {
				Param struct {
					NumParallelTree string `json:"num_parallel_tree"`
					NumTrees        string `json:"num_trees"`
				} `json:"gbtree_model_param"`
				Trees    []xgbTree `json:"trees"`
				TreeInfo []int     `json:"tree_info"`
			} `json:"model"`
		} `json:"gradient_booster"`
		Param struct {
			BaseScore  string `json:"base_score"`
			NumClass   string `json:"num_class"`
			NumFeature string `json:"num_feature"`
			NumTarget  string `json:"num_target"`
		} `json:"learner_model_param"`
		Objective struct {
			Name string `json:"name"`
		} `json:"objective"`
	} `json:"learner"`
	Version []int `json:"version"`
}

type xgbTree struct {
	LeftChildren    []int     `json:"left_children"`
	RightChildren   []int     `json:"right_children"`
	SplitIndices    []int     `json:"split_indices"`
	SplitConditions []float64 `json:"split_conditions"`
	DefaultLeft     flags     `json:"default_left"`
	SplitType       []int     `json:"split_type"`
}

// flags decodes an array written either as 0/1 integers or as booleans,
// depending on the XGBoost version.
type flags []bool

func (f *flags) UnmarshalJSON(data []byte) error {
	var bools []bool
	if err := json.Unmarshal(data, &bools); err == nil {
		*f = bools
		return nil
	}
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	out := make([]bool, len(ints))
	for i, v := range ints {
		out[i] = v != 0
	}
	*f = out
	return nil
}

var identityObjectives = map[string]bool{
	"reg:squarederror":     true,
	"reg:linear":           true,
	"reg:pseudohubererror": true,
	"reg:absoluteerror":    true,
	"reg:quantileerror":    true,
}

var logLinkObjectives = map[string]bool{
	"reg:gamma":     true,
	"reg:tweedie":   true,
	"count:poisson": true,
}

// LoadBooster reads an XGBoost JSON model file.
func LoadBooster(path string) (*Booster, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseBooster(payload)
}

// ParseBooster decodes an XGBoost JSON model.
func ParseBooster(payload []byte) (*Booster, error) {
	var m xgbModel
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode xgboost model: %w", err)
	}
	l := m.Learner

	if name := l.GradientBooster.Name; name != "gbtree" {
		return nil, fmt.Errorf("unsupported booster %q (only gbtree)", name)
	}
	objective := l.Objective.Name
	if !identityObjectives[objective] && !logLinkObjectives[objective] {
		return nil, fmt.Errorf("unsupported objective %q", objective)
	}
	if n, _ := parseIntParam(l.Param.NumClass); n > 1 {
		return nil, fmt.Errorf("multi-class model (num_class=%d) is not a regressor", n)
	}
	if n, _ := parseIntParam(l.Param.NumTarget); n > 1 {
		return nil, fmt.Errorf("multi-target model (num_target=%d) is not supported", n)
	}
	numFeature, err := parseIntParam(l.Param.NumFeature)
	if err != nil || numFeature <= 0 {
		return nil, fmt.Errorf("invalid num_feature %q", l.Param.NumFeature)
	}
	if l.FeatureNames != nil && len(l.FeatureNames) != numFeature {
		return nil, fmt.Errorf("model lists %d feature names for num_feature=%d", len(l.FeatureNames), numFeature)
	}
	baseScore, err := parseBaseScore(l.Param.BaseScore)
	if err != nil {
		return nil, err
	}

	b := &Booster{
		numFeature:   numFeature,
		featureNames: l.FeatureNames,
		objective:    objective,
		logLink:      logLinkObjectives[objective],
		attributes:   l.Attributes,
		baseMargin:   float32(baseScore),
	}
	if b.logLink {
		if baseScore <= 0 {
			return nil, fmt.Errorf("base_score %v invalid for %s", baseScore, objective)
		}
		b.baseMargin = float32(math.Log(baseScore))
	}

	trees := l.GradientBooster.Model.Trees
	if len(trees) == 0 {
		return nil, errors.New("model has no trees")
	}
	limit, err := treeLimit(l.Attributes, l.GradientBooster.Model.Param.NumParallelTree, len(trees))
	if err != nil {
		return nil, err
	}
	b.trees = make([][]TreeNode, limit)
	for i := 0; i < limit; i++ {
		nodes, err := flattenTree(trees[i], numFeature)
		if err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
		b.trees[i] = nodes
	}
	return b, nil
}

// treeLimit honours early stopping: scikit-learn style predict only uses
// trees up to best_iteration.
func treeLimit(attrs map[string]string, numParallel string, total int) (int, error) {
	best, ok := attrs["best_iteration"]
	if !ok || best == "" {
		return total, nil
	}
	iter, err := strconv.Atoi(best)
	if err != nil || iter < 0 {
		return 0, fmt.Errorf("invalid best_iteration %q", best)
	}
	perIter := 1
	if numParallel != "" {
		if n, err := parseIntParam(numParallel); err == nil && n > 0 {
			perIter = n
		}
	}
	limit := (iter + 1) * perIter
	if limit > total {
		return total, nil
	}
	return limit, nil
}

func flattenTree(t xgbTree, numFeature int) ([]TreeNode, error) {
	n := len(t.LeftChildren)
	if n == 0 {
		return nil, errors.New("empty tree")
	}
	if len(t.RightChildren) != n || len(t.SplitIndices) != n || len(t.SplitConditions) != n || len(t.DefaultLeft) != n {
		return nil, errors.New("node arrays have different lengths")
	}
	for _, st := range t.SplitType {
		if st != 0 {
			return nil, errors.New("categorical splits are not supported")
		}
	}

	nodes := make([]TreeNode, n)
	for i := 0; i < n; i++ {
		left, right := t.LeftChildren[i], t.RightChildren[i]
		if left == -1 {
			nodes[i] = TreeNode{FeatureIdx: -1, LeftChild: -1, RightChild: -1, IsLeaf: true, Value: float32(t.SplitConditions[i])}
			continue
		}
		if left <= 0 || left >= n || right <= 0 || right >= n || left == i || right == i {
			return nil, fmt.Errorf("node %d has invalid children %d/%d", i, left, right)
		}
		if t.SplitIndices[i] < 0 || t.SplitIndices[i] >= numFeature {
			return nil, fmt.Errorf("node %d splits on feature %d, model has %d", i, t.SplitIndices[i], numFeature)
		}
		nodes[i] = TreeNode{
			FeatureIdx:  t.SplitIndices[i],
			Threshold:   float32(t.SplitConditions[i]),
			LeftChild:   left,
			RightChild:  right,
			DefaultLeft: t.DefaultLeft[i],
		}
	}
	if err := checkAcyclic(nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// checkAcyclic walks the tree from the root and fails if a node is reachable
// twice, which would make traversal loop.
func checkAcyclic(nodes []TreeNode) error {
	seen := make([]bool, len(nodes))
	stack := []int{0}
	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[idx] {
			return fmt.Errorf("node %d is reachable twice", idx)
		}
		seen[idx] = true
		if !nodes[idx].IsLeaf {
			stack = append(stack, nodes[idx].LeftChild, nodes[idx].RightChild)
		}
	}
	return nil
}

func (b *Booster) NumFeatures() int { return b.numFeature }

func (b *Booster) FeatureNames() []string {
	if b.featureNames == nil {
		return nil
	}
	return append([]string(nil), b.featureNames...)
}

func (b *Booster) NumTrees() int { return len(b.trees) }

func (b *Booster) Objective() string { return b.objective }

// Attribute returns a user attribute stored with the model.
func (b *Booster) Attribute(key string) (string, bool) {
	v, ok := b.attributes[key]
	return v, ok
}

// PredictBatch scores every row of X. NaN cells are treated as missing.
func (b *Booster) PredictBatch(X mat.Matrix) ([]float64, error) {
	rows, cols := X.Dims()
	if cols != b.numFeature && rows > 0 {
		return nil, fmt.Errorf("model expects %d features, matrix has %d columns", b.numFeature, cols)
	}
	out := make([]float64, rows)
	row := make([]float64, cols)
	for i := 0; i < rows; i++ {
		mat.Row(row, i, X)
		out[i] = b.predictRow(row)
	}
	return out, nil
}

// predictRow sums the margin in float32 like XGBoost's CPU predictor so
// outputs agree with the Python package.
func (b *Booster) predictRow(x []float64) float64 {
	margin := b.baseMargin
	for _, nodes := range b.trees {
		margin += leafValue(nodes, x)
	}
	if b.logLink {
		return float64(float32(math.Exp(float64(margin))))
	}
	return float64(margin)
}

func leafValue(nodes []TreeNode, x []float64) float32 {
	idx := 0
	for {
		node := nodes[idx]
		if node.IsLeaf {
			return node.Value
		}
		v := x[node.FeatureIdx]
		switch {
		case math.IsNaN(v):
			if node.DefaultLeft {
				idx = node.LeftChild
			} else {
				idx = node.RightChild
			}
		case float32(v) < node.Threshold:
			idx = node.LeftChild
		default:
			idx = node.RightChild
		}
	}
}

func parseIntParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// parseBaseScore accepts "5E-1" and the bracketed vector form "[5E-1]" used
// by newer XGBoost releases.
func parseBaseScore(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0.5, nil
	}
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		parts := strings.Split(strings.Trim(s, "[]"), ",")
		if len(parts) != 1 {
			return 0, fmt.Errorf("base_score %q has %d values, expected 1", s, len(parts))
		}
		s = strings.TrimSpace(parts[0])
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid base_score %q: %w", s, err)
	}
	return v, nil
}
