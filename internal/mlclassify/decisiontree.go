package mlclassify

import "sort"

// treeNode is one node of a binary decision tree split on a single
// feature threshold, chosen to minimize weighted Gini impurity.
type treeNode struct {
	isLeaf    bool
	label     string
	distribution map[string]float64

	featureIdx int
	threshold  float64
	left       *treeNode
	right      *treeNode
}

// DecisionTreeClassifier is a CART-style binary tree using Gini impurity
// splits, per spec.md §4.7 "a decision tree (Gini split)".
type DecisionTreeClassifier struct {
	MaxDepth     int
	MinSplitSize int

	root    *treeNode
	trained bool
}

func NewDecisionTreeClassifier() *DecisionTreeClassifier {
	return &DecisionTreeClassifier{MaxDepth: 6, MinSplitSize: 4}
}

func (c *DecisionTreeClassifier) Name() string    { return "decision_tree" }
func (c *DecisionTreeClassifier) IsTrained() bool { return c.trained }

func (c *DecisionTreeClassifier) Train(samples []Sample) (Metrics, error) {
	c.root = buildTree(samples, 0, c.MaxDepth, c.MinSplitSize)
	c.trained = true
	return evaluate(c, samples), nil
}

func (c *DecisionTreeClassifier) Predict(features []float64) (string, bool) {
	if !c.trained || c.root == nil {
		return "", false
	}
	return argmax(c.PredictProba(features))
}

func (c *DecisionTreeClassifier) PredictProba(features []float64) map[string]float64 {
	if !c.trained || c.root == nil {
		return nil
	}
	node := c.root
	for !node.isLeaf {
		if features[node.featureIdx] <= node.threshold {
			node = node.left
		} else {
			node = node.right
		}
	}
	return node.distribution
}

func buildTree(samples []Sample, depth, maxDepth, minSplit int) *treeNode {
	dist := labelDistribution(samples)
	if depth >= maxDepth || len(samples) < minSplit || gini(dist) == 0 {
		return leafNode(dist)
	}

	bestGain := -1.0
	var bestFeature int
	var bestThreshold float64
	var bestLeft, bestRight []Sample

	width := 0
	if len(samples) > 0 {
		width = len(samples[0].Features)
	}
	parentGini := gini(dist)

	for f := 0; f < width; f++ {
		thresholds := candidateThresholds(samples, f)
		for _, t := range thresholds {
			var left, right []Sample
			for _, s := range samples {
				if s.Features[f] <= t {
					left = append(left, s)
				} else {
					right = append(right, s)
				}
			}
			if len(left) == 0 || len(right) == 0 {
				continue
			}
			weightedGini := (float64(len(left))*gini(labelDistribution(left)) +
				float64(len(right))*gini(labelDistribution(right))) / float64(len(samples))
			gain := parentGini - weightedGini
			if gain > bestGain {
				bestGain = gain
				bestFeature = f
				bestThreshold = t
				bestLeft = left
				bestRight = right
			}
		}
	}

	if bestGain <= 0 {
		return leafNode(dist)
	}

	return &treeNode{
		featureIdx: bestFeature,
		threshold:  bestThreshold,
		left:       buildTree(bestLeft, depth+1, maxDepth, minSplit),
		right:      buildTree(bestRight, depth+1, maxDepth, minSplit),
	}
}

func leafNode(dist map[string]float64) *treeNode {
	label, _ := argmax(dist)
	return &treeNode{isLeaf: true, label: label, distribution: dist}
}

func candidateThresholds(samples []Sample, feature int) []float64 {
	values := make([]float64, 0, len(samples))
	for _, s := range samples {
		values = append(values, s.Features[feature])
	}
	sort.Float64s(values)
	seen := map[float64]struct{}{}
	var out []float64
	for i := 0; i+1 < len(values); i++ {
		mid := (values[i] + values[i+1]) / 2
		if _, ok := seen[mid]; !ok {
			seen[mid] = struct{}{}
			out = append(out, mid)
		}
	}
	return out
}

func labelDistribution(samples []Sample) map[string]float64 {
	counts := map[string]int{}
	for _, s := range samples {
		counts[s.Label]++
	}
	out := make(map[string]float64, len(counts))
	for label, n := range counts {
		out[label] = float64(n) / float64(len(samples))
	}
	return out
}

// gini computes the Gini impurity of a label distribution.
func gini(dist map[string]float64) float64 {
	sum := 0.0
	for _, p := range dist {
		sum += p * p
	}
	return 1 - sum
}
