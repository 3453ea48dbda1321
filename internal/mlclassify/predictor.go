package mlclassify

import (
	"math"
	"sort"
)

// Sample is one labeled training example.
type Sample struct {
	Features []float64
	Label    string
}

// Metrics captures the evaluation results spec.md §4.7's retrain loop
// records: accuracy plus per-class and macro precision/recall/F1.
type Metrics struct {
	Accuracy       float64
	PerClass       map[string]ClassMetrics
	MacroPrecision float64
	MacroRecall    float64
	MacroF1        float64
}

// ClassMetrics is one label's precision/recall/F1.
type ClassMetrics struct {
	Precision float64
	Recall    float64
	F1        float64
}

// Predictor is the common capability every classifier implements (spec.md
// §4.7: "train/predict/predict_proba/is_trained").
type Predictor interface {
	Name() string
	Train(samples []Sample) (Metrics, error)
	Predict(features []float64) (label string, ok bool)
	PredictProba(features []float64) map[string]float64
	IsTrained() bool
}

// evaluate computes Metrics by predicting every given sample with a fitted
// predictor (the Train methods below pass their own training samples). Shared by all three concrete predictors below.
func evaluate(p Predictor, samples []Sample) Metrics {
	classes := map[string]struct{}{}
	for _, s := range samples {
		classes[s.Label] = struct{}{}
	}

	type counts struct{ tp, fp, fn int }
	perClass := make(map[string]*counts, len(classes))
	for c := range classes {
		perClass[c] = &counts{}
	}

	correct := 0
	for _, s := range samples {
		pred, ok := p.Predict(s.Features)
		if ok && pred == s.Label {
			correct++
		}
		if ok {
			if pred == s.Label {
				perClass[pred].tp++
			} else {
				perClass[pred].fp++
				perClass[s.Label].fn++
			}
		} else {
			perClass[s.Label].fn++
		}
	}

	m := Metrics{PerClass: make(map[string]ClassMetrics, len(classes))}
	if len(samples) > 0 {
		m.Accuracy = float64(correct) / float64(len(samples))
	}

	var sumP, sumR, sumF1 float64
	for c, cnt := range perClass {
		precision := safeDiv(float64(cnt.tp), float64(cnt.tp+cnt.fp))
		recall := safeDiv(float64(cnt.tp), float64(cnt.tp+cnt.fn))
		f1 := safeDiv(2*precision*recall, precision+recall)
		m.PerClass[c] = ClassMetrics{Precision: precision, Recall: recall, F1: f1}
		sumP += precision
		sumR += recall
		sumF1 += f1
	}
	if len(classes) > 0 {
		m.MacroPrecision = sumP / float64(len(classes))
		m.MacroRecall = sumR / float64(len(classes))
		m.MacroF1 = sumF1 / float64(len(classes))
	}
	return m
}

func safeDiv(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

// LinearClassifier is a one-vs-rest logistic-regression-style linear model
// trained by stochastic gradient descent (weights update after each sample).
type LinearClassifier struct {
	LearningRate float64
	Epochs       int

	weights map[string][]float64
	bias    map[string]float64
	trained bool
}

func NewLinearClassifier() *LinearClassifier {
	return &LinearClassifier{LearningRate: 0.1, Epochs: 200}
}

func (c *LinearClassifier) Name() string    { return "linear" }
func (c *LinearClassifier) IsTrained() bool { return c.trained }

func (c *LinearClassifier) Train(samples []Sample) (Metrics, error) {
	classes := distinctLabels(samples)
	width := 0
	if len(samples) > 0 {
		width = len(samples[0].Features)
	}

	c.weights = make(map[string][]float64, len(classes))
	c.bias = make(map[string]float64, len(classes))
	for _, cls := range classes {
		w := make([]float64, width)
		var b float64
		for epoch := 0; epoch < c.Epochs; epoch++ {
			for _, s := range samples {
				target := 0.0
				if s.Label == cls {
					target = 1.0
				}
				pred := sigmoid(dot(w, s.Features) + b)
				grad := pred - target
				for i := range w {
					w[i] -= c.LearningRate * grad * s.Features[i]
				}
				b -= c.LearningRate * grad
			}
		}
		c.weights[cls] = w
		c.bias[cls] = b
	}
	c.trained = true
	return evaluate(c, samples), nil
}

func (c *LinearClassifier) PredictProba(features []float64) map[string]float64 {
	if !c.trained {
		return nil
	}
	out := make(map[string]float64, len(c.weights))
	for cls, w := range c.weights {
		out[cls] = sigmoid(dot(w, features) + c.bias[cls])
	}
	return normalizeDistribution(out)
}

func (c *LinearClassifier) Predict(features []float64) (string, bool) {
	if !c.trained {
		return "", false
	}
	dist := c.PredictProba(features)
	return argmax(dist)
}

func dot(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

func sigmoid(x float64) float64 { return 1.0 / (1.0 + math.Exp(-x)) }

func normalizeDistribution(in map[string]float64) map[string]float64 {
	var sum float64
	for _, v := range in {
		sum += v
	}
	if sum == 0 {
		return in
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v / sum
	}
	return out
}

func argmax(dist map[string]float64) (string, bool) {
	best := ""
	bestScore := -math.MaxFloat64
	keys := make([]string, 0, len(dist))
	for k := range dist {
		keys = append(keys, k)
	}
	sort.Strings(keys) // deterministic tie-break
	for _, k := range keys {
		if dist[k] > bestScore {
			bestScore = dist[k]
			best = k
		}
	}
	return best, best != ""
}

func distinctLabels(samples []Sample) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, s := range samples {
		if _, ok := seen[s.Label]; !ok {
			seen[s.Label] = struct{}{}
			out = append(out, s.Label)
		}
	}
	sort.Strings(out)
	return out
}
