package mlclassify

import "testing"

// linearlySeparableSamples builds a trivially separable 2-class dataset so
// every Predictor implementation's Train/Predict round-trip can be
// exercised without relying on convergence tuning.
func linearlySeparableSamples() []Sample {
	var samples []Sample
	for i := 0; i < 20; i++ {
		samples = append(samples, Sample{Features: []float64{1.0, 0.1}, Label: "a"})
		samples = append(samples, Sample{Features: []float64{0.1, 1.0}, Label: "b"})
	}
	return samples
}

func TestLinearClassifierTrainPredict(t *testing.T) {
	c := NewLinearClassifier()
	if c.IsTrained() {
		t.Fatal("expected a fresh classifier to be untrained")
	}

	samples := linearlySeparableSamples()
	metrics, err := c.Train(samples)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if !c.IsTrained() {
		t.Fatal("expected IsTrained()=true after Train")
	}
	if metrics.Accuracy < 0.9 {
		t.Errorf("expected high accuracy on a linearly separable set, got %f", metrics.Accuracy)
	}

	label, ok := c.Predict([]float64{1.0, 0.1})
	if !ok || label != "a" {
		t.Errorf("expected Predict to return \"a\", got %q ok=%v", label, ok)
	}

	dist := c.PredictProba([]float64{1.0, 0.1})
	var sum float64
	for _, p := range dist {
		sum += p
	}
	if sum < 0.99 || sum > 1.01 {
		t.Errorf("expected PredictProba to return a normalized distribution, sum=%f", sum)
	}
}

func TestDecisionTreeTrainPredict(t *testing.T) {
	c := NewDecisionTreeClassifier()
	samples := linearlySeparableSamples()
	metrics, err := c.Train(samples)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if !c.IsTrained() {
		t.Fatal("expected IsTrained()=true after Train")
	}
	if metrics.Accuracy < 0.9 {
		t.Errorf("expected high accuracy on a linearly separable set, got %f", metrics.Accuracy)
	}
	if label, ok := c.Predict([]float64{0.1, 1.0}); !ok || label != "b" {
		t.Errorf("expected Predict to return \"b\", got %q ok=%v", label, ok)
	}
}

func TestGaussianNaiveBayesTrainPredict(t *testing.T) {
	c := NewGaussianNaiveBayes()
	samples := linearlySeparableSamples()
	metrics, err := c.Train(samples)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if !c.IsTrained() {
		t.Fatal("expected IsTrained()=true after Train")
	}
	if metrics.Accuracy < 0.9 {
		t.Errorf("expected high accuracy on a linearly separable set, got %f", metrics.Accuracy)
	}
}

func TestPredictorsRefuseUntrainedPredict(t *testing.T) {
	predictors := []Predictor{NewLinearClassifier(), NewDecisionTreeClassifier(), NewGaussianNaiveBayes()}
	for _, p := range predictors {
		if _, ok := p.Predict([]float64{1, 2}); ok {
			t.Errorf("%s: expected Predict to refuse before Train", p.Name())
		}
	}
}

func TestEvaluateMetricsPerClass(t *testing.T) {
	c := NewGaussianNaiveBayes()
	samples := linearlySeparableSamples()
	metrics, err := c.Train(samples)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if _, ok := metrics.PerClass["a"]; !ok {
		t.Error("expected per-class metrics for label \"a\"")
	}
	if _, ok := metrics.PerClass["b"]; !ok {
		t.Error("expected per-class metrics for label \"b\"")
	}
}
