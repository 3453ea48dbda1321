package mlclassify

import "math"

// classStats holds per-class, per-feature mean/variance used by Gaussian
// naive Bayes, plus the class prior.
type classStats struct {
	prior    float64
	mean     []float64
	variance []float64
}

// GaussianNaiveBayes assumes conditional feature independence and a
// Gaussian likelihood per feature, per spec.md §4.7 "a Gaussian
// naïve-Bayes".
type GaussianNaiveBayes struct {
	stats   map[string]*classStats
	trained bool
}

func NewGaussianNaiveBayes() *GaussianNaiveBayes {
	return &GaussianNaiveBayes{}
}

func (g *GaussianNaiveBayes) Name() string    { return "gaussian_naive_bayes" }
func (g *GaussianNaiveBayes) IsTrained() bool { return g.trained }

func (g *GaussianNaiveBayes) Train(samples []Sample) (Metrics, error) {
	byClass := map[string][]Sample{}
	for _, s := range samples {
		byClass[s.Label] = append(byClass[s.Label], s)
	}

	g.stats = make(map[string]*classStats, len(byClass))
	width := 0
	if len(samples) > 0 {
		width = len(samples[0].Features)
	}

	for label, group := range byClass {
		mean := make([]float64, width)
		for _, s := range group {
			for i, v := range s.Features {
				mean[i] += v
			}
		}
		for i := range mean {
			mean[i] /= float64(len(group))
		}

		variance := make([]float64, width)
		for _, s := range group {
			for i, v := range s.Features {
				d := v - mean[i]
				variance[i] += d * d
			}
		}
		for i := range variance {
			variance[i] /= float64(len(group))
			if variance[i] < 1e-6 {
				variance[i] = 1e-6 // avoid divide-by-zero on constant features
			}
		}

		g.stats[label] = &classStats{
			prior:    float64(len(group)) / float64(len(samples)),
			mean:     mean,
			variance: variance,
		}
	}
	g.trained = true
	return evaluate(g, samples), nil
}

func (g *GaussianNaiveBayes) PredictProba(features []float64) map[string]float64 {
	if !g.trained {
		return nil
	}
	logPost := make(map[string]float64, len(g.stats))
	for label, st := range g.stats {
		logP := math.Log(st.prior)
		for i, v := range features {
			logP += logGaussian(v, st.mean[i], st.variance[i])
		}
		logPost[label] = logP
	}

	// Convert log-posteriors to a normalized distribution via log-sum-exp.
	maxLog := -math.MaxFloat64
	for _, v := range logPost {
		if v > maxLog {
			maxLog = v
		}
	}
	var sum float64
	exp := make(map[string]float64, len(logPost))
	for label, v := range logPost {
		e := math.Exp(v - maxLog)
		exp[label] = e
		sum += e
	}
	out := make(map[string]float64, len(exp))
	for label, e := range exp {
		out[label] = e / sum
	}
	return out
}

func (g *GaussianNaiveBayes) Predict(features []float64) (string, bool) {
	if !g.trained {
		return "", false
	}
	return argmax(g.PredictProba(features))
}

func logGaussian(x, mean, variance float64) float64 {
	return -0.5*math.Log(2*math.Pi*variance) - (x-mean)*(x-mean)/(2*variance)
}
