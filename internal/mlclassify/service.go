package mlclassify

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/sentineld/internal/model"
	"github.com/rcourtman/sentineld/internal/sentinelerr"
	"github.com/rcourtman/sentineld/internal/store"
)

// ServiceConfig configures the Service (spec.md §6.4 ml.*).
type ServiceConfig struct {
	RetrainThreshold  int
	MinConfidence     float64
	MaxTrainingSamples int
	AutoRetrain       bool
	Feature           FeatureConfig

	// Cache, if non-nil, is appended to by RecordSample once a model set
	// is trained, and its samples are added to the severity training set on
	// retrain. Retrain always scans the store as well. Leave nil to train
	// from the store alone.
	Cache *SampleCache
}

// Prediction is the service's output for one incident.
type Prediction struct {
	Severity     string
	Type         string
	Confidence   float64
	Distribution map[string]float64
}

// trainedState is swapped atomically after a successful retrain so
// in-flight Predict calls never observe a half-updated extractor/predictor
// pair.
type trainedState struct {
	extractor       *Extractor
	severityModel   Predictor
	typeModel       Predictor
	severityMetrics Metrics
	typeMetrics     Metrics
}

// Service is the optional ML classification subsystem of spec.md §4.7.
// Training errors never tear it down; they simply leave the previous
// trained state in place.
type Service struct {
	cfg   ServiceConfig
	store store.Store

	current atomic.Pointer[trainedState]

	mu              sync.Mutex
	samplesSinceFit int32
}

// New constructs a Service with no trained models yet.
func New(s store.Store, cfg ServiceConfig) *Service {
	if cfg.RetrainThreshold <= 0 {
		cfg.RetrainThreshold = 50
	}
	if cfg.MaxTrainingSamples <= 0 {
		cfg.MaxTrainingSamples = 5000
	}
	return &Service{cfg: cfg, store: s}
}

// RecordSample increments the samples-since-last-train counter and, if
// AutoRetrain is enabled and the threshold is reached, triggers a retrain
// in the background (spec.md §4.7 "Retrain loop"). When incident is
// non-nil, a Cache is configured and a trained model set exists (its
// extractor builds the features), its resolved severity is also appended
// there as a sample for the next Retrain.
func (s *Service) RecordSample(ctx context.Context, incident *model.Incident) {
	if s.cfg.Cache != nil && incident != nil {
		if st := s.current.Load(); st != nil {
			features := st.extractor.Transform(incident)
			s.cfg.Cache.Add(ctx, Sample{Features: features, Label: string(incident.Severity)})
		}
	}
	n := atomic.AddInt32(&s.samplesSinceFit, 1)
	if s.cfg.AutoRetrain && int(n) >= s.cfg.RetrainThreshold {
		atomic.StoreInt32(&s.samplesSinceFit, 0)
		go func() {
			if err := s.Retrain(context.Background()); err != nil {
				log.Warn().Err(err).Msg("ml retrain failed, keeping previous models")
			}
		}()
	}
}

// Retrain pulls historical incidents, refits the extractor, retrains each
// predictor, and swaps models atomically on success.
func (s *Service) Retrain(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	incidents, err := s.store.List(ctx, model.Filter{
		States: []model.State{model.StateResolved, model.StateClosed},
	}, 0, s.cfg.MaxTrainingSamples)
	if err != nil {
		return sentinelerr.Wrap(sentinelerr.MLUnavailable, "list training incidents", err)
	}
	if len(incidents) < 2 {
		return sentinelerr.New(sentinelerr.MLUnavailable, "insufficient training data")
	}

	extractor := NewExtractor(s.cfg.Feature)
	extractor.Fit(incidents)

	severitySamples := make([]Sample, 0, len(incidents))
	typeSamples := make([]Sample, 0, len(incidents))
	for _, in := range incidents {
		features := extractor.Transform(in)
		severitySamples = append(severitySamples, Sample{Features: features, Label: string(in.Severity)})
		typeSamples = append(typeSamples, Sample{Features: features, Label: string(in.Type)})
	}

	if s.cfg.Cache != nil {
		// Cached samples were transformed under a previous extractor fit;
		// re-run them through the freshly fitted one isn't possible without
		// the source incident, so they only widen the severity set using
		// their original feature vectors, trading a little staleness for a
		// larger effective training window (spec.md §5 resource budget).
		severitySamples = append(severitySamples, s.cfg.Cache.All(ctx)...)
	}

	severityModel := NewGaussianNaiveBayes()
	severityMetrics, err := severityModel.Train(severitySamples)
	if err != nil {
		return sentinelerr.Wrap(sentinelerr.MLUnavailable, "train severity model", err)
	}
	typeModel := NewDecisionTreeClassifier()
	typeMetrics, err := typeModel.Train(typeSamples)
	if err != nil {
		return sentinelerr.Wrap(sentinelerr.MLUnavailable, "train type model", err)
	}

	s.current.Store(&trainedState{
		extractor:       extractor,
		severityModel:   severityModel,
		typeModel:       typeModel,
		severityMetrics: severityMetrics,
		typeMetrics:     typeMetrics,
	})
	log.Info().Float64("severityAccuracy", severityMetrics.Accuracy).
		Float64("typeAccuracy", typeMetrics.Accuracy).Msg("ml models retrained")
	return nil
}

// Predict returns a Prediction for the incident, or an MLUnavailable error
// if no models are trained yet.
func (s *Service) Predict(incident *model.Incident) (*Prediction, error) {
	st := s.current.Load()
	if st == nil {
		return nil, sentinelerr.New(sentinelerr.MLUnavailable, "no trained models available")
	}

	features := st.extractor.Transform(incident)
	severity, ok := st.severityModel.Predict(features)
	if !ok {
		return nil, sentinelerr.New(sentinelerr.MLUnavailable, "severity model not trained")
	}
	typ, _ := st.typeModel.Predict(features)
	dist := st.severityModel.PredictProba(features)

	return &Prediction{
		Severity:     severity,
		Type:         typ,
		Confidence:   dist[severity],
		Distribution: dist,
	}, nil
}

// IsAvailable reports whether a trained model set exists.
func (s *Service) IsAvailable() bool {
	return s.current.Load() != nil
}
