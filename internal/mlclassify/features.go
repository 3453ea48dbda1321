// Package mlclassify provides optional severity/type prediction and
// priority scoring for incidents, per spec.md §4.7. No numeric/ML library
// (e.g. gonum) appears anywhere in the retrieved example pack, so the
// feature extraction and classifiers below are built on stdlib math,
// justified in DESIGN.md.
package mlclassify

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rcourtman/sentineld/internal/model"
)

// FeatureConfig bounds the vocabulary and encoding (spec.md §6.4
// ml.feature.*).
type FeatureConfig struct {
	MaxVocabSize int
	MinDocFreq   int
	UseTFIDF     bool
}

// Extractor transforms incidents into fixed-width feature vectors. It has
// an explicit fitted/unfitted state; Transform on an unfitted extractor
// refuses (spec.md §4.7 "the extractor has a fitted/unfitted state").
type Extractor struct {
	cfg FeatureConfig

	fitted     bool
	vocabulary []string          // fixed order once fitted
	docFreq    map[string]int    // token -> number of training docs containing it
	numDocs    int
	sources    []string // fixed order of one-hot source encoding
}

// NewExtractor constructs an unfitted Extractor.
func NewExtractor(cfg FeatureConfig) *Extractor {
	if cfg.MaxVocabSize <= 0 {
		cfg.MaxVocabSize = 2000
	}
	if cfg.MinDocFreq <= 0 {
		cfg.MinDocFreq = 2
	}
	return &Extractor{cfg: cfg}
}

func (e *Extractor) IsFitted() bool { return e.fitted }

// Width returns the feature vector length once fitted.
func (e *Extractor) Width() int {
	return len(e.vocabulary) + len(e.sources) + 4 /* temporal */
}

// Fit learns the vocabulary and source set from a training corpus.
func (e *Extractor) Fit(incidents []*model.Incident) {
	docFreq := make(map[string]int)
	sourceSet := make(map[string]struct{})

	for _, in := range incidents {
		seen := make(map[string]struct{})
		for _, tok := range ngrams(in.Title + " " + in.Description) {
			if _, ok := seen[tok]; !ok {
				docFreq[tok]++
				seen[tok] = struct{}{}
			}
		}
		sourceSet[in.Source] = struct{}{}
	}

	vocab := make([]string, 0, len(docFreq))
	for tok, df := range docFreq {
		if df >= e.cfg.MinDocFreq {
			vocab = append(vocab, tok)
		}
	}
	sort.Strings(vocab)
	if len(vocab) > e.cfg.MaxVocabSize {
		vocab = vocab[:e.cfg.MaxVocabSize]
	}

	sources := make([]string, 0, len(sourceSet))
	for s := range sourceSet {
		sources = append(sources, s)
	}
	sort.Strings(sources)

	e.vocabulary = vocab
	e.docFreq = docFreq
	e.numDocs = len(incidents)
	e.sources = sources
	e.fitted = true
}

// Transform produces the fixed-width feature vector for one incident. It
// panics if called before Fit — callers must check IsFitted first, the
// same "refuses" contract spec.md §4.7 calls for.
func (e *Extractor) Transform(in *model.Incident) []float64 {
	if !e.fitted {
		panic("mlclassify: Transform called on unfitted extractor")
	}

	vec := make([]float64, 0, e.Width())

	counts := make(map[string]int)
	tokens := ngrams(in.Title + " " + in.Description)
	for _, tok := range tokens {
		counts[tok]++
	}
	for _, term := range e.vocabulary {
		tf := float64(counts[term]) / float64(max(1, len(tokens)))
		if !e.cfg.UseTFIDF {
			vec = append(vec, tf)
			continue
		}
		idf := math.Log(float64(1+e.numDocs) / float64(1+e.docFreq[term]))
		vec = append(vec, tf*idf)
	}

	for _, s := range e.sources {
		if s == in.Source {
			vec = append(vec, 1.0)
		} else {
			vec = append(vec, 0.0)
		}
	}

	vec = append(vec, temporalFeatures(in.CreatedAt)...)
	return vec
}

// temporalFeatures returns {hour-of-day/24, day-of-week/7, is-weekend,
// is-business-hours} per spec.md §4.7.
func temporalFeatures(t time.Time) []float64 {
	hour := float64(t.Hour()) / 24.0
	weekday := t.Weekday()
	day := float64(weekday) / 7.0
	isWeekend := 0.0
	if weekday == time.Saturday || weekday == time.Sunday {
		isWeekend = 1.0
	}
	isBusinessHours := 0.0
	if weekday >= time.Monday && weekday <= time.Friday && t.Hour() >= 9 && t.Hour() < 17 {
		isBusinessHours = 1.0
	}
	return []float64{hour, day, isWeekend, isBusinessHours}
}

// ngrams lowercases, whitespace-tokenizes, and emits unigrams + bigrams.
func ngrams(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	out := make([]string, 0, len(fields)*2)
	out = append(out, fields...)
	for i := 0; i+1 < len(fields); i++ {
		out = append(out, fields[i]+"_"+fields[i+1])
	}
	return out
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
