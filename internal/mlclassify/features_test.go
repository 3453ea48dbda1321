package mlclassify

import (
	"testing"
	"time"

	"github.com/rcourtman/sentineld/internal/model"
)

func TestExtractorTransformPanicsUnfitted(t *testing.T) {
	e := NewExtractor(FeatureConfig{})
	defer func() {
		if recover() == nil {
			t.Fatal("expected Transform on an unfitted extractor to panic")
		}
	}()
	e.Transform(&model.Incident{Title: "x"})
}

func TestExtractorFitTransformWidth(t *testing.T) {
	incidents := []*model.Incident{
		{Title: "High CPU", Description: "cpu spike", Source: "sentinel", CreatedAt: time.Now()},
		{Title: "High CPU", Description: "cpu spike again", Source: "sentinel", CreatedAt: time.Now()},
		{Title: "Disk full", Description: "disk usage", Source: "datadog", CreatedAt: time.Now()},
	}
	e := NewExtractor(FeatureConfig{MinDocFreq: 2, UseTFIDF: true})
	e.Fit(incidents)
	if !e.IsFitted() {
		t.Fatal("expected extractor to be fitted after Fit")
	}

	vec := e.Transform(incidents[0])
	if len(vec) != e.Width() {
		t.Errorf("expected Transform to return a vector of width %d, got %d", e.Width(), len(vec))
	}
}

func TestExtractorSourceOneHot(t *testing.T) {
	incidents := []*model.Incident{
		{Title: "a", Source: "sentinel", CreatedAt: time.Now()},
		{Title: "b", Source: "datadog", CreatedAt: time.Now()},
	}
	e := NewExtractor(FeatureConfig{MinDocFreq: 1})
	e.Fit(incidents)

	va := e.Transform(incidents[0])
	vb := e.Transform(incidents[1])
	if equalFloats(va, vb) {
		t.Error("expected distinct sources to produce distinct feature vectors")
	}
}

func equalFloats(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestTemporalFeaturesBusinessHoursAndWeekend(t *testing.T) {
	// Tuesday 2024-01-02 10:00 UTC is a business-hours weekday.
	weekday := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	f := temporalFeatures(weekday)
	if f[2] != 0 {
		t.Error("expected is-weekend=0 for a Tuesday")
	}
	if f[3] != 1 {
		t.Error("expected is-business-hours=1 for Tuesday 10:00")
	}

	// Saturday.
	weekend := time.Date(2024, 1, 6, 10, 0, 0, 0, time.UTC)
	f2 := temporalFeatures(weekend)
	if f2[2] != 1 {
		t.Error("expected is-weekend=1 for a Saturday")
	}
	if f2[3] != 0 {
		t.Error("expected is-business-hours=0 on a weekend")
	}
}
