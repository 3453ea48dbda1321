package enrichment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rcourtman/sentineld/internal/model"
)

// fakeEnricher is a minimal Enricher for pipeline tests: it waits `delay`
// (honoring ctx cancellation), then either writes `value` into
// scratch.Metadata["fake"] or returns `err`.
type fakeEnricher struct {
	name     string
	priority int
	delay    time.Duration
	err      error
	value    string
}

func (f fakeEnricher) Name() string         { return f.name }
func (f fakeEnricher) Enabled(Config) bool  { return true }
func (f fakeEnricher) Priority() int        { return f.priority }

func (f fakeEnricher) Enrich(ctx context.Context, _ *model.Incident, scratch *model.EnrichedContext, _ Config) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.err != nil {
		return f.err
	}
	if scratch.Metadata == nil {
		scratch.Metadata = map[string]string{}
	}
	scratch.Metadata["fake"] = f.value
	return nil
}

func testIncident() *model.Incident {
	return &model.Incident{ID: "i1", Title: "test", Source: "sentinel"}
}

// TestEnrichmentPartialFailure is spec.md §8 Scenario E: one enricher
// succeeds quickly, the other times out; the pipeline records both outcomes
// and never blocks past the per-enricher timeout.
func TestEnrichmentPartialFailure(t *testing.T) {
	a := fakeEnricher{name: "A", priority: 1, delay: 10 * time.Millisecond, value: "ok"}
	b := fakeEnricher{name: "B", priority: 2, delay: 10 * time.Second}

	p := New([]Enricher{a, b}, PipelineConfig{
		MaxConcurrent:      4,
		PerEnricherTimeout: 100 * time.Millisecond,
	})

	start := time.Now()
	result, err := p.Enrich(context.Background(), testIncident())
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}

	if len(result.SuccessfulEnrichers) != 1 || result.SuccessfulEnrichers[0] != "A" {
		t.Errorf("expected SuccessfulEnrichers=[A], got %v", result.SuccessfulEnrichers)
	}
	if len(result.FailedEnrichers) != 1 || result.FailedEnrichers[0] != "B" {
		t.Errorf("expected FailedEnrichers=[B], got %v", result.FailedEnrichers)
	}
	if elapsed > 2500*time.Millisecond {
		t.Errorf("expected enrichment to bound on the per-enricher timeout, took %s", elapsed)
	}
}

func TestEnrichmentSequentialEqualsParallelWithOneWorker(t *testing.T) {
	a := fakeEnricher{name: "A", priority: 1, value: "a"}
	b := fakeEnricher{name: "B", priority: 2, value: "b"}

	seq := New([]Enricher{a, b}, PipelineConfig{MaxConcurrent: 1})
	result, err := seq.Enrich(context.Background(), testIncident())
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if len(result.SuccessfulEnrichers) != 2 {
		t.Fatalf("expected both enrichers to succeed, got %v", result.SuccessfulEnrichers)
	}
	// Lower priority (A) wins the merge conflict on Metadata["fake"].
	if result.Metadata["fake"] != "a" {
		t.Errorf("expected lower-priority enricher to win the merge conflict, got %q", result.Metadata["fake"])
	}
}

func TestEnrichmentParallelLowerPriorityWinsMergeConflict(t *testing.T) {
	a := fakeEnricher{name: "A", priority: 1, value: "a"}
	b := fakeEnricher{name: "B", priority: 2, value: "b"}

	p := New([]Enricher{b, a}, PipelineConfig{MaxConcurrent: 4}) // registration order shouldn't matter
	result, err := p.Enrich(context.Background(), testIncident())
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if result.Metadata["fake"] != "a" {
		t.Errorf("expected priority-1 enricher to win, got %q", result.Metadata["fake"])
	}
}

func TestEnrichmentCacheHitSkipsRerun(t *testing.T) {
	counting := fakeEnricher{name: "counter", priority: 1, value: "v"}
	p := New([]Enricher{counting}, PipelineConfig{MaxConcurrent: 1, CacheTTL: time.Minute})

	incident := testIncident()
	if _, err := p.Enrich(context.Background(), incident); err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	first, _ := p.cache.get(incident.ID)

	if _, err := p.Enrich(context.Background(), incident); err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	second, ok := p.cache.get(incident.ID)
	if !ok {
		t.Fatal("expected a cache entry after the first Enrich call")
	}
	if first.EnrichedAt != second.EnrichedAt {
		t.Error("a cache hit within TTL must return the same cached context, not rerun enrichers")
	}
}

func TestEnrichmentDisabledEnricherSkipped(t *testing.T) {
	p := New([]Enricher{
		disabledEnricher{},
		fakeEnricher{name: "active", priority: 5, value: "x"},
	}, PipelineConfig{MaxConcurrent: 1})

	if len(p.enrichers) != 1 {
		t.Fatalf("expected disabled enrichers to be filtered at construction, got %d", len(p.enrichers))
	}
}

type disabledEnricher struct{}

func (disabledEnricher) Name() string        { return "disabled" }
func (disabledEnricher) Enabled(Config) bool { return false }
func (disabledEnricher) Priority() int        { return 1 }
func (disabledEnricher) Enrich(context.Context, *model.Incident, *model.EnrichedContext, Config) error {
	return errors.New("must never run")
}
