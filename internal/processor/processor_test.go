package processor

import (
	"context"
	"testing"
	"time"

	"github.com/rcourtman/sentineld/internal/dedup"
	"github.com/rcourtman/sentineld/internal/enrichment"
	"github.com/rcourtman/sentineld/internal/model"
	"github.com/rcourtman/sentineld/internal/sentinelerr"
	"github.com/rcourtman/sentineld/internal/store"
	"github.com/rcourtman/sentineld/internal/subscription"
)

// alwaysOnEnricher is a minimal enrichment.Enricher that always succeeds,
// used to exercise IngestAlert's post-enrichment persistence path.
type alwaysOnEnricher struct{}

func (alwaysOnEnricher) Name() string                 { return "always-on" }
func (alwaysOnEnricher) Enabled(enrichment.Config) bool { return true }
func (alwaysOnEnricher) Priority() int                { return 1 }
func (alwaysOnEnricher) Enrich(_ context.Context, _ *model.Incident, scratch *model.EnrichedContext, _ enrichment.Config) error {
	if scratch.Metadata == nil {
		scratch.Metadata = map[string]string{}
	}
	scratch.Metadata["probe"] = "ok"
	return nil
}

func newTestProcessor(t *testing.T) (*Processor, store.Store, *subscription.Bus) {
	t.Helper()
	s := store.NewMemory()
	bus := subscription.New()
	dedupEngine := dedup.New(s, dedup.Config{WindowSecs: 900}, dedup.NewIncidentFromAlert)
	p := New(Services{Store: s, Dedup: dedupEngine, Subscriptions: bus}, Config{})
	return p, s, bus
}

// TestIngestAlertCreatesIncidentAndPublishes exercises the create path of
// spec.md §2's data flow end to end: ingest → store → subscription bus.
func TestIngestAlertCreatesIncidentAndPublishes(t *testing.T) {
	p, s, bus := newTestProcessor(t)
	ch, unsub := bus.Subscribe("sub", subscription.Filter{}, 4)
	defer unsub()

	id, err := p.IngestAlert(context.Background(), &model.Alert{
		Source: "sentinel", Title: "High CPU", Severity: model.SeverityP1, Type: model.TypePerformance,
	})
	if err != nil {
		t.Fatalf("IngestAlert: %v", err)
	}
	if id == "" {
		t.Fatal("expected a non-empty correlation id (incident id)")
	}

	got, ok, err := s.Get(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("expected the incident to be persisted: ok=%v err=%v", ok, err)
	}
	if got.State != model.StateDetected {
		t.Errorf("expected a freshly created incident to start Detected, got %s", got.State)
	}

	select {
	case ev := <-ch:
		if ev.UpdateType != subscription.UpdateCreated || ev.IncidentID != id {
			t.Errorf("expected a Created event for %s, got %+v", id, ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a Created event on the subscription bus")
	}
}

func TestIngestAlertRejectsMissingFields(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	if _, err := p.IngestAlert(context.Background(), &model.Alert{Title: "no source"}); err == nil {
		t.Fatal("expected InvalidInput for an alert with no source")
	}
	if _, err := p.IngestAlert(context.Background(), &model.Alert{Source: "sentinel"}); err == nil {
		t.Fatal("expected InvalidInput for an alert with no title")
	}
}

func TestIngestAlertDeduplicatesWithinWindow(t *testing.T) {
	p, _, bus := newTestProcessor(t)
	ch, unsub := bus.Subscribe("sub", subscription.Filter{}, 8)
	defer unsub()

	t0 := time.Now()
	alert := model.Alert{Source: "sentinel", Title: "High CPU", Severity: model.SeverityP1, Type: model.TypePerformance, ReceivedAt: t0}
	id1, err := p.IngestAlert(context.Background(), &alert)
	if err != nil {
		t.Fatalf("IngestAlert: %v", err)
	}

	alert2 := model.Alert{Source: "sentinel", Title: "High CPU", Severity: model.SeverityP1, Type: model.TypePerformance, ReceivedAt: t0.Add(time.Minute)}
	id2, err := p.IngestAlert(context.Background(), &alert2)
	if err != nil {
		t.Fatalf("IngestAlert: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected the second alert to collapse into the same incident, got %s vs %s", id1, id2)
	}

	<-ch // Created
	select {
	case ev := <-ch:
		if ev.UpdateType != subscription.UpdateUpdated {
			t.Errorf("expected an Updated event for the merge, got %v", ev.UpdateType)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an event for the merge")
	}
}

// TestIngestAlertPersistsEnrichedTimelineEvent guards against the Store.Save
// in enrich clobbering the Enriched timeline event that Store.AppendEvent
// just persisted — the append-only timeline invariant of spec.md §3.2 for
// an enumerated EventKind.
func TestIngestAlertPersistsEnrichedTimelineEvent(t *testing.T) {
	s := store.NewMemory()
	bus := subscription.New()
	dedupEngine := dedup.New(s, dedup.Config{WindowSecs: 900}, dedup.NewIncidentFromAlert)
	pipeline := enrichment.New([]enrichment.Enricher{alwaysOnEnricher{}}, enrichment.PipelineConfig{MaxConcurrent: 1})
	p := New(Services{Store: s, Dedup: dedupEngine, Subscriptions: bus, Enrichment: pipeline}, Config{})

	id, err := p.IngestAlert(context.Background(), &model.Alert{
		Source: "sentinel", Title: "High CPU", Severity: model.SeverityP1, Type: model.TypePerformance,
	})
	if err != nil {
		t.Fatalf("IngestAlert: %v", err)
	}

	got, ok, err := s.Get(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("expected the incident to be persisted: ok=%v err=%v", ok, err)
	}

	found := false
	for _, ev := range got.Timeline {
		if ev.Kind == model.EventEnriched {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an Enriched event to survive the post-enrichment Save, got timeline %+v", got.Timeline)
	}
	if got.EnrichedContext == nil || got.EnrichedContext.Metadata["probe"] != "ok" {
		t.Errorf("expected the enriched context itself to persist too, got %+v", got.EnrichedContext)
	}
}

// TestTransitionRejectsInvalidEdge is spec.md §8 Scenario B.
func TestTransitionRejectsInvalidEdge(t *testing.T) {
	p, s, _ := newTestProcessor(t)
	id, err := p.IngestAlert(context.Background(), &model.Alert{Source: "sentinel", Title: "Disk full", Severity: model.SeverityP2})
	if err != nil {
		t.Fatalf("IngestAlert: %v", err)
	}

	_, err = p.Transition(context.Background(), id, model.StateClosed, "alice")
	if err == nil {
		t.Fatal("expected InvalidStateTransition for Detected -> Closed")
	}
	if !sentinelerr.OfKind(err, sentinelerr.InvalidStateTransition) {
		t.Errorf("expected an InvalidStateTransition error, got %v", err)
	}

	got, _, _ := s.Get(context.Background(), id)
	if got.State != model.StateDetected {
		t.Errorf("incident must remain unchanged after the rejected transition, got %s", got.State)
	}
}

func TestResolveAndReopenPreservesResolution(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	id, err := p.IngestAlert(context.Background(), &model.Alert{Source: "sentinel", Title: "Disk full", Severity: model.SeverityP2})
	if err != nil {
		t.Fatalf("IngestAlert: %v", err)
	}

	resolution := model.Resolution{Method: model.ResolutionManual, ResolvedBy: "alice", RootCause: "disk cleanup"}
	resolved, err := p.Resolve(context.Background(), id, resolution, "alice")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.ResolvedAt == nil {
		t.Fatal("expected resolved_at to be set")
	}

	reopened, err := p.Reopen(context.Background(), id, "alice")
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	if reopened.State != model.StateInvestigating {
		t.Errorf("expected reopen to land in Investigating, got %s", reopened.State)
	}
	if reopened.Resolution == nil || reopened.Resolution.RootCause != "disk cleanup" {
		t.Error("expected the prior resolution block to be preserved across reopen, per spec.md §9")
	}

	resolvedAgain, err := p.Resolve(context.Background(), id, resolution, "alice")
	if err != nil {
		t.Fatalf("Resolve (again): %v", err)
	}
	if resolvedAgain.Resolution.RootCause != resolution.RootCause {
		t.Error("expected an identical resolve->reopen->resolve cycle to reproduce the same resolution snapshot")
	}
}
