package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/rcourtman/sentineld/internal/model"
	"github.com/rcourtman/sentineld/internal/store"
)

func newEngine(s store.Store, cfg Config) *Engine {
	return New(s, cfg, NewIncidentFromAlert)
}

// processOrCreate runs one alert through the engine and returns the
// resulting incident, which Process always returns already persisted.
func processOrCreate(t *testing.T, s store.Store, e *Engine, alert *model.Alert) *model.Incident {
	t.Helper()
	decision, err := e.Process(context.Background(), alert)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	return decision.Incident
}

// TestDeduplicationCollapse is spec.md §8 Scenario A.
func TestDeduplicationCollapse(t *testing.T) {
	s := store.NewMemory()
	e := newEngine(s, Config{WindowSecs: 900})

	t0 := time.Now()
	first := &model.Alert{
		Source: "sentinel", Title: "High CPU", Severity: model.SeverityP1,
		Type: model.TypePerformance, AffectedServices: []string{"svc-a"}, ReceivedAt: t0,
	}
	created := processOrCreate(t, s, e, first)

	second := &model.Alert{
		Source: "sentinel", Title: "High CPU", Severity: model.SeverityP1,
		Type: model.TypePerformance, AffectedServices: []string{"svc-a"}, ReceivedAt: t0.Add(60 * time.Second),
	}
	merged := processOrCreate(t, s, e, second)

	if merged.ID != created.ID {
		t.Fatalf("expected the second alert to merge into the same incident, got %s vs %s", merged.ID, created.ID)
	}
	if merged.MergeCount != 1 {
		t.Errorf("expected merge_count=1, got %d", merged.MergeCount)
	}

	var kinds []model.EventKind
	for _, ev := range merged.Timeline {
		kinds = append(kinds, ev.Kind)
	}
	if len(kinds) < 2 || kinds[0] != model.EventCreated || kinds[1] != model.EventMerged {
		t.Errorf("expected timeline [Created, Merged, ...], got %v", kinds)
	}
	if merged.State != model.StateDetected {
		t.Errorf("expected state to remain Detected, got %s", merged.State)
	}
}

func TestDeduplicationOutsideWindowCreatesNew(t *testing.T) {
	s := store.NewMemory()
	e := newEngine(s, Config{WindowSecs: 60})

	t0 := time.Now()
	a := &model.Alert{Source: "sentinel", Title: "High CPU", Severity: model.SeverityP1, ReceivedAt: t0}
	first := processOrCreate(t, s, e, a)

	b := &model.Alert{Source: "sentinel", Title: "High CPU", Severity: model.SeverityP1, ReceivedAt: t0.Add(5 * time.Minute)}
	second := processOrCreate(t, s, e, b)

	if first.ID == second.ID {
		t.Error("alerts outside the dedup window should not collapse")
	}
}

func TestDeduplicationSkipsTerminalIncidents(t *testing.T) {
	s := store.NewMemory()
	e := newEngine(s, Config{WindowSecs: 900})

	t0 := time.Now()
	a := &model.Alert{Source: "sentinel", Title: "Disk full", Severity: model.SeverityP2, ReceivedAt: t0}
	first := processOrCreate(t, s, e, a)

	if _, err := s.ApplyTransition(context.Background(), first.ID, model.StateTriaged, "system"); err != nil {
		t.Fatalf("ApplyTransition: %v", err)
	}
	if _, err := s.ApplyTransition(context.Background(), first.ID, model.StateResolved, "system"); err != nil {
		t.Fatalf("ApplyTransition: %v", err)
	}

	b := &model.Alert{Source: "sentinel", Title: "Disk full", Severity: model.SeverityP2, ReceivedAt: t0.Add(time.Minute)}
	second := processOrCreate(t, s, e, b)

	if second.ID == first.ID {
		t.Error("a resolved incident with no reopen window configured should not collapse new alerts")
	}
}

func TestDeduplicationReopensWithinReopenWindow(t *testing.T) {
	s := store.NewMemory()
	e := newEngine(s, Config{WindowSecs: 900, ReopenWindowSecs: 300})

	t0 := time.Now()
	a := &model.Alert{Source: "sentinel", Title: "Disk full", Severity: model.SeverityP2, ReceivedAt: t0}
	first := processOrCreate(t, s, e, a)
	if _, err := s.ApplyTransition(context.Background(), first.ID, model.StateTriaged, "system"); err != nil {
		t.Fatalf("ApplyTransition: %v", err)
	}
	if _, err := s.ApplyTransition(context.Background(), first.ID, model.StateResolved, "system"); err != nil {
		t.Fatalf("ApplyTransition: %v", err)
	}

	b := &model.Alert{Source: "sentinel", Title: "Disk full", Severity: model.SeverityP2, ReceivedAt: t0.Add(time.Minute)}
	decision, err := e.Process(context.Background(), b)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if decision.Incident == nil || decision.Incident.ID != first.ID {
		t.Fatal("expected the alert to reopen the resolved incident")
	}
	if !decision.Reopened {
		t.Error("expected Reopened=true")
	}
	if decision.Incident.State != model.StateInvestigating {
		t.Errorf("expected reopened incident to land in Investigating, got %s", decision.Incident.State)
	}
}

func TestDeduplicationConcurrentCollapsesToOne(t *testing.T) {
	s := store.NewMemory()
	e := newEngine(s, Config{WindowSecs: 900})

	const n = 20
	t0 := time.Now()
	results := make(chan *model.Incident, n)
	done := make(chan struct{})

	// Seed one incident first so every concurrent caller has a candidate to
	// race to merge into.
	seed := &model.Alert{Source: "sentinel", Title: "Network flap", Severity: model.SeverityP1, ReceivedAt: t0}
	seedIncident := processOrCreate(t, s, e, seed)
	results <- seedIncident

	for i := 0; i < n-1; i++ {
		go func(i int) {
			alert := &model.Alert{Source: "sentinel", Title: "Network flap", Severity: model.SeverityP1, ReceivedAt: t0.Add(time.Duration(i+1) * time.Second)}
			results <- processOrCreate(t, s, e, alert)
		}(i)
	}
	go func() { close(done) }()
	<-done

	ids := map[string]struct{}{}
	for i := 0; i < n; i++ {
		ids[(<-results).ID] = struct{}{}
	}
	if len(ids) != 1 {
		t.Errorf("expected all concurrent same-fingerprint alerts to collapse into one incident, got %d distinct ids", len(ids))
	}
}
