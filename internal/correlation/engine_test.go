package correlation

import (
	"context"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rcourtman/sentineld/internal/model"
	"github.com/rcourtman/sentineld/internal/store"
)

func newIncident(s store.Store, title, source string, createdAt time.Time) *model.Incident {
	in := &model.Incident{
		ID:        ulid.Make().String(),
		Title:     title,
		Source:    source,
		Severity:  model.SeverityP2,
		State:     model.StateDetected,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	s.Save(context.Background(), in)
	return in
}

func TestAnalyzeCreatesGroupWhenNoCandidates(t *testing.T) {
	s := store.NewMemory()
	e := New(s, DefaultStrategies(), EngineConfig{Strategy: Config{TemporalWindow: time.Minute, MinScore: 0.5}})

	in := newIncident(s, "Disk full", "sentinel", time.Now())
	g, err := e.Analyze(context.Background(), in)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if g.PrimaryIncident != in.ID || g.Size() != 1 {
		t.Errorf("expected a fresh singleton group, got primary=%s size=%d", g.PrimaryIncident, g.Size())
	}
}

// TestAnalyzeAttachesMatchingFingerprint checks that two incidents sharing a
// fingerprint, created a minute apart, correlate via the fingerprint
// strategy into one group.
func TestAnalyzeAttachesMatchingFingerprint(t *testing.T) {
	s := store.NewMemory()
	e := New(s, DefaultStrategies(), EngineConfig{Strategy: Config{TemporalWindow: time.Hour, MinScore: 0.5}})

	t0 := time.Now()
	a := newIncident(s, "High CPU", "sentinel", t0)
	a.Fingerprint = "fp-1"
	s.Save(context.Background(), a)
	if _, err := e.Analyze(context.Background(), a); err != nil {
		t.Fatalf("Analyze a: %v", err)
	}

	b := newIncident(s, "High CPU again", "sentinel", t0.Add(time.Minute))
	b.Fingerprint = "fp-1"
	s.Save(context.Background(), b)

	g, err := e.Analyze(context.Background(), b)
	if err != nil {
		t.Fatalf("Analyze b: %v", err)
	}
	if g.PrimaryIncident != a.ID {
		t.Errorf("expected b to join a's group, got primary %s", g.PrimaryIncident)
	}
	if g.Size() != 2 {
		t.Errorf("expected group size 2, got %d", g.Size())
	}

	gf, ok := e.GroupFor(b.ID)
	if !ok || gf.ID != g.ID {
		t.Error("GroupFor should report b's membership in the returned group")
	}
}

func TestAnalyzeNoMatchCreatesSeparateGroups(t *testing.T) {
	s := store.NewMemory()
	e := New(s, DefaultStrategies(), EngineConfig{Strategy: Config{TemporalWindow: time.Minute, MinScore: 0.9}})

	t0 := time.Now()
	a := newIncident(s, "Disk full", "sentinel", t0)
	b := newIncident(s, "Completely unrelated", "otherbot", t0.Add(time.Hour))

	ga, _ := e.Analyze(context.Background(), a)
	gb, _ := e.Analyze(context.Background(), b)
	if ga.ID == gb.ID {
		t.Error("unrelated, far-apart incidents should not share a group")
	}
}

func TestMaxGroupSizeSplitsLowestScoringMember(t *testing.T) {
	s := store.NewMemory()
	e := New(s, []Strategy{fingerprintStrategy{}}, EngineConfig{
		Strategy:     Config{TemporalWindow: time.Hour, MinScore: 0.5},
		MaxGroupSize: 2,
	})

	t0 := time.Now()
	a := newIncident(s, "A", "sentinel", t0)
	a.Fingerprint = "shared"
	s.Save(context.Background(), a)
	if _, err := e.Analyze(context.Background(), a); err != nil {
		t.Fatalf("Analyze a: %v", err)
	}

	b := newIncident(s, "B", "sentinel", t0.Add(time.Minute))
	b.Fingerprint = "shared"
	s.Save(context.Background(), b)
	gAfterB, err := e.Analyze(context.Background(), b)
	if err != nil {
		t.Fatalf("Analyze b: %v", err)
	}
	if gAfterB.Size() != 2 {
		t.Fatalf("expected size 2 before the cap is exceeded, got %d", gAfterB.Size())
	}

	c := newIncident(s, "C", "sentinel", t0.Add(2*time.Minute))
	c.Fingerprint = "shared"
	s.Save(context.Background(), c)
	gAfterC, err := e.Analyze(context.Background(), c)
	if err != nil {
		t.Fatalf("Analyze c: %v", err)
	}

	if gAfterC.Size() > 2 {
		t.Errorf("group should never exceed MaxGroupSize=2, got size %d", gAfterC.Size())
	}

	// One of {a, b, c}'s prior members must have been evicted into its own
	// new singleton group rather than the cap being silently ignored.
	total := 0
	for _, id := range []string{a.ID, b.ID, c.ID} {
		if g, ok := e.GroupFor(id); ok {
			total++
			_ = g
		}
	}
	if total != 3 {
		t.Errorf("expected all three incidents to still have a group membership, got %d", total)
	}
}

func TestMaintainResolvesStaleGroupWhenAllMembersTerminal(t *testing.T) {
	s := store.NewMemory()
	e := New(s, DefaultStrategies(), EngineConfig{
		Strategy:        Config{TemporalWindow: time.Minute, MinScore: 0.5},
		GroupStaleAfter: time.Millisecond,
	})

	in := newIncident(s, "Disk full", "sentinel", time.Now().Add(-time.Hour))
	g, _ := e.Analyze(context.Background(), in)

	if _, err := s.ApplyTransition(context.Background(), in.ID, model.StateTriaged, "system"); err != nil {
		t.Fatalf("ApplyTransition: %v", err)
	}
	if _, err := s.ApplyTransition(context.Background(), in.ID, model.StateResolved, "system"); err != nil {
		t.Fatalf("ApplyTransition: %v", err)
	}

	g.UpdatedAt = time.Now().Add(-time.Hour)
	e.maintain(context.Background())

	got, ok := e.GroupFor(in.ID)
	if !ok {
		t.Fatal("group should still exist after staling, only its status changes")
	}
	if got.Status != model.GroupResolved {
		t.Errorf("expected group to resolve once all members are terminal, got status %s", got.Status)
	}
}
