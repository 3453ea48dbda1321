package model

import "testing"

func TestAllowedEdge(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateDetected, StateTriaged, true},
		{StateDetected, StateInvestigating, true},
		{StateDetected, StateResolved, true},
		{StateDetected, StateClosed, false},
		{StateTriaged, StateRemediating, true},
		{StateInvestigating, StateRemediating, true},
		{StateInvestigating, StateTriaged, false},
		{StateRemediating, StateInvestigating, true},
		{StateRemediating, StateTriaged, false},
		{StateResolved, StateClosed, true},
		{StateResolved, StateReopened, true},
		{StateClosed, StateReopened, true},
		{StateClosed, StateResolved, false},
		{StateReopened, StateInvestigating, true},
		{StateReopened, StateTriaged, false},
	}
	for _, c := range cases {
		if got := AllowedEdge(c.from, c.to); got != c.want {
			t.Errorf("AllowedEdge(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateResolved, StateClosed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []State{StateDetected, StateTriaged, StateInvestigating, StateRemediating, StateReopened} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestIncidentCloneIsDeep(t *testing.T) {
	in := &Incident{
		ID:                "inc-1",
		AffectedResources: []string{"svc-a"},
		Labels:            map[string]string{"team": "core"},
		Timeline:          []IncidentEvent{{ID: "ev-1", Kind: EventCreated}},
	}
	clone := in.Clone()
	clone.AffectedResources[0] = "svc-b"
	clone.Labels["team"] = "other"
	clone.Timeline[0].Kind = EventClosed

	if in.AffectedResources[0] != "svc-a" {
		t.Errorf("mutating clone's resources leaked into original")
	}
	if in.Labels["team"] != "core" {
		t.Errorf("mutating clone's labels leaked into original")
	}
	if in.Timeline[0].Kind != EventCreated {
		t.Errorf("mutating clone's timeline leaked into original")
	}
}

func TestSeverityMoreUrgent(t *testing.T) {
	if !SeverityP0.MoreUrgent(SeverityP1) {
		t.Error("P0 should be more urgent than P1")
	}
	if SeverityP3.MoreUrgent(SeverityP1) {
		t.Error("P3 should not be more urgent than P1")
	}
	if SeverityP1.MoreUrgent(SeverityP1) {
		t.Error("a severity is never more urgent than itself")
	}
}

func TestSeverityValid(t *testing.T) {
	if !SeverityP2.Valid() {
		t.Error("P2 should be valid")
	}
	if Severity("P9").Valid() {
		t.Error("P9 should not be valid")
	}
}
