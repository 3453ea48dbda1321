package model

import (
	"testing"
	"time"
)

func TestFilterMatch(t *testing.T) {
	now := time.Now()
	in := &Incident{
		Severity:  SeverityP1,
		State:     StateTriaged,
		Source:    "sentinel",
		Assignee:  "alice",
		Labels:    map[string]string{"region": "us-east"},
		CreatedAt: now,
	}

	cases := []struct {
		name string
		f    Filter
		want bool
	}{
		{"no filter matches anything", Filter{}, true},
		{"matching severity", Filter{Severities: []Severity{SeverityP1, SeverityP2}}, true},
		{"non-matching severity", Filter{Severities: []Severity{SeverityP2}}, false},
		{"matching state", Filter{States: []State{StateTriaged}}, true},
		{"non-matching state", Filter{States: []State{StateResolved}}, false},
		{"matching source", Filter{Sources: []string{"sentinel"}}, true},
		{"non-matching source", Filter{Sources: []string{"other"}}, false},
		{"matching assignee", Filter{Assignee: "alice"}, true},
		{"non-matching assignee", Filter{Assignee: "bob"}, false},
		{"matching label", Filter{Label: [2]string{"region", "us-east"}}, true},
		{"non-matching label value", Filter{Label: [2]string{"region", "us-west"}}, false},
		{"non-matching label key", Filter{Label: [2]string{"team", "core"}}, false},
		{"created range inclusive window", Filter{CreatedFrom: now.Add(-time.Minute), CreatedTo: now.Add(time.Minute)}, true},
		{"created range excludes", Filter{CreatedFrom: now.Add(time.Minute)}, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.f.Match(in); got != c.want {
				t.Errorf("Match() = %v, want %v", got, c.want)
			}
		})
	}
}
