package model

import "time"

// Filter narrows a Store.List/Count query (spec.md §4.1).
type Filter struct {
	Severities  []Severity
	States      []State
	Sources     []string
	Assignee    string
	Label       [2]string // [key, value]; zero value means "no label filter"
	Fingerprint string
	CreatedFrom time.Time
	CreatedTo   time.Time
}

// Match reports whether incident in satisfies the filter.
func (f Filter) Match(in *Incident) bool {
	if len(f.Severities) > 0 && !containsSeverity(f.Severities, in.Severity) {
		return false
	}
	if len(f.States) > 0 && !containsState(f.States, in.State) {
		return false
	}
	if len(f.Sources) > 0 && !containsString(f.Sources, in.Source) {
		return false
	}
	if f.Assignee != "" && in.Assignee != f.Assignee {
		return false
	}
	if f.Label[0] != "" {
		if in.Labels == nil || in.Labels[f.Label[0]] != f.Label[1] {
			return false
		}
	}
	if f.Fingerprint != "" && in.Fingerprint != f.Fingerprint {
		return false
	}
	if !f.CreatedFrom.IsZero() && in.CreatedAt.Before(f.CreatedFrom) {
		return false
	}
	if !f.CreatedTo.IsZero() && in.CreatedAt.After(f.CreatedTo) {
		return false
	}
	return true
}

func containsSeverity(list []Severity, v Severity) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsState(list []State, v State) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
