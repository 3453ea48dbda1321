// Package model defines the entities of spec.md §3: the transient Alert an
// adapter hands to the processor, and the persistent Incident graph the
// store owns.
package model

import "time"

// Severity is the incident priority scale, highest urgency first.
type Severity string

const (
	SeverityP0 Severity = "P0"
	SeverityP1 Severity = "P1"
	SeverityP2 Severity = "P2"
	SeverityP3 Severity = "P3"
	SeverityP4 Severity = "P4"
)

// severityRank orders severities for comparisons (lower rank = more urgent).
var severityRank = map[Severity]int{
	SeverityP0: 0,
	SeverityP1: 1,
	SeverityP2: 2,
	SeverityP3: 3,
	SeverityP4: 4,
}

// MoreUrgent reports whether s is a higher-priority severity than other. An
// unrecognized severity ranks least urgent, not most — callers validate
// severities at ingress via Valid, but MoreUrgent itself never lets a
// malformed value masquerade as P0.
func (s Severity) MoreUrgent(other Severity) bool {
	sRank, sOK := severityRank[s]
	if !sOK {
		return false
	}
	oRank, oOK := severityRank[other]
	if !oOK {
		return true
	}
	return sRank < oRank
}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// IncidentType categorizes what kind of situation the incident describes.
type IncidentType string

const (
	TypeAvailability   IncidentType = "availability"
	TypePerformance    IncidentType = "performance"
	TypeSecurity       IncidentType = "security"
	TypeDataIntegrity  IncidentType = "data_integrity"
	TypeCapacity       IncidentType = "capacity"
	TypeConfiguration  IncidentType = "configuration"
	TypeDependency     IncidentType = "dependency"
	TypeOther          IncidentType = "other"
)

// Alert is the transient observation ingested from a monitoring source.
type Alert struct {
	ExternalID       string            `json:"externalId"`
	Source           string            `json:"source"`
	Title            string            `json:"title"`
	Description      string            `json:"description"`
	Severity         Severity          `json:"severity"`
	Type             IncidentType      `json:"type"`
	AffectedServices []string          `json:"affectedServices"`
	Labels           map[string]string `json:"labels,omitempty"`
	Annotations      map[string]string `json:"annotations,omitempty"`
	ReceivedAt       time.Time         `json:"receivedAt"`
	RunbookURL       string            `json:"runbookUrl,omitempty"`
	Fingerprint      string            `json:"fingerprint,omitempty"`
}
