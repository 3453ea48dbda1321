package model

import "time"

// CorrelationType identifies which strategy produced a Correlation.
type CorrelationType string

const (
	CorrelationTemporal    CorrelationType = "temporal"
	CorrelationPattern     CorrelationType = "pattern"
	CorrelationSource      CorrelationType = "source"
	CorrelationFingerprint CorrelationType = "fingerprint"
	CorrelationTopology    CorrelationType = "topology"
	CorrelationCombined    CorrelationType = "combined"
)

// typeRank breaks score ties per spec.md §4.3 "Tie-breaks": Combined >
// Fingerprint > Source > Pattern > Temporal > Topology.
var typeRank = map[CorrelationType]int{
	CorrelationCombined:    0,
	CorrelationFingerprint: 1,
	CorrelationSource:      2,
	CorrelationPattern:     3,
	CorrelationTemporal:    4,
	CorrelationTopology:    5,
}

// PreferredOver reports whether a Correlation of type t should win over one
// of type other when both score the same incident pair.
func (t CorrelationType) PreferredOver(other CorrelationType) bool {
	return typeRank[t] < typeRank[other]
}

// Correlation is a scored relationship between two incidents.
type Correlation struct {
	ID          string          `json:"id"`
	IncidentA   string          `json:"incidentA"`
	IncidentB   string          `json:"incidentB"`
	Score       float64         `json:"score"`
	Type        CorrelationType `json:"type"`
	DetectedAt  time.Time       `json:"detectedAt"`
	Reason      string          `json:"reason"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// GroupStatus is the lifecycle of a CorrelationGroup.
type GroupStatus string

const (
	GroupActive    GroupStatus = "active"
	GroupResolved  GroupStatus = "resolved"
	GroupDismissed GroupStatus = "dismissed"
)

// CorrelationGroup is a set of incidents judged related.
type CorrelationGroup struct {
	ID               string            `json:"id"`
	Title            string            `json:"title"`
	PrimaryIncident  string            `json:"primaryIncident"`
	RelatedIncidents []string          `json:"relatedIncidents"`
	Status           GroupStatus       `json:"status"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
	AggregateScore   float64           `json:"aggregateScore"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Members returns primary + related, the full membership of the group.
func (g *CorrelationGroup) Members() []string {
	out := make([]string, 0, len(g.RelatedIncidents)+1)
	out = append(out, g.PrimaryIncident)
	out = append(out, g.RelatedIncidents...)
	return out
}

// Size returns the member count.
func (g *CorrelationGroup) Size() int {
	return len(g.RelatedIncidents) + 1
}
