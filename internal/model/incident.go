package model

import "time"

// State is a lifecycle state from spec.md §3.3.
type State string

const (
	StateDetected      State = "detected"
	StateTriaged       State = "triaged"
	StateInvestigating State = "investigating"
	StateRemediating   State = "remediating"
	StateResolved      State = "resolved"
	StateClosed        State = "closed"
	StateReopened      State = "reopened"
)

// transitions is the allowed-edge graph of spec.md §3.3. StateReopened is a
// transient pseudo-state: AllowedEdge only checks this map, and the store's
// ApplyTransition folds the Reopened → Investigating edge into the same
// write, per "Reopened → Investigating (immediate, automatic)".
var transitions = map[State]map[State]bool{
	StateDetected: {
		StateTriaged:       true,
		StateInvestigating: true,
		StateResolved:      true, // auto-timeout only, enforced by caller
	},
	StateTriaged: {
		StateInvestigating: true,
		StateRemediating:   true,
		StateResolved:      true,
	},
	StateInvestigating: {
		StateRemediating: true,
		StateResolved:    true,
	},
	StateRemediating: {
		StateResolved:      true,
		StateInvestigating: true, // regression
	},
	StateResolved: {
		StateClosed:   true,
		StateReopened: true,
	},
	StateClosed: {
		StateReopened: true,
	},
	StateReopened: {
		StateInvestigating: true,
	},
}

// AllowedEdge reports whether the lifecycle graph permits from → to.
func AllowedEdge(from, to State) bool {
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Terminal reports whether a state accepts no further alert-driven merges
// (used by the dedup engine, spec.md §4.2 step 3).
func (s State) Terminal() bool {
	return s == StateResolved || s == StateClosed
}

// ResolutionMethod records how an incident reached Resolved/Closed.
type ResolutionMethod string

const (
	ResolutionManual     ResolutionMethod = "manual"
	ResolutionAutomated  ResolutionMethod = "automated"
	ResolutionAutoTimeout ResolutionMethod = "auto_timeout"
)

// Resolution is the optional resolution block on a resolved/closed incident.
type Resolution struct {
	Method    ResolutionMethod `json:"method"`
	ResolvedBy string          `json:"resolvedBy"`
	RootCause string           `json:"rootCause,omitempty"`
	Notes     string           `json:"notes,omitempty"`
}

// EventKind enumerates IncidentEvent.Kind values (spec.md §3.1).
type EventKind string

const (
	EventCreated         EventKind = "created"
	EventStateChanged    EventKind = "state_changed"
	EventSeverityChanged EventKind = "severity_changed"
	EventAssigned        EventKind = "assigned"
	EventCommentAdded    EventKind = "comment_added"
	EventMerged          EventKind = "merged"
	EventEnriched        EventKind = "enriched"
	EventEscalated       EventKind = "escalated"
	EventResolved        EventKind = "resolved"
	EventClosed          EventKind = "closed"
	EventReopened        EventKind = "reopened"
)

// SystemActor is used for events the pipeline itself produces, as opposed to
// a human operator.
const SystemActor = "system"

// IncidentEvent is one append-only timeline entry.
type IncidentEvent struct {
	ID        string                 `json:"id"`
	Kind      EventKind              `json:"kind"`
	Actor     string                 `json:"actor"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Incident is the durable entity the Store owns.
type Incident struct {
	ID                string            `json:"id"`
	Title             string            `json:"title"`
	Description       string            `json:"description"`
	Severity          Severity          `json:"severity"`
	Type              IncidentType      `json:"type"`
	State             State             `json:"state"`
	Source            string            `json:"source"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
	ResolvedAt        *time.Time        `json:"resolvedAt,omitempty"`
	Assignee          string            `json:"assignee,omitempty"`
	AffectedResources []string          `json:"affectedResources"`
	Labels            map[string]string `json:"labels,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Fingerprint       string            `json:"fingerprint"`
	MergeCount        int               `json:"mergeCount"`
	Timeline          []IncidentEvent   `json:"timeline"`
	Resolution        *Resolution       `json:"resolution,omitempty"`
	CorrelationGroupID string           `json:"correlationGroupId,omitempty"`

	// EnrichedContext and MLPrediction are snapshots written back by the
	// enrichment pipeline and ML service respectively.
	EnrichedContext *EnrichedContext `json:"enrichedContext,omitempty"`
	MLPrediction    *MLPrediction    `json:"mlPrediction,omitempty"`
}

// Clone returns a deep copy so callers can mutate without racing the store's
// own copy, mirroring the teacher's Alert.Clone discipline.
func (in *Incident) Clone() *Incident {
	if in == nil {
		return nil
	}
	clone := *in
	clone.AffectedResources = append([]string(nil), in.AffectedResources...)
	clone.Labels = cloneStringMap(in.Labels)
	clone.Metadata = cloneStringMap(in.Metadata)
	clone.Timeline = append([]IncidentEvent(nil), in.Timeline...)
	if in.ResolvedAt != nil {
		t := *in.ResolvedAt
		clone.ResolvedAt = &t
	}
	if in.Resolution != nil {
		r := *in.Resolution
		clone.Resolution = &r
	}
	if in.EnrichedContext != nil {
		ec := *in.EnrichedContext
		clone.EnrichedContext = &ec
	}
	if in.MLPrediction != nil {
		mp := *in.MLPrediction
		clone.MLPrediction = &mp
	}
	return &clone
}

func cloneStringMap(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// MLPrediction is the snapshot the ML classification service attaches.
type MLPrediction struct {
	PredictedSeverity Severity           `json:"predictedSeverity,omitempty"`
	PredictedType     IncidentType       `json:"predictedType,omitempty"`
	Confidence        float64            `json:"confidence"`
	Distribution      map[string]float64 `json:"distribution,omitempty"`
	ModelVersion      string             `json:"modelVersion,omitempty"`
	PredictedAt       time.Time          `json:"predictedAt"`
}
