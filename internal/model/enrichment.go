package model

import "time"

// HistoricalContext summarizes similar past incidents.
type HistoricalContext struct {
	SimilarIncidents   []string  `json:"similarIncidents"`
	SimilarityScores   []float64 `json:"similarityScores"`
	SuggestedSolutions []string  `json:"suggestedSolutions,omitempty"`
}

// ServiceContext describes the owning service of the affected resources.
type ServiceContext struct {
	ServiceName  string   `json:"serviceName"`
	Owner        string   `json:"owner"`
	OnCallTeam   string   `json:"onCallTeam"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// TeamContext describes the responsible team.
type TeamContext struct {
	TeamName string   `json:"teamName"`
	Channel  string   `json:"channel,omitempty"`
	Members  []string `json:"members,omitempty"`
}

// MetricsContext holds external metric snapshots; left empty unless an
// accessor is injected (spec.md §1 treats metrics backends as external).
type MetricsContext struct {
	Snapshots map[string]float64 `json:"snapshots,omitempty"`
}

// LogContext holds external log excerpts; same external-accessor caveat as
// MetricsContext.
type LogContext struct {
	Excerpts []string `json:"excerpts,omitempty"`
}

// EnrichedContext is the per-incident enrichment snapshot of spec.md §3.1.
type EnrichedContext struct {
	Historical         *HistoricalContext `json:"historical,omitempty"`
	Service            *ServiceContext    `json:"service,omitempty"`
	Team               *TeamContext       `json:"team,omitempty"`
	Metrics            *MetricsContext    `json:"metrics,omitempty"`
	Logs               *LogContext        `json:"logs,omitempty"`
	Metadata           map[string]string  `json:"metadata,omitempty"`
	SuccessfulEnrichers []string          `json:"successfulEnrichers,omitempty"`
	FailedEnrichers     []string          `json:"failedEnrichers,omitempty"`
	DurationMillis      int64             `json:"durationMillis"`
	EnrichedAt          time.Time         `json:"enrichedAt"`
}
