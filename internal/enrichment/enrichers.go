package enrichment

import (
	"context"
	"sort"
	"strings"

	"github.com/rcourtman/sentineld/internal/model"
	"github.com/rcourtman/sentineld/internal/store"
)

// HistoricalSimilarity is the default enricher named in spec.md §4.4: it
// scores past incidents by a weighted Jaccard blend and attaches the
// top-k above similarity_threshold along with their resolution snippets.
type HistoricalSimilarity struct {
	Store store.Store
}

func (HistoricalSimilarity) Name() string        { return "historical_similarity" }
func (HistoricalSimilarity) Enabled(Config) bool { return true }
func (HistoricalSimilarity) Priority() int        { return 10 }

func (h HistoricalSimilarity) Enrich(ctx context.Context, incident *model.Incident, scratch *model.EnrichedContext, cfg Config) error {
	threshold := cfg.SimilarityThreshold
	if threshold <= 0 {
		threshold = 0.5
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = 5
	}

	resolved, err := h.Store.List(ctx, model.Filter{States: []model.State{model.StateResolved, model.StateClosed}}, 0, 200)
	if err != nil {
		return err
	}

	type scored struct {
		in    *model.Incident
		score float64
	}
	var candidates []scored
	titleTokens := tokenize(incident.Title)
	descTokens := tokenize(incident.Description)

	for _, c := range resolved {
		if c.ID == incident.ID {
			continue
		}
		score := 0.4*jaccard(titleTokens, tokenize(c.Title)) + 0.3*jaccard(descTokens, tokenize(c.Description))
		if c.Source == incident.Source {
			score += 0.15
		}
		if c.Type == incident.Type {
			score += 0.15
		}
		if score >= threshold {
			candidates = append(candidates, scored{in: c, score: score})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	hist := &model.HistoricalContext{}
	for _, s := range candidates {
		hist.SimilarIncidents = append(hist.SimilarIncidents, s.in.ID)
		hist.SimilarityScores = append(hist.SimilarityScores, s.score)
		if s.in.Resolution != nil && s.in.Resolution.RootCause != "" {
			hist.SuggestedSolutions = append(hist.SuggestedSolutions, s.in.Resolution.RootCause)
		}
	}
	scratch.Historical = hist
	return nil
}

func tokenize(s string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(s))
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		out[f] = struct{}{}
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// ServiceDirectory resolves ownership metadata for affected services. It
// is an injected interface so the real lookup (a CMDB, a static map, a
// service-catalog API) stays outside this package.
type ServiceDirectory interface {
	Lookup(service string) (owner, onCallTeam string, dependencies []string, ok bool)
}

// ServiceEnricher attaches ServiceContext for the incident's first
// affected resource.
type ServiceEnricher struct {
	Directory ServiceDirectory
}

func (ServiceEnricher) Name() string        { return "service_context" }
func (e ServiceEnricher) Enabled(Config) bool { return e.Directory != nil }
func (ServiceEnricher) Priority() int        { return 20 }

func (e ServiceEnricher) Enrich(_ context.Context, incident *model.Incident, scratch *model.EnrichedContext, _ Config) error {
	if len(incident.AffectedResources) == 0 {
		return nil
	}
	owner, team, deps, ok := e.Directory.Lookup(incident.AffectedResources[0])
	if !ok {
		return nil
	}
	scratch.Service = &model.ServiceContext{
		ServiceName:  incident.AffectedResources[0],
		Owner:        owner,
		OnCallTeam:   team,
		Dependencies: deps,
	}
	return nil
}

// TeamDirectory resolves team rosters for an on-call team name.
type TeamDirectory interface {
	Lookup(team string) (channel string, members []string, ok bool)
}

// TeamEnricher attaches TeamContext using the team resolved by
// ServiceEnricher earlier in the shared (sequential) context, or by
// looking the incident's labels up directly when run in parallel.
type TeamEnricher struct {
	Directory TeamDirectory
}

func (TeamEnricher) Name() string        { return "team_context" }
func (e TeamEnricher) Enabled(Config) bool { return e.Directory != nil }
func (TeamEnricher) Priority() int        { return 30 }

func (e TeamEnricher) Enrich(_ context.Context, incident *model.Incident, scratch *model.EnrichedContext, _ Config) error {
	team := incident.Labels["team"]
	if scratch.Service != nil && scratch.Service.OnCallTeam != "" {
		team = scratch.Service.OnCallTeam
	}
	if team == "" {
		return nil
	}
	channel, members, ok := e.Directory.Lookup(team)
	if !ok {
		return nil
	}
	scratch.Team = &model.TeamContext{TeamName: team, Channel: channel, Members: members}
	return nil
}

// MetricsAccessor is the injected external metrics backend (spec.md §1
// treats metrics/log backends as external systems accessed via adapters).
type MetricsAccessor interface {
	Snapshot(ctx context.Context, services []string) (map[string]float64, error)
}

// MetricsEnricher attaches a point-in-time metrics snapshot.
type MetricsEnricher struct {
	Accessor MetricsAccessor
}

func (MetricsEnricher) Name() string        { return "metrics_context" }
func (e MetricsEnricher) Enabled(Config) bool { return e.Accessor != nil }
func (MetricsEnricher) Priority() int        { return 40 }

func (e MetricsEnricher) Enrich(ctx context.Context, incident *model.Incident, scratch *model.EnrichedContext, _ Config) error {
	snap, err := e.Accessor.Snapshot(ctx, incident.AffectedResources)
	if err != nil {
		return err
	}
	scratch.Metrics = &model.MetricsContext{Snapshots: snap}
	return nil
}

// LogAccessor is the injected external log search backend.
type LogAccessor interface {
	Search(ctx context.Context, services []string, since string) ([]string, error)
}

// LogEnricher attaches recent log excerpts for the affected services.
type LogEnricher struct {
	Accessor LogAccessor
}

func (LogEnricher) Name() string        { return "log_context" }
func (e LogEnricher) Enabled(Config) bool { return e.Accessor != nil }
func (LogEnricher) Priority() int        { return 50 }

func (e LogEnricher) Enrich(ctx context.Context, incident *model.Incident, scratch *model.EnrichedContext, _ Config) error {
	excerpts, err := e.Accessor.Search(ctx, incident.AffectedResources, "15m")
	if err != nil {
		return err
	}
	scratch.Logs = &model.LogContext{Excerpts: excerpts}
	return nil
}
