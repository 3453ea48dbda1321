package correlation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/sentineld/internal/model"
	"github.com/rcourtman/sentineld/internal/store"
)

// EngineConfig configures the Engine's behavior (spec.md §6.4 correlation.*).
type EngineConfig struct {
	Strategy             Config
	AutoMerge            bool
	MergeThreshold        float64
	MaintenanceInterval  time.Duration
	GroupStaleAfter      time.Duration // Active -> Resolved cutoff (default 1h)
	GroupRetention       time.Duration // Resolved group deletion cutoff (default 7d)
	MaxGroupSize         int           // spec.md §3.2 invariant; 0 disables the cap
}

// Engine groups related incidents into CorrelationGroups, following the
// analysis flow of spec.md §4.3. Group state is tracked in-process, guarded
// by a single mutex in the same style as the teacher's correlation Detector
// guards its events/correlations maps.
type Engine struct {
	mu         sync.RWMutex
	groups     map[string]*model.CorrelationGroup
	incidentGr map[string]string // incident id -> group id

	store      store.Store
	strategies []Strategy
	cfg        EngineConfig

	// memberScore records, per group, the correlation score each non-primary
	// member joined with. It drives the largest-wins split of spec.md §3.2
	// ("violating merges split off the lowest-scoring members") and is pure
	// engine bookkeeping, not part of the persisted CorrelationGroup shape.
	memberScore map[string]map[string]float64

	stop chan struct{}
}

// New constructs an Engine over store s with the given strategies (use
// DefaultStrategies() unless tests need a subset).
func New(s store.Store, strategies []Strategy, cfg EngineConfig) *Engine {
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = 60 * time.Second
	}
	if cfg.GroupStaleAfter <= 0 {
		cfg.GroupStaleAfter = time.Hour
	}
	if cfg.GroupRetention <= 0 {
		cfg.GroupRetention = 7 * 24 * time.Hour
	}
	return &Engine{
		groups:      make(map[string]*model.CorrelationGroup),
		incidentGr:  make(map[string]string),
		memberScore: make(map[string]map[string]float64),
		store:       s,
		strategies:  strategies,
		cfg:         cfg,
		stop:        make(chan struct{}),
	}
}

// Run starts the periodic background maintenance sweep described in
// spec.md §4.3 "Background maintenance". It blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			e.maintain(ctx)
		}
	}
}

// Stop halts Run without requiring a caller-owned context.
func (e *Engine) Stop() {
	close(e.stop)
}

// Analyze runs the analysis flow of spec.md §4.3 for a new or mutated
// incident and returns the group it now belongs to.
func (e *Engine) Analyze(ctx context.Context, incident *model.Incident) (*model.CorrelationGroup, error) {
	candidates, err := e.candidates(ctx, incident)
	if err != nil {
		return nil, err
	}

	correlations := e.scoreAll(incident, candidates)
	if len(correlations) == 0 {
		return e.createGroup(incident), nil
	}

	referenced := e.referencedGroups(correlations)
	switch len(referenced) {
	case 0:
		return e.createGroup(incident), nil
	case 1:
		var g *model.CorrelationGroup
		for _, v := range referenced {
			g = v
		}
		return e.attach(g, incident, correlations), nil
	default:
		return e.resolveMultiple(referenced, incident, correlations), nil
	}
}

func (e *Engine) candidates(ctx context.Context, incident *model.Incident) ([]*model.Incident, error) {
	window := e.cfg.Strategy.TemporalWindow
	if window <= 0 {
		window = 30 * time.Minute
	}
	filter := model.Filter{
		CreatedFrom: incident.CreatedAt.Add(-window),
		CreatedTo:   incident.CreatedAt.Add(window),
	}
	all, err := e.store.List(ctx, filter, 0, 0)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, c := range all {
		if c.ID != incident.ID {
			out = append(out, c)
		}
	}
	return out, nil
}

// scoreAll runs each strategy against each candidate and keeps, per pair,
// only the highest-scoring correlation at or above MinScore — spec.md
// §4.3 "Tie-breaks".
func (e *Engine) scoreAll(incident *model.Incident, candidates []*model.Incident) []*model.Correlation {
	best := make(map[string]*model.Correlation, len(candidates))
	minScore := e.cfg.Strategy.MinScore
	if minScore <= 0 {
		minScore = 0.5
	}

	for _, c := range candidates {
		for _, strat := range e.strategies {
			score, reason, ok := func() (s float64, r string, ok bool) {
				defer func() {
					if rec := recover(); rec != nil {
						log.Warn().Interface("panic", rec).Str("strategy", string(strat.Type())).
							Msg("correlation strategy panicked, skipping")
						ok = false
					}
				}()
				return strat.Score(incident, c, e.cfg.Strategy)
			}()
			if !ok || score < minScore {
				continue
			}
			existing, has := best[c.ID]
			if !has || score > existing.Score ||
				(score == existing.Score && strat.Type().PreferredOver(existing.Type)) {
				best[c.ID] = &model.Correlation{
					ID:         ulid.Make().String(),
					IncidentA:  incident.ID,
					IncidentB:  c.ID,
					Score:      score,
					Type:       strat.Type(),
					DetectedAt: incident.CreatedAt,
					Reason:     reason,
				}
			}
		}
	}

	out := make([]*model.Correlation, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	return out
}

func (e *Engine) referencedGroups(correlations []*model.Correlation) map[string]*model.CorrelationGroup {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string]*model.CorrelationGroup)
	for _, c := range correlations {
		if gid, ok := e.incidentGr[c.IncidentB]; ok {
			if g, ok := e.groups[gid]; ok {
				out[gid] = g
			}
		}
	}
	return out
}

func (e *Engine) createGroup(incident *model.Incident) *model.CorrelationGroup {
	e.mu.Lock()
	defer e.mu.Unlock()

	g := &model.CorrelationGroup{
		ID:              ulid.Make().String(),
		Title:           incident.Title,
		PrimaryIncident: incident.ID,
		Status:          model.GroupActive,
		CreatedAt:       incident.CreatedAt,
		UpdatedAt:       incident.CreatedAt,
		AggregateScore:  1.0,
	}
	e.groups[g.ID] = g
	e.incidentGr[incident.ID] = g.ID
	e.memberScore[g.ID] = map[string]float64{}
	return g
}

// joinScore returns the best correlation score connecting the newly-analyzed
// incident to any current member of group g, used as its group-join score
// for split purposes. Every correlation in the batch has IncidentA equal to
// the incident being analyzed (see scoreAll), so only IncidentB varies.
func joinScore(correlations []*model.Correlation, g *model.CorrelationGroup) float64 {
	members := make(map[string]struct{}, g.Size())
	for _, m := range g.Members() {
		members[m] = struct{}{}
	}
	best := 0.0
	for _, c := range correlations {
		if _, ok := members[c.IncidentB]; ok && c.Score > best {
			best = c.Score
		}
	}
	return best
}

// enforceMaxGroupSizeLocked implements spec.md §3.2: "CorrelationGroup size
// never exceeds configured max_group_size; violating merges split off the
// lowest-scoring members." Evicted members each become the primary of their
// own new singleton group. Caller must hold e.mu.
func (e *Engine) enforceMaxGroupSizeLocked(g *model.CorrelationGroup, at time.Time) {
	max := e.cfg.MaxGroupSize
	if max <= 0 || g.Size() <= max {
		return
	}
	scores := e.memberScore[g.ID]
	related := append([]string(nil), g.RelatedIncidents...)
	sort.Slice(related, func(i, j int) bool {
		return scores[related[i]] < scores[related[j]]
	})

	overflow := g.Size() - max
	evicted := related[:overflow]
	kept := related[overflow:]
	g.RelatedIncidents = kept

	for _, id := range evicted {
		delete(scores, id)
		ng := &model.CorrelationGroup{
			ID:              ulid.Make().String(),
			Title:           g.Title,
			PrimaryIncident: id,
			Status:          model.GroupActive,
			CreatedAt:       at,
			UpdatedAt:       at,
			AggregateScore:  1.0,
		}
		e.groups[ng.ID] = ng
		e.incidentGr[id] = ng.ID
		e.memberScore[ng.ID] = map[string]float64{}
	}
	g.UpdatedAt = at
}

func (e *Engine) attach(g *model.CorrelationGroup, incident *model.Incident, correlations []*model.Correlation) *model.CorrelationGroup {
	e.mu.Lock()
	defer e.mu.Unlock()

	g.RelatedIncidents = append(g.RelatedIncidents, incident.ID)
	e.incidentGr[incident.ID] = g.ID
	g.UpdatedAt = incident.CreatedAt
	g.AggregateScore = recomputeAggregate(g.AggregateScore, g.Size()-1, correlations)
	if e.memberScore[g.ID] == nil {
		e.memberScore[g.ID] = map[string]float64{}
	}
	e.memberScore[g.ID][incident.ID] = joinScore(correlations, g)
	e.enforceMaxGroupSizeLocked(g, incident.CreatedAt)
	return g
}

// resolveMultiple implements spec.md §4.3 step 4's "more than one" branch:
// merge into the largest group when auto_merge and the pairwise aggregate
// clears merge_threshold; otherwise attach to the highest-aggregate group.
func (e *Engine) resolveMultiple(referenced map[string]*model.CorrelationGroup, incident *model.Incident, correlations []*model.Correlation) *model.CorrelationGroup {
	e.mu.Lock()
	defer e.mu.Unlock()

	ordered := make([]*model.CorrelationGroup, 0, len(referenced))
	for _, g := range referenced {
		ordered = append(ordered, g)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Size() != ordered[j].Size() {
			return ordered[i].Size() > ordered[j].Size()
		}
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	pairwiseAvg := averageScore(correlations)
	winner := ordered[0]

	if e.cfg.AutoMerge && pairwiseAvg >= e.cfg.MergeThreshold {
		for _, loser := range ordered[1:] {
			e.mergeGroupsLocked(winner, loser, incident.CreatedAt)
		}
	} else {
		// Attach-only: prefer the highest current aggregate score.
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].AggregateScore > ordered[j].AggregateScore })
		winner = ordered[0]
	}

	winner.RelatedIncidents = append(winner.RelatedIncidents, incident.ID)
	e.incidentGr[incident.ID] = winner.ID
	winner.UpdatedAt = incident.CreatedAt
	winner.AggregateScore = recomputeAggregate(winner.AggregateScore, winner.Size()-1, correlations)
	if e.memberScore[winner.ID] == nil {
		e.memberScore[winner.ID] = map[string]float64{}
	}
	e.memberScore[winner.ID][incident.ID] = joinScore(correlations, winner)
	e.enforceMaxGroupSizeLocked(winner, incident.CreatedAt)
	return winner
}

// mergeGroupsLocked folds loser's members into winner and deletes loser.
// Synthetic Combined correlations to the new primary are implied rather
// than persisted as standalone objects, since this engine keeps only group
// membership, not a permanent correlation log.
func (e *Engine) mergeGroupsLocked(winner, loser *model.CorrelationGroup, at time.Time) {
	if e.memberScore[winner.ID] == nil {
		e.memberScore[winner.ID] = map[string]float64{}
	}
	for _, id := range loser.Members() {
		if id == winner.PrimaryIncident {
			continue
		}
		already := false
		for _, r := range winner.RelatedIncidents {
			if r == id {
				already = true
				break
			}
		}
		if !already {
			winner.RelatedIncidents = append(winner.RelatedIncidents, id)
		}
		e.incidentGr[id] = winner.ID
		// Transplanted members connect to the new primary with the source
		// group's prior aggregate score (spec.md §4.3 "Merge semantics").
		e.memberScore[winner.ID][id] = loser.AggregateScore
	}
	winner.UpdatedAt = at
	delete(e.groups, loser.ID)
	delete(e.memberScore, loser.ID)
	e.enforceMaxGroupSizeLocked(winner, at)
}

func recomputeAggregate(prevAvg float64, prevCount int, correlations []*model.Correlation) float64 {
	if len(correlations) == 0 {
		return prevAvg
	}
	sum := prevAvg * float64(prevCount)
	for _, c := range correlations {
		sum += c.Score
	}
	return sum / float64(prevCount+len(correlations))
}

func averageScore(correlations []*model.Correlation) float64 {
	if len(correlations) == 0 {
		return 0
	}
	var sum float64
	for _, c := range correlations {
		sum += c.Score
	}
	return sum / float64(len(correlations))
}

// maintain implements spec.md §4.3 "Background maintenance".
func (e *Engine) maintain(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	for id, g := range e.groups {
		if g.Status == model.GroupActive && now.Sub(g.UpdatedAt) > e.cfg.GroupStaleAfter {
			if e.allMembersResolvedLocked(ctx, g) {
				g.Status = model.GroupResolved
				g.UpdatedAt = now
			}
		}
		if g.Status == model.GroupResolved && now.Sub(g.UpdatedAt) > e.cfg.GroupRetention {
			for _, m := range g.Members() {
				delete(e.incidentGr, m)
			}
			delete(e.groups, id)
			delete(e.memberScore, id)
		}
	}
}

func (e *Engine) allMembersResolvedLocked(ctx context.Context, g *model.CorrelationGroup) bool {
	for _, id := range g.Members() {
		in, ok, err := e.store.Get(ctx, id)
		if err != nil || !ok {
			continue
		}
		if !in.State.Terminal() {
			return false
		}
	}
	return true
}

// GroupFor returns the group an incident currently belongs to, if any.
func (e *Engine) GroupFor(incidentID string) (*model.CorrelationGroup, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	gid, ok := e.incidentGr[incidentID]
	if !ok {
		return nil, false
	}
	g, ok := e.groups[gid]
	return g, ok
}
