// Package escalation drives time-based escalation across policy levels,
// per spec.md §4.5.
package escalation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/sentineld/internal/model"
	"github.com/rcourtman/sentineld/internal/sentinelerr"
)

// Notifier is the dispatch capability the escalation engine needs; the
// notifications package supplies the real implementation. Kept as a small
// interface here so this package never imports notifications.
type Notifier interface {
	NotifyEscalation(ctx context.Context, incident *model.Incident, level model.EscalationLevel) error
}

// IncidentSource resolves an incident by ID for timer callbacks that only
// carry an ID.
type IncidentSource interface {
	Get(ctx context.Context, id string) (*model.Incident, bool, error)
}

type runningFlow struct {
	flow  *model.EscalationFlow
	timer *time.Timer
}

// Engine tracks EscalationFlows and fires timers for level advancement.
// Mirrors the teacher's map-of-mutable-state-plus-mutex Manager idiom.
type Engine struct {
	mu       sync.Mutex
	policies []model.EscalationPolicy
	flows    map[string]*runningFlow // incident id -> flow

	notifier Notifier
	incidents IncidentSource
}

// New constructs an Engine.
func New(notifier Notifier, incidents IncidentSource) *Engine {
	return &Engine{
		flows:     make(map[string]*runningFlow),
		notifier:  notifier,
		incidents: incidents,
	}
}

// RegisterPolicy validates level ordering (spec.md §4.5 "register_policy")
// and adds the policy to the match list, most-recently-registered first so
// more specific overrides can be registered after broad defaults.
func (e *Engine) RegisterPolicy(policy model.EscalationPolicy) error {
	if len(policy.Levels) == 0 {
		return sentinelerr.New(sentinelerr.InvalidInput, "policy must have at least one level")
	}
	for i, lvl := range policy.Levels {
		if lvl.Level != i {
			return sentinelerr.New(sentinelerr.InvalidInput,
				fmt.Sprintf("policy %q: levels must be strictly increasing from 0, got %d at index %d", policy.Name, lvl.Level, i))
		}
		if lvl.EscalateAfterSecs < 0 {
			return sentinelerr.New(sentinelerr.InvalidInput,
				fmt.Sprintf("policy %q level %d: escalate_after_secs must be non-negative", policy.Name, i))
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies = append([]model.EscalationPolicy{policy}, e.policies...)
	return nil
}

// StartFlow selects the first matching policy and starts an EscalationFlow
// at level 0, per spec.md §4.5 "start_flow". Returns nil, nil if no policy
// matches.
func (e *Engine) StartFlow(ctx context.Context, incident *model.Incident) (*model.EscalationFlow, error) {
	e.mu.Lock()
	var matched *model.EscalationPolicy
	for i := range e.policies {
		if e.policies[i].Match.Matches(incident) {
			matched = &e.policies[i]
			break
		}
	}
	e.mu.Unlock()

	if matched == nil {
		return nil, nil
	}

	now := time.Now()
	flow := &model.EscalationFlow{
		IncidentID:     incident.ID,
		PolicyName:     matched.Name,
		CurrentLevel:   0,
		LevelEnteredAt: now,
		Status:         model.FlowActive,
	}

	e.notifyLevel(ctx, incident, matched.Levels[0], flow)
	e.arm(incident.ID, flow, matched)
	return flow, nil
}

func (e *Engine) arm(incidentID string, flow *model.EscalationFlow, policy *model.EscalationPolicy) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.flows[incidentID]; ok && existing.timer != nil {
		existing.timer.Stop()
	}

	level := policy.Levels[flow.CurrentLevel]
	var timer *time.Timer
	if level.EscalateAfterSecs > 0 {
		capturedLevel, capturedAt := flow.CurrentLevel, flow.LevelEnteredAt
		timer = time.AfterFunc(time.Duration(level.EscalateAfterSecs)*time.Second, func() {
			e.fireTimer(context.Background(), incidentID, policy, capturedLevel, capturedAt)
		})
	}
	e.flows[incidentID] = &runningFlow{flow: flow, timer: timer}
}

// fireTimer implements spec.md §4.5 "on_timer_fire": idempotent against
// re-fires by requiring the stored level and level_entered_at to match the
// firing context exactly.
func (e *Engine) fireTimer(ctx context.Context, incidentID string, policy *model.EscalationPolicy, firedLevel int, firedAt time.Time) {
	e.mu.Lock()
	rf, ok := e.flows[incidentID]
	if !ok || rf.flow.Status != model.FlowActive ||
		rf.flow.CurrentLevel != firedLevel || !rf.flow.LevelEnteredAt.Equal(firedAt) {
		e.mu.Unlock()
		return
	}
	nextLevel := firedLevel + 1
	if nextLevel >= len(policy.Levels) {
		rf.flow.Status = model.FlowExhausted
		e.mu.Unlock()
		log.Info().Str("incident", incidentID).Str("policy", policy.Name).Msg("escalation exhausted")
		return
	}
	rf.flow.CurrentLevel = nextLevel
	rf.flow.LevelEnteredAt = time.Now()
	flow := rf.flow
	e.mu.Unlock()

	incident, ok, err := e.incidents.Get(ctx, incidentID)
	if err != nil || !ok {
		log.Warn().Err(err).Str("incident", incidentID).Msg("escalation could not resolve incident, skipping notify")
		return
	}

	e.notifyLevel(ctx, incident, policy.Levels[nextLevel], flow)
	e.arm(incidentID, flow, policy)
}

func (e *Engine) notifyLevel(ctx context.Context, incident *model.Incident, level model.EscalationLevel, flow *model.EscalationFlow) {
	err := e.notifier.NotifyEscalation(ctx, incident, level)
	rec := model.NotificationRecord{Level: level.Level, Channel: joinChannels(level.Channels), SentAt: time.Now()}
	if err != nil {
		rec.Error = err.Error()
		log.Warn().Err(err).Str("incident", incident.ID).Int("level", level.Level).
			Msg("escalation notify failed, continuing to subsequent levels/channels")
	}
	flow.NotifyHistory = append(flow.NotifyHistory, rec)
}

// Acknowledge pauses the flow (spec.md §4.5 "acknowledge"). A paused flow
// only reactivates via a subsequent Reopen.
func (e *Engine) Acknowledge(incidentID, actor string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rf, ok := e.flows[incidentID]
	if !ok {
		return sentinelerr.New(sentinelerr.NotFound, "no escalation flow for incident: "+incidentID)
	}
	if rf.timer != nil {
		rf.timer.Stop()
	}
	rf.flow.Status = model.FlowPaused
	return nil
}

// Reopen reactivates a paused flow by re-arming its timer at the current
// level.
func (e *Engine) Reopen(incident *model.Incident) {
	e.mu.Lock()
	rf, ok := e.flows[incident.ID]
	var policy *model.EscalationPolicy
	if ok {
		for i := range e.policies {
			if e.policies[i].Name == rf.flow.PolicyName {
				policy = &e.policies[i]
				break
			}
		}
	}
	e.mu.Unlock()
	if !ok || policy == nil || rf.flow.Status != model.FlowPaused {
		return
	}
	rf.flow.Status = model.FlowActive
	rf.flow.LevelEnteredAt = time.Now()
	e.arm(incident.ID, rf.flow, policy)
}

// Resolve marks the flow Resolved and cancels its pending timer (spec.md
// §4.5 "resolve").
func (e *Engine) Resolve(incidentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rf, ok := e.flows[incidentID]
	if !ok {
		return sentinelerr.New(sentinelerr.NotFound, "no escalation flow for incident: "+incidentID)
	}
	if rf.timer != nil {
		rf.timer.Stop()
	}
	rf.flow.Status = model.FlowResolved
	return nil
}

// FlowFor returns the current flow state for an incident, if any.
func (e *Engine) FlowFor(incidentID string) (*model.EscalationFlow, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rf, ok := e.flows[incidentID]
	if !ok {
		return nil, false
	}
	return rf.flow, true
}

func joinChannels(channels []string) string {
	if len(channels) == 0 {
		return ""
	}
	out := channels[0]
	for _, c := range channels[1:] {
		out += "," + c
	}
	return out
}
