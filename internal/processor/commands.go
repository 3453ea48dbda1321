package processor

import (
	"context"

	"github.com/rcourtman/sentineld/internal/model"
	"github.com/rcourtman/sentineld/internal/sentinelerr"
)

// Get returns an incident by id (spec.md §6.1 "get by id").
func (p *Processor) Get(ctx context.Context, id string) (*model.Incident, error) {
	incident, ok, err := p.svc.Store.Get(ctx, id)
	if err != nil {
		return nil, sentinelerr.Wrap(sentinelerr.StorageUnavailable, "get incident", err)
	}
	if !ok {
		return nil, sentinelerr.New(sentinelerr.NotFound, "incident not found: "+id)
	}
	return incident, nil
}

// List returns incidents matching filter (spec.md §6.1 "list/filter").
func (p *Processor) List(ctx context.Context, filter model.Filter, offset, limit int) ([]*model.Incident, error) {
	incidents, err := p.svc.Store.List(ctx, filter, offset, limit)
	if err != nil {
		return nil, sentinelerr.Wrap(sentinelerr.StorageUnavailable, "list incidents", err)
	}
	return incidents, nil
}

// Count returns the number of incidents matching filter.
func (p *Processor) Count(ctx context.Context, filter model.Filter) (uint64, error) {
	n, err := p.svc.Store.Count(ctx, filter)
	if err != nil {
		return 0, sentinelerr.Wrap(sentinelerr.StorageUnavailable, "count incidents", err)
	}
	return n, nil
}

// UpdateSeverity changes an incident's severity (spec.md §6.1 "update
// (severity, ...)"), appending a SeverityChanged event.
func (p *Processor) UpdateSeverity(ctx context.Context, id string, newSeverity model.Severity, actor string) (*model.Incident, error) {
	if !newSeverity.Valid() {
		return nil, sentinelerr.New(sentinelerr.InvalidInput, "unknown severity: "+string(newSeverity))
	}
	incident, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if incident.Severity == newSeverity {
		return incident, nil
	}
	if err := p.svc.Store.AppendEvent(ctx, id, model.IncidentEvent{
		Kind:  model.EventSeverityChanged,
		Actor: actor,
		Payload: map[string]interface{}{
			"from": string(incident.Severity),
			"to":   string(newSeverity),
		},
	}); err != nil {
		return nil, sentinelerr.Wrap(sentinelerr.StorageUnavailable, "append severity change", err)
	}
	p.refreshTimeline(ctx, incident)
	incident.Severity = newSeverity
	incident.UpdatedAt = nowFn()
	if _, err := p.svc.Store.Save(ctx, incident); err != nil {
		return nil, sentinelerr.Wrap(sentinelerr.StorageUnavailable, "save severity change", err)
	}
	p.publish(subscriptionUpdated, incident)
	return incident, nil
}

// UpdateAssignee changes an incident's assignee (spec.md §6.1 "update
// (..., assignee, ...)"), appending an Assigned event.
func (p *Processor) UpdateAssignee(ctx context.Context, id, assignee, actor string) (*model.Incident, error) {
	incident, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if incident.Assignee == assignee {
		return incident, nil
	}
	if err := p.svc.Store.AppendEvent(ctx, id, model.IncidentEvent{
		Kind:  model.EventAssigned,
		Actor: actor,
		Payload: map[string]interface{}{
			"from": incident.Assignee,
			"to":   assignee,
		},
	}); err != nil {
		return nil, sentinelerr.Wrap(sentinelerr.StorageUnavailable, "append assignment", err)
	}
	p.refreshTimeline(ctx, incident)
	incident.Assignee = assignee
	incident.UpdatedAt = nowFn()
	if _, err := p.svc.Store.Save(ctx, incident); err != nil {
		return nil, sentinelerr.Wrap(sentinelerr.StorageUnavailable, "save assignment", err)
	}
	p.publish(subscriptionAssigned, incident)
	return incident, nil
}

// AddComment appends a CommentAdded event without otherwise mutating the
// incident.
func (p *Processor) AddComment(ctx context.Context, id, actor, comment string) (*model.Incident, error) {
	if err := p.svc.Store.AppendEvent(ctx, id, model.IncidentEvent{
		Kind:    model.EventCommentAdded,
		Actor:   actor,
		Payload: map[string]interface{}{"comment": comment},
	}); err != nil {
		return nil, sentinelerr.Wrap(sentinelerr.StorageUnavailable, "append comment", err)
	}
	incident, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	p.publish(subscriptionComment, incident)
	return incident, nil
}

// Transition drives an incident through the lifecycle graph of spec.md
// §3.3 for edges with no side effects beyond the transition itself
// (Triaged, Investigating, Remediating, and a bare Close). Resolve and
// Reopen have their own methods because they carry extra side effects
// (the resolution block, and escalation flow restart).
func (p *Processor) Transition(ctx context.Context, id string, newState model.State, actor string) (*model.Incident, error) {
	incident, err := p.svc.Store.ApplyTransition(ctx, id, newState, actor)
	if err != nil {
		return nil, err
	}
	p.publish(subscriptionStateChanged, incident)
	if newState == model.StateClosed && p.svc.Escalation != nil {
		if err := p.svc.Escalation.Resolve(id); err != nil && !sentinelerr.OfKind(err, sentinelerr.NotFound) {
			return incident, err
		}
	}
	return incident, nil
}

// Acknowledge pauses any active escalation flow for the incident (spec.md
// §4.5 "acknowledge"). A missing flow is a no-op: there is nothing to
// pause, not an error condition for the caller.
func (p *Processor) Acknowledge(ctx context.Context, id, actor string) (*model.Incident, error) {
	if p.svc.Escalation != nil {
		if err := p.svc.Escalation.Acknowledge(id, actor); err != nil && !sentinelerr.OfKind(err, sentinelerr.NotFound) {
			return nil, err
		}
	}
	incident, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	p.publish(subscriptionUpdated, incident)
	return incident, nil
}

// Resolve transitions an incident into Resolved with the resolution block
// of spec.md §3.1, per spec.md §6.1 "resolve (with method ∈ {Manual,
// Automated, AutoTimeout}, resolved-by, notes, root cause)". AutoTimeout is
// only valid from Detected (spec.md §3.3: "auto-timeout only, enforced by
// caller").
func (p *Processor) Resolve(ctx context.Context, id string, resolution model.Resolution, actor string) (*model.Incident, error) {
	if resolution.Method == model.ResolutionAutoTimeout {
		current, err := p.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.State != model.StateDetected {
			return nil, sentinelerr.New(sentinelerr.InvalidStateTransition,
				"auto-timeout resolution only valid from Detected, incident is "+string(current.State))
		}
	}

	incident, err := p.svc.Store.ApplyTransition(ctx, id, model.StateResolved, actor)
	if err != nil {
		return nil, err
	}
	incident.Resolution = &resolution
	if _, err := p.svc.Store.Save(ctx, incident); err != nil {
		return nil, sentinelerr.Wrap(sentinelerr.StorageUnavailable, "save resolution", err)
	}

	if p.svc.Escalation != nil {
		if err := p.svc.Escalation.Resolve(id); err != nil && !sentinelerr.OfKind(err, sentinelerr.NotFound) {
			return incident, err
		}
	}
	if p.svc.ML != nil {
		p.svc.ML.RecordSample(ctx, incident)
	}
	p.publish(subscriptionResolved, incident)
	return incident, nil
}

// Reopen transitions a Resolved or Closed incident back through Reopened
// into Investigating (the immediate, automatic edge of spec.md §3.3),
// preserving the prior resolution block per spec.md §9's resolved open
// question, and restarts escalation.
func (p *Processor) Reopen(ctx context.Context, id, actor string) (*model.Incident, error) {
	incident, err := p.svc.Store.ApplyTransition(ctx, id, model.StateReopened, actor)
	if err != nil {
		return nil, err
	}
	p.publish(subscriptionStateChanged, incident)

	if p.svc.Escalation != nil {
		p.svc.Escalation.Reopen(incident)
		if _, ok := p.svc.Escalation.FlowFor(id); !ok {
			if _, err := p.svc.Escalation.StartFlow(ctx, incident); err != nil {
				return incident, err
			}
		}
	}
	return incident, nil
}
