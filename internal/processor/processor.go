package processor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/sentineld/internal/dedup"
	"github.com/rcourtman/sentineld/internal/model"
	"github.com/rcourtman/sentineld/internal/sentinelerr"
)

// IngestAlert runs the full pipeline of spec.md §2 for one incoming Alert
// and returns the incident id it resolves to — the "correlation id" of
// spec.md §7 "User-visible behavior" — on both the merge and create paths.
func (p *Processor) IngestAlert(ctx context.Context, alert *model.Alert) (string, error) {
	if alert.Title == "" || alert.Source == "" {
		return "", sentinelerr.New(sentinelerr.InvalidInput, "alert requires title and source")
	}
	if alert.ReceivedAt.IsZero() {
		alert.ReceivedAt = nowFn()
	}
	if !alert.Severity.Valid() {
		return "", sentinelerr.New(sentinelerr.InvalidInput, fmt.Sprintf("unknown severity %q", alert.Severity))
	}

	decision, err := p.svc.Dedup.Process(ctx, alert)
	if err != nil {
		// spec.md §4.2 "Failure semantics": on store failure dedup is
		// skipped and the alert proceeds as a new incident, biased toward
		// over-alerting rather than silent drop.
		log.Warn().Err(err).Str("source", alert.Source).Msg("dedup failed, creating incident directly")
		decision = nil
	}

	var incident *model.Incident
	created := false
	if decision != nil {
		incident = decision.Incident
		switch {
		case decision.Reopened:
			p.publish(subscriptionReopened, incident)
			if p.svc.Escalation != nil {
				// A reopened incident's prior flow was already Resolved
				// (Resolve cancels the timer and cannot be reactivated by
				// Reopen, which only un-pauses a Paused flow) — start a
				// fresh flow at level 0.
				if _, err := p.svc.Escalation.StartFlow(ctx, incident); err != nil {
					log.Warn().Err(err).Str("incident", incident.ID).Msg("escalation restart on reopen failed")
				}
			}
		case decision.Created:
			created = true
		default:
			p.publish(subscriptionUpdated, incident)
		}
	} else {
		// Dedup itself is unavailable (store failure): skip it entirely
		// and create directly, per spec.md §4.2 "Failure semantics".
		incident = dedup.NewIncidentFromAlert(alert, alert.Fingerprint)
		created = true
	}

	// ML classification assigns/confirms severity and type (spec.md §2);
	// per spec.md §9's unresolved-severity-raise question, a prediction is
	// attached as a confidence signal and never silently overrides an
	// observed field. Per spec.md §6.4/§4.7, a prediction below
	// MinMLConfidence carries too little signal to surface at all.
	if p.svc.ML != nil && p.svc.ML.IsAvailable() {
		if pred, err := p.svc.ML.Predict(incident); err == nil {
			if pred.Confidence >= p.cfg.MinMLConfidence {
				incident.MLPrediction = &model.MLPrediction{
					PredictedSeverity: model.Severity(pred.Severity),
					PredictedType:     model.IncidentType(pred.Type),
					Confidence:        pred.Confidence,
					Distribution:      pred.Distribution,
					PredictedAt:       nowFn(),
				}
			}
		} else if !sentinelerr.OfKind(err, sentinelerr.MLUnavailable) {
			log.Warn().Err(err).Str("incident", incident.ID).Msg("ml prediction failed, continuing without it")
		}
	}

	// Persist whatever the dedup/ML steps above attached (MLPrediction on
	// every path; the incident itself on the create path when dedup's own
	// critical-section save didn't run).
	if _, err := p.svc.Store.Save(ctx, incident); err != nil {
		return "", sentinelerr.Wrap(sentinelerr.StorageUnavailable, "save incident", err)
	}
	if created {
		p.publish(subscriptionCreated, incident)
	}

	p.enrich(ctx, incident)
	p.correlate(ctx, incident)

	if created && p.svc.Escalation != nil {
		if _, err := p.svc.Escalation.StartFlow(ctx, incident); err != nil {
			log.Warn().Err(err).Str("incident", incident.ID).Msg("escalation start failed")
		}
	}

	return incident.ID, nil
}

// enrich runs the enrichment pipeline and persists the resulting context,
// per spec.md §4.4. Failures are recorded and swallowed — enrichment never
// blocks alert ingestion.
func (p *Processor) enrich(ctx context.Context, incident *model.Incident) {
	if p.svc.Enrichment == nil {
		return
	}
	ectx, err := p.svc.Enrichment.Enrich(ctx, incident)
	if err != nil {
		log.Warn().Err(err).Str("incident", incident.ID).Msg("enrichment unavailable, continuing without it")
		return
	}
	incident.EnrichedContext = ectx
	if err := p.svc.Store.AppendEvent(ctx, incident.ID, model.IncidentEvent{
		Kind:  model.EventEnriched,
		Actor: model.SystemActor,
		Payload: map[string]interface{}{
			"successful": ectx.SuccessfulEnrichers,
			"failed":     ectx.FailedEnrichers,
		},
	}); err != nil {
		log.Warn().Err(err).Str("incident", incident.ID).Msg("failed to append enrichment event")
	} else {
		// AppendEvent already persisted the new timeline entry; pull it back
		// onto the local copy before the Save below, or that Save's
		// wholesale replace would clobber it (the append-only timeline
		// invariant of spec.md §3.2).
		p.refreshTimeline(ctx, incident)
	}
	if _, err := p.svc.Store.Save(ctx, incident); err != nil {
		log.Warn().Err(err).Str("incident", incident.ID).Msg("failed to persist enriched context")
	}
}

// refreshTimeline reloads incident's persisted Timeline in place. Call this
// after a Store.AppendEvent whose effect must survive a subsequent
// Store.Save of a local copy that predates the append.
func (p *Processor) refreshTimeline(ctx context.Context, incident *model.Incident) {
	fresh, ok, err := p.svc.Store.Get(ctx, incident.ID)
	if err != nil || !ok {
		log.Warn().Err(err).Str("incident", incident.ID).Msg("failed to refresh timeline after append")
		return
	}
	incident.Timeline = fresh.Timeline
}

// correlate joins or creates a CorrelationGroup for the incident, per
// spec.md §4.3. A correlation failure is logged and the incident proceeds
// ungrouped.
func (p *Processor) correlate(ctx context.Context, incident *model.Incident) {
	if p.svc.Correlation == nil {
		return
	}
	group, err := p.svc.Correlation.Analyze(ctx, incident)
	if err != nil {
		log.Warn().Err(err).Str("incident", incident.ID).Msg("correlation unavailable, continuing ungrouped")
		return
	}
	if group == nil {
		return
	}
	incident.CorrelationGroupID = group.ID
	// Guard against a wholesale-replace Save clobbering a timeline event
	// appended by a concurrent caller (UpdateSeverity, AddComment, ...)
	// since this incident was loaded at the top of IngestAlert.
	p.refreshTimeline(ctx, incident)
	if _, err := p.svc.Store.Save(ctx, incident); err != nil {
		log.Warn().Err(err).Str("incident", incident.ID).Msg("failed to persist correlation group reference")
	}
}
