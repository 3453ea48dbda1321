package notifications

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/rcourtman/sentineld/internal/model"
)

// EscalationNotifier adapts a Dispatcher to the escalation.Notifier
// interface, building one Notification per channel on the escalating
// level, addressed via ChannelTargetFor (the level's first target only).
type EscalationNotifier struct {
	Dispatcher *Dispatcher
}

func (n EscalationNotifier) NotifyEscalation(_ context.Context, incident *model.Incident, level model.EscalationLevel) error {
	var firstErr error
	for _, channelName := range level.Channels {
		notif := &model.Notification{
			ID:         ulid.Make().String(),
			IncidentID: incident.ID,
			EventKind:  model.EventEscalated,
			Target:     ChannelTargetFor(channelName, level),
			Subject:    fmt.Sprintf("[%s] escalation level %d: %s", incident.Severity, level.Level, level.Name),
			Body:       incident.Title,
			Metadata:   map[string]string{"severity": string(incident.Severity)},
		}
		if err := n.Dispatcher.Enqueue(notif); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ChannelTargetFor maps an escalation level's configured channel name to a
// ChannelTarget. Real deployments resolve this from the level's Targets;
// this default assumes the channel name doubles as the channel kind
// ("slack", "email", "pagerduty", "webhook") with the first target's
// identifier as the ref.
func ChannelTargetFor(channelName string, level model.EscalationLevel) model.ChannelTarget {
	ref := ""
	if len(level.Targets) > 0 {
		ref = level.Targets[0].Identifier
	}
	return model.ChannelTarget{Kind: model.ChannelKind(channelName), Ref: ref}
}
