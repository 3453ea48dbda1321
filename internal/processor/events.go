package processor

import (
	"time"

	"github.com/rcourtman/sentineld/internal/model"
	"github.com/rcourtman/sentineld/internal/subscription"
)

// nowFn is overridable in tests, mirroring store's own now() seam.
var nowFn = time.Now

// subscription update-type aliases keep the call sites in processor.go
// and commands.go terse.
const (
	subscriptionCreated      = subscription.UpdateCreated
	subscriptionUpdated      = subscription.UpdateUpdated
	subscriptionStateChanged = subscription.UpdateStateChanged
	subscriptionResolved     = subscription.UpdateResolved
	subscriptionAssigned     = subscription.UpdateAssigned
	subscriptionComment      = subscription.UpdateCommentAdded
	subscriptionReopened     = subscription.UpdateStateChanged
)

// publish emits a subscription bus event for incident, per spec.md §7
// "Subscribers observe a StateChanged event for every accepted transition;
// no silent transitions exist." A nil Subscriptions bus or a nil incident
// makes this a no-op.
func (p *Processor) publish(updateType subscription.UpdateType, incident *model.Incident) {
	if p.svc.Subscriptions == nil || incident == nil {
		return
	}
	p.svc.Subscriptions.Publish(subscription.Event{
		UpdateType: updateType,
		IncidentID: incident.ID,
		Timestamp:  nowFn(),
		Incident:   incident,
	}, incident)
}
