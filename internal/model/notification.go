package model

import "time"

// ChannelKind identifies an egress sender (spec.md §6.2).
type ChannelKind string

const (
	ChannelSlack     ChannelKind = "slack"
	ChannelEmail     ChannelKind = "email"
	ChannelPagerDuty ChannelKind = "pagerduty"
	ChannelWebhook   ChannelKind = "webhook"
)

// ChannelTarget names a destination within a channel (a Slack channel id, an
// email address, a webhook URL). The PagerDuty sender ignores Ref and uses
// its own routing key.
type ChannelTarget struct {
	Kind ChannelKind `json:"kind"`
	Ref  string      `json:"ref"`
}

// Notification is a transient dispatch request.
type Notification struct {
	ID         string            `json:"id"`
	IncidentID string            `json:"incidentId"`
	EventKind  EventKind         `json:"eventKind"`
	Target     ChannelTarget     `json:"target"`
	Subject    string            `json:"subject"`
	Body       string            `json:"body"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	Attempts   int               `json:"attempts"`
	LastError  string            `json:"lastError,omitempty"`
}

// IdempotencyKey is the stable dedup key external channels that support it
// (PagerDuty) can use to avoid duplicate external incidents.
func (n *Notification) IdempotencyKey() string {
	return n.IncidentID + ":" + string(n.Target.Kind) + ":" + string(n.EventKind)
}

// WebhookEnvelope is the canonical JSON body posted to generic webhooks
// (spec.md §6.2).
type WebhookEnvelope struct {
	EventType        string      `json:"event_type"`
	Timestamp        time.Time   `json:"timestamp"`
	IncidentSnapshot *Incident   `json:"incident_snapshot"`
	NotificationID   string      `json:"notification_id"`
}

// EventTypeFor builds the "incident.<state>" event type string from spec.md
// §6.2.
func EventTypeFor(s State) string {
	switch s {
	case StateResolved:
		return "incident.resolved"
	case StateClosed:
		return "incident.closed"
	default:
		return "incident." + string(s)
	}
}
