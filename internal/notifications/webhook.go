package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rcourtman/sentineld/internal/model"
	"github.com/rcourtman/sentineld/internal/store"
)

// WebhookSender posts the canonical JSON envelope of spec.md §6.2 to a
// generic HTTP endpoint.
type WebhookSender struct {
	HTTPClient *http.Client
	Store      store.Store
}

func NewWebhookSender(s store.Store) *WebhookSender {
	return &WebhookSender{HTTPClient: &http.Client{Timeout: 10 * time.Second}, Store: s}
}

func (s *WebhookSender) Kind() model.ChannelKind { return model.ChannelWebhook }

func (s *WebhookSender) Send(ctx context.Context, n *model.Notification) error {
	snapshot, _, err := s.Store.Get(ctx, n.IncidentID)
	if err != nil {
		return retryable(err)
	}

	envelope := model.WebhookEnvelope{
		EventType:        model.EventTypeFor(snapshotState(snapshot)),
		Timestamp:        time.Now(),
		IncidentSnapshot: snapshot,
		NotificationID:   n.ID,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return terminal(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.Target.Ref, bytes.NewReader(body))
	if err != nil {
		return terminal(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return retryable(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return retryable(errStatus(resp.StatusCode))
	default:
		return terminal(errStatus(resp.StatusCode))
	}
}

func snapshotState(in *model.Incident) model.State {
	if in == nil {
		return model.StateDetected
	}
	return in.State
}
