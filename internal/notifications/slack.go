package notifications

import (
	"context"
	"net/http"

	"github.com/slack-go/slack"

	"github.com/rcourtman/sentineld/internal/model"
)

// SlackSender posts lifecycle notifications to a Slack channel via
// slack-go/slack, a dependency sourced from the pack's kubernaut example
// for this exact concern (see DESIGN.md).
type SlackSender struct {
	client *slack.Client
}

// NewSlackSender builds a sender from a bot token (spec.md §6.4: secrets
// referenced by environment-variable name, never inlined).
func NewSlackSender(token string) *SlackSender {
	return &SlackSender{client: slack.New(token)}
}

func (s *SlackSender) Kind() model.ChannelKind { return model.ChannelSlack }

func (s *SlackSender) Send(ctx context.Context, n *model.Notification) error {
	_, _, err := s.client.PostMessageContext(ctx, n.Target.Ref,
		slack.MsgOptionText(n.Subject+"\n"+n.Body, false),
	)
	if err == nil {
		return nil
	}

	if rlErr, ok := err.(*slack.RateLimitedError); ok {
		_ = rlErr
		return retryable(err)
	}
	if sErr, ok := err.(slack.StatusCodeError); ok {
		if sErr.Code >= 500 || sErr.Code == http.StatusTooManyRequests {
			return retryable(err)
		}
		return terminal(err)
	}
	return retryable(err)
}
