// Package notifications fans out lifecycle notifications to external
// channels with retry, per spec.md §4.6.
package notifications

import (
	"context"

	"github.com/rcourtman/sentineld/internal/model"
)

// ChannelError classifies a send failure as retryable or terminal, per
// spec.md §4.6: "timeout, 5xx, rate-limited" are retryable; "4xx other
// than 429, malformed credentials" are terminal.
type ChannelError struct {
	Retryable bool
	Err       error
}

func (e *ChannelError) Error() string { return e.Err.Error() }
func (e *ChannelError) Unwrap() error { return e.Err }

func retryable(err error) error  { return &ChannelError{Retryable: true, Err: err} }
func terminal(err error) error   { return &ChannelError{Retryable: false, Err: err} }

// Sender is implemented by each egress channel.
type Sender interface {
	Kind() model.ChannelKind
	Send(ctx context.Context, n *model.Notification) error
}
