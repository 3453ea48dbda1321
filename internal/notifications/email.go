package notifications

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/rcourtman/sentineld/internal/model"
)

// EmailSender sends lifecycle notifications over SMTP. No example repo in
// the retrieved pack imports an SMTP client library (only server-side
// receiving libraries like go-smtp appear, e.g. in the Icinga material);
// net/smtp is used directly here and is justified in DESIGN.md.
type EmailSender struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
}

func (s *EmailSender) Kind() model.ChannelKind { return model.ChannelEmail }

func (s *EmailSender) Send(ctx context.Context, n *model.Notification) error {
	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)
	auth := smtp.PlainAuth("", s.Username, s.Password, s.Host)

	msg := buildMIMEMessage(s.From, n.Target.Ref, n.Subject, n.Body)

	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(addr, auth, s.From, []string{n.Target.Ref}, msg)
	}()

	select {
	case <-ctx.Done():
		return retryable(ctx.Err())
	case err := <-done:
		if err == nil {
			return nil
		}
		return classifySMTPError(err)
	}
}

func buildMIMEMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

// classifySMTPError treats connection/transient failures as retryable and
// explicit authentication failures as terminal (spec.md §4.6 "malformed
// credentials").
func classifySMTPError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "auth") || strings.Contains(msg, "credential") {
		return terminal(err)
	}
	return retryable(err)
}
