// Package mailer sends notification mail through an SMTP relay. Delivery is
// best-effort: callers fire sends from background tasks, and a failure is
// logged and reported without failing the operation that triggered it.
package mailer

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"fedvault.org/internal/obs"
)

// Sender delivers one message.
type Sender interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

// SMTP relays through a single configured host.
type SMTP struct {
	addr string
	from string
	auth smtp.Auth
}

// NewSMTP configures a relay. Username may be empty for unauthenticated
// relays.
func NewSMTP(host string, port int, from, username, password string) *SMTP {
	s := &SMTP{addr: fmt.Sprintf("%s:%d", host, port), from: from}
	if username != "" {
		s.auth = smtp.PlainAuth("", username, password, host)
	}
	return s
}

func (s *SMTP) Send(_ context.Context, to []string, subject, body string) error {
	msg := strings.Join([]string{
		"From: " + s.from,
		"To: " + strings.Join(to, ", "),
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")
	if err := smtp.SendMail(s.addr, s.auth, s.from, to, []byte(msg)); err != nil {
		return fmt.Errorf("mailer: send to %d recipients: %w", len(to), err)
	}
	return nil
}

// Notify sends in the caller's goroutine, logging a failed delivery and
// reporting it back so callers can record the outcome without failing on it.
// Background tasks use this instead of Send.
func Notify(ctx context.Context, sender Sender, to []string, subject, body string) error {
	if sender == nil || len(to) == 0 {
		return nil
	}
	if err := sender.Send(ctx, to, subject, body); err != nil {
		obs.LogEvent("mailer.send_failed", map[string]any{
			"recipients": len(to),
			"subject":    subject,
			"error":      err.Error(),
		})
		return err
	}
	return nil
}
