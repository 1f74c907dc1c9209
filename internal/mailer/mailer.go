// Package mailer is the alert email dispatch port (used by C10). Grounded
// on the teacher's streaming.Publisher/Subscriber split: a narrow
// interface plus a trivial logging implementation for tests and
// degraded-mode fallback, with the real backend swapped in for
// production. The real backend here is go-mail/mail/v2, the SMTP client
// the rest of the retrieved pack reaches for, rather than the teacher's
// streaming transport (there is no message bus in this module's scope).
package mailer

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	mail "github.com/go-mail/mail/v2"
)

// Message is the rendered alert email this module sends.
type Message struct {
	To      []string
	Subject string
	Body    string
}

// Mailer is the port alert.Engine dispatches through. Send returns a
// deliveryID persisted on the AlertRecord.
type Mailer interface {
	Send(ctx context.Context, msg Message) (deliveryID string, err error)
}

// LogMailer logs the message instead of sending it — used in tests and
// as the degraded-mode fallback when the SMTP backend is unavailable.
type LogMailer struct {
	logger *log.Logger
}

func NewLogMailer() *LogMailer {
	return &LogMailer{logger: log.Default()}
}

func (m *LogMailer) Send(_ context.Context, msg Message) (string, error) {
	deliveryID := uuid.NewString()
	m.logger.Printf("[MAILER] SEND %s to=%v subject=%q id=%s", deliveryID, msg.To, msg.Subject, deliveryID)
	return deliveryID, nil
}

// SMTPMailer sends through a real SMTP relay via go-mail/mail/v2.
type SMTPMailer struct {
	dialer *mail.Dialer
	from   string
}

func NewSMTPMailer(host string, port int, username, password, from string) *SMTPMailer {
	return &SMTPMailer{dialer: mail.NewDialer(host, port, username, password), from: from}
}

func (m *SMTPMailer) Send(_ context.Context, msg Message) (string, error) {
	deliveryID := uuid.NewString()
	mm := mail.NewMessage()
	mm.SetHeader("From", m.from)
	mm.SetHeader("To", msg.To...)
	mm.SetHeader("Subject", msg.Subject)
	mm.SetHeader("X-Delivery-Id", deliveryID)
	mm.SetBody("text/plain", msg.Body)

	if err := m.dialer.DialAndSend(mm); err != nil {
		return "", fmt.Errorf("mailer: smtp send: %w", err)
	}
	return deliveryID, nil
}
