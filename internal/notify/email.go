package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/resrv-payments/internal/events"
)

// EmailSender defines the contract for sending emails.
type EmailSender interface {
	Send(ctx context.Context, msg Email) error
}

// Email is a single outbound message.
type Email struct {
	From    string
	To      string
	Subject string
	HTML    string
}

// InMemoryEmail records messages; used by tests and local runs.
type InMemoryEmail struct {
	mu     sync.Mutex
	Outbox []Email
}

// Send records the email in memory.
func (m *InMemoryEmail) Send(_ context.Context, msg Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Outbox = append(m.Outbox, msg)
	return nil
}

// Sent returns a copy of the recorded messages.
func (m *InMemoryEmail) Sent() []Email {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Email(nil), m.Outbox...)
}

// LogEmailSender writes messages to the log instead of delivering them.
type LogEmailSender struct {
	Logger zerolog.Logger
}

// Send implements EmailSender.
func (l LogEmailSender) Send(_ context.Context, msg Email) error {
	l.Logger.Info().Str("to", msg.To).Str("subject", msg.Subject).Msg("email_logged")
	return nil
}

// EmailNotifier sends operator emails for reservation lifecycle events.
type EmailNotifier struct {
	Mail EmailSender
	From string
	// To is used when the event payload carries no recipient.
	To           string
	TopicToggles map[string]bool
}

// Notify implements events.Notifier.
func (n EmailNotifier) Notify(ctx context.Context, event events.Event) error {
	if n.Mail == nil {
		return nil
	}
	if enabled, ok := n.TopicToggles[event.Topic]; ok && !enabled {
		return nil
	}
	subject := subjectFor(event.Topic)
	if subject == "" {
		return nil
	}
	payload := map[string]any{}
	if len(event.Payload) > 0 {
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("email notify: decode payload: %w", err)
		}
	}
	to := extractRecipient(payload)
	if to == "" {
		to = strings.TrimSpace(n.To)
	}
	if to == "" {
		return nil
	}
	return n.Mail.Send(ctx, Email{
		From:    n.From,
		To:      to,
		Subject: subject,
		HTML:    bodyFor(event, payload),
	})
}

func extractRecipient(payload map[string]any) string {
	for _, key := range []string{"email", "customerEmail"} {
		if s, ok := payload[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func subjectFor(topic string) string {
	switch topic {
	case events.TopicReservationConfirmed:
		return "Reservation confirmed"
	case events.TopicReservationCancelled:
		return "Reservation cancelled"
	case events.TopicPaymentRefunded:
		return "Reservation refunded"
	default:
		return ""
	}
}

func bodyFor(event events.Event, payload map[string]any) string {
	var b strings.Builder
	b.WriteString("<p>")
	b.WriteString(html.EscapeString(subjectFor(event.Topic)))
	b.WriteString(": <strong>")
	b.WriteString(html.EscapeString(event.AggregateID))
	b.WriteString("</strong></p>")
	if amount, ok := payload["amount"].(float64); ok {
		currency, _ := payload["currency"].(string)
		fmt.Fprintf(&b, "<p>Amount: %d %s</p>", int64(amount), html.EscapeString(currency))
	}
	fmt.Fprintf(&b, "<p>%s</p>", event.OccurredAt.UTC().Format(time.RFC1123))
	return b.String()
}
