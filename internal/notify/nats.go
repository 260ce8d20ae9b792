package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/roadassist/internal/assist/domain"
)

// DefaultSubject carries every notification; consumers filter on the headers.
const DefaultSubject = "assist.notifications"

type natsPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// NATSNotifier publishes notifications to a NATS subject.
type NATSNotifier struct {
	conn    natsPublisher
	subject string
}

// NewNATSNotifier builds a notifier on an established connection. A nil connection
// yields a notifier that drops everything.
func NewNATSNotifier(conn *nats.Conn, subject string) *NATSNotifier {
	if subject == "" {
		subject = DefaultSubject
	}
	n := &NATSNotifier{subject: subject}
	if conn != nil {
		n.conn = conn
	}
	return n
}

// Notify satisfies domain.Notifier.
func (p *NATSNotifier) Notify(ctx context.Context, n domain.Notification) error {
	if p == nil || p.conn == nil {
		return nil
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	msg := nats.NewMsg(p.subject)
	msg.Data = payload
	msg.Header.Set("x-event-type", string(n.EventType))
	msg.Header.Set("x-recipient-id", n.RecipientID.String())
	if id := traceIDFromContext(ctx); id != "" {
		msg.Header.Set("x-trace-id", id)
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
