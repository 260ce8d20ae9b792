package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/example/roadassist/internal/assist/domain"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// OutboxNotifier parks notifications in the outbox table. The outbox worker relays
// them to NATS, so a broker outage delays delivery instead of dropping it.
type OutboxNotifier struct {
	db    execer
	topic string
}

func NewOutboxNotifier(db *sql.DB, topic string) *OutboxNotifier {
	if topic == "" {
		topic = DefaultSubject
	}
	return &OutboxNotifier{db: db, topic: topic}
}

// Notify satisfies domain.Notifier.
func (o *OutboxNotifier) Notify(ctx context.Context, n domain.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if _, err := o.db.ExecContext(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2)`, o.topic, payload); err != nil {
		return fmt.Errorf("enqueue outbox: %w", err)
	}
	return nil
}
