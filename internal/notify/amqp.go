package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/roadassist/internal/assist/domain"
)

const (
	DefaultExchange = "assist.notifications"
	routingPrefix   = "notification."
)

type amqpChannel interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
}

// AMQPNotifier publishes notifications to a RabbitMQ topic exchange with routing
// key notification.<event type>. When the channel is in confirm mode every publish
// waits for the broker ack.
type AMQPNotifier struct {
	ch       amqpChannel
	exchange string
	timeout  time.Duration
}

func NewAMQPNotifier(ch *amqp.Channel, exchange string) *AMQPNotifier {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &AMQPNotifier{ch: ch, exchange: exchange, timeout: 5 * time.Second}
}

// DialAMQP connects, declares the durable topic exchange and enables publisher
// confirms. The returned func closes the channel and the connection.
func DialAMQP(url, exchange string) (*AMQPNotifier, func() error, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(30 * time.Second),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("amqp channel: %w", err)
	}
	n := NewAMQPNotifier(ch, exchange)
	if err := ch.ExchangeDeclare(n.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declare exchange %s: %w", n.exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("enable confirms: %w", err)
	}
	closeFn := func() error {
		_ = ch.Close()
		return conn.Close()
	}
	return n, closeFn, nil
}

// Notify satisfies domain.Notifier.
func (p *AMQPNotifier) Notify(ctx context.Context, n domain.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, routingKey(n.EventType), false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    n.RequestID.String(),
		Timestamp:    n.At,
		Headers:      amqp.Table{"recipient_id": n.RecipientID.String()},
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	if confirm == nil {
		return nil
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("amqp confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("amqp publish to %s not acknowledged", p.exchange)
	}
	return nil
}

func routingKey(event domain.EventType) string {
	return routingPrefix + string(event)
}
