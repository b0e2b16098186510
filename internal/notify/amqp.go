package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Message is the body published for every appointment event.
type Message struct {
	Event      string         `json:"event"`
	PatientID  string         `json:"patient_id"`
	Payload    map[string]any `json:"payload"`
	OccurredAt time.Time      `json:"occurred_at"`
}

func encode(patientID, event string, payload map[string]any, now time.Time) ([]byte, error) {
	return json.Marshal(Message{
		Event:      event,
		PatientID:  patientID,
		Payload:    payload,
		OccurredAt: now.UTC(),
	})
}

// AMQP publishes notifications as persistent JSON messages on a durable
// queue through the default exchange.
type AMQP struct {
	conn  *amqp.Connection
	queue string
	log   *slog.Logger

	mu sync.Mutex
	ch *amqp.Channel
}

func DialAMQP(url, queue string, logger *slog.Logger) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQP{conn: conn, queue: queue, log: logger, ch: ch}, nil
}

func (a *AMQP) Notify(ctx context.Context, patientID, event string, payload map[string]any) error {
	body, err := encode(patientID, event, payload, time.Now())
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         event,
		Body:         body,
		Headers: amqp.Table{
			"message_type": "JSON",
		},
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch == nil || a.ch.IsClosed() {
		ch, err := a.conn.Channel()
		if err != nil {
			return fmt.Errorf("reopen amqp channel: %w", err)
		}
		a.ch = ch
	}
	if err := a.ch.PublishWithContext(ctx, "", a.queue, false, false, msg); err != nil {
		return fmt.Errorf("publish %s to %s: %w", event, a.queue, err)
	}

	a.log.DebugContext(ctx, "notification published",
		slog.String("event", event),
		slog.String("queue", a.queue),
	)
	return nil
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch != nil {
		_ = a.ch.Close()
	}
	return a.conn.Close()
}
