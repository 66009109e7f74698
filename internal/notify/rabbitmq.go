// Package notify publishes message events to RabbitMQ so downstream workers
// (mobile push, email digests) can reach members who are not connected.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/workdesk/chat-app/internal/chat"
)

const (
	// Exchange is the durable topic exchange events are published to.
	Exchange = "workdesk.chat"

	// RoutingMessageCreated is the routing key of a newly persisted message.
	RoutingMessageCreated = "message.created"
)

// Event is the published envelope.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MessageCreated is the payload of a message.created event.
type MessageCreated struct {
	MessageID  string    `json:"messageId"`
	ChatID     string    `json:"chatId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName,omitempty"`
	Preview    string    `json:"preview"`
	CreatedAt  time.Time `json:"createdAt"`
	Recipients []string  `json:"recipients"`
}

// PreviewLength caps the content carried in a notification.
const PreviewLength = 120

// NewMessageCreated builds the event for m. The sender is never a recipient.
func NewMessageCreated(m chat.Message, members []string) (Event, error) {
	recipients := make([]string, 0, len(members))
	for _, id := range members {
		if id != m.SenderID {
			recipients = append(recipients, id)
		}
	}

	preview := []rune(m.Content)
	if len(preview) > PreviewLength {
		preview = append(preview[:PreviewLength-1], '…')
	}

	payload, err := json.Marshal(MessageCreated{
		MessageID:  m.ID,
		ChatID:     m.ChatID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Preview:    string(preview),
		CreatedAt:  m.CreatedAt,
		Recipients: recipients,
	})
	if err != nil {
		return Event{}, fmt.Errorf("notify: encode payload: %w", err)
	}
	return Event{Type: RoutingMessageCreated, Payload: payload}, nil
}

// Publisher publishes events on a single AMQP channel.
type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewPublisher dials url and declares the exchange.
func NewPublisher(url string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("notify: connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("notify: open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		Exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("notify: declare exchange: %w", err)
	}

	log.Printf("[notify] publishing to exchange %s", Exchange)
	return &Publisher{conn: conn, channel: ch}, nil
}

// MessageCreated publishes a message.created event for m.
func (p *Publisher) MessageCreated(ctx context.Context, m chat.Message, members []string) error {
	if len(members) < 2 {
		return nil
	}
	ev, err := NewMessageCreated(m, members)
	if err != nil {
		return err
	}
	return p.publish(ctx, RoutingMessageCreated, ev)
}

func (p *Publisher) publish(ctx context.Context, routingKey string, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: encode event: %w", err)
	}

	err = p.channel.PublishWithContext(ctx,
		Exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("notify: publish %s: %w", routingKey, err)
	}
	return nil
}

// Close closes the channel and the connection.
func (p *Publisher) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// Nop discards every event. It stands in when no broker is configured.
type Nop struct{}

// MessageCreated does nothing.
func (Nop) MessageCreated(context.Context, chat.Message, []string) error { return nil }
