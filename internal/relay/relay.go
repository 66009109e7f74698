// Package relay implements the server side of the chat WebSocket protocol:
// it authenticates sockets, manages their room subscriptions, persists and
// fans out messages and read receipts, and relays typing state. Room events
// travel through the broker so every server instance forwards them to its
// own sockets.
package relay

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/workdesk/chat-app/internal/chat"
	"github.com/workdesk/chat-app/internal/metrics"
	"github.com/workdesk/chat-app/internal/protocol"
	"github.com/workdesk/chat-app/internal/ratelimit"
	"github.com/workdesk/chat-app/internal/typing"
	"github.com/workdesk/chat-app/internal/ws"
)

// MessageStore is the durable chat state the relay needs.
type MessageStore interface {
	IsMember(ctx context.Context, chatID, userID string) (bool, error)
	Members(ctx context.Context, chatID string) ([]string, error)
	SaveMessage(ctx context.Context, m chat.Message) (chat.Message, bool, error)
	MarkRead(ctx context.Context, chatID, userID, messageID string) (chat.Receipt, error)
}

// Broker fans room events out across server instances.
type Broker interface {
	PublishRoom(chatID string, ev chat.RoomEvent) error
	SubscribeRoom(chatID, connID string, handler func(chat.RoomEvent)) error
	UnsubscribeRoom(chatID, connID string) error
	UnsubscribeAll(connID string)
}

// Limiter throttles per-user actions.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Verifier resolves a bearer token to a user id.
type Verifier interface {
	Verify(token string) (string, error)
}

// Notifier hands new messages to offline delivery.
type Notifier interface {
	MessageCreated(ctx context.Context, m chat.Message, members []string) error
}

// Sessions binds sockets to users and tracks their activity.
type Sessions interface {
	Bind(ctx context.Context, connID, userID string) error
	Touch(ctx context.Context, connID, userID string) error
}

// Sender writes a frame to a local socket.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Config wires the relay's collaborators. Limiter, Notifier and Sessions are
// optional.
type Config struct {
	Store    MessageStore
	Broker   Broker
	Typing   typing.Store
	Verifier Verifier
	Sender   Sender
	Limiter  Limiter
	Notifier Notifier
	Sessions Sessions

	// Timeout bounds every backend call made for one event.
	Timeout time.Duration
}

// Relay handles client events for the sockets of one server instance.
type Relay struct {
	store    MessageStore
	broker   Broker
	typing   typing.Store
	verifier Verifier
	sender   Sender
	limiter  Limiter
	notifier Notifier
	sessions Sessions
	timeout  time.Duration
}

// New creates a Relay.
func New(cfg Config) *Relay {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Relay{
		store:    cfg.Store,
		broker:   cfg.Broker,
		typing:   cfg.Typing,
		verifier: cfg.Verifier,
		sender:   cfg.Sender,
		limiter:  cfg.Limiter,
		notifier: cfg.Notifier,
		sessions: cfg.Sessions,
		timeout:  cfg.Timeout,
	}
}

// Register installs a handler for every client event type on d.
func (r *Relay) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeAuthenticate, r.handleAuthenticate)
	d.Register(protocol.TypeJoinChat, r.handleJoin)
	d.Register(protocol.TypeLeaveChat, r.handleLeave)
	d.Register(protocol.TypeSendMessage, r.handleSend)
	d.Register(protocol.TypeMarkRead, r.handleMarkRead)
	d.Register(protocol.TypeTypingStart, r.handleTyping)
	d.Register(protocol.TypeTypingStop, r.handleTyping)
	d.Register(protocol.TypePing, r.handlePing)
}

// Deliver publishes a persisted message to its room and hands it to the
// notifier. The sender's own sockets receive it too, which is how clients
// confirm optimistic sends.
func (r *Relay) Deliver(ctx context.Context, m chat.Message) error {
	payload, err := protocol.NewServerMessage(protocol.TypeNewMessage, protocol.NewMessageMsg{
		WireMessage: protocol.FromMessage(m),
	})
	if err != nil {
		return err
	}
	if err := r.broker.PublishRoom(m.ChatID, chat.RoomEvent{
		Type:    protocol.TypeNewMessage,
		From:    m.SenderID,
		Echo:    true,
		Payload: payload,
	}); err != nil {
		return fmt.Errorf("relay: publish message: %w", err)
	}

	if r.notifier != nil {
		members, err := r.store.Members(ctx, m.ChatID)
		if err != nil {
			log.Printf("[relay] members of %s for notification: %v", m.ChatID, err)
			return nil
		}
		if err := r.notifier.MessageCreated(ctx, m, members); err != nil {
			log.Printf("[relay] notify message=%s: %v", m.ID, err)
		}
	}
	return nil
}

// PublishRead tells the room of rc.ChatID that rc.ReaderID has read it.
func (r *Relay) PublishRead(rc chat.Receipt) error {
	payload, err := protocol.NewServerMessage(protocol.TypeMessageRead, protocol.MessageReadMsg{
		ChatID:    rc.ChatID,
		MessageID: rc.MessageID,
		UserID:    rc.ReaderID,
		ReadAt:    rc.At,
	})
	if err != nil {
		return err
	}
	metrics.ReadReceipts.Inc()
	return r.broker.PublishRoom(rc.ChatID, chat.RoomEvent{
		Type:    protocol.TypeMessageRead,
		From:    rc.ReaderID,
		Echo:    true,
		Payload: payload,
	})
}

// PublishTyping relays userID's typing state in chatID to the other members.
func (r *Relay) PublishTyping(chatID, userID string, isTyping bool) error {
	payload, err := protocol.NewServerMessage(protocol.TypeTypingUpdate, protocol.TypingUpdateMsg{
		ChatID:   chatID,
		UserID:   userID,
		IsTyping: isTyping,
	})
	if err != nil {
		return err
	}
	return r.broker.PublishRoom(chatID, chat.RoomEvent{
		Type:    protocol.TypeTypingUpdate,
		From:    userID,
		Payload: payload,
	})
}

// OnDisconnect releases everything a closed socket held: its room
// subscriptions and any typing indicator it left on.
func (r *Relay) OnDisconnect(c *ws.Connection) {
	rooms := c.Rooms()
	r.broker.UnsubscribeAll(c.ID)
	metrics.RoomSubscriptions.Sub(float64(len(rooms)))

	userID := c.UserID()
	if userID == "" {
		return
	}
	ctx, cancel := r.ctx()
	defer cancel()
	for _, chatID := range rooms {
		r.stopTyping(ctx, chatID, userID)
	}
}

// forward returns the room handler for one socket. Events a user caused are
// only echoed to their own sockets when marked so.
func (r *Relay) forward(c *ws.Connection, chatID string) func(chat.RoomEvent) {
	return func(ev chat.RoomEvent) {
		if !c.InRoom(chatID) {
			return
		}
		if !ev.Echo && ev.From == c.UserID() {
			return
		}
		if err := r.sender.SendMessage(c.ID, ev.Payload); err != nil {
			log.Printf("[relay] forward %s to conn=%s: %v", ev.Type, c.ID, err)
			return
		}
		if ev.Type == protocol.TypeNewMessage {
			metrics.MessagesTotal.WithLabelValues("delivered").Inc()
		}
	}
}

// stopTyping clears userID's indicator in chatID and tells the room when
// there was one.
func (r *Relay) stopTyping(ctx context.Context, chatID, userID string) {
	active, err := r.typing.IsUserTyping(ctx, chatID, userID)
	if err != nil {
		log.Printf("[relay] typing lookup chat=%s user=%s: %v", chatID, userID, err)
		return
	}
	if !active {
		return
	}
	if err := r.typing.UnsetTyping(ctx, chatID, userID); err != nil {
		log.Printf("[relay] clear typing chat=%s user=%s: %v", chatID, userID, err)
	}
	if err := r.PublishTyping(chatID, userID, false); err != nil {
		log.Printf("[relay] publish typing stop chat=%s: %v", chatID, err)
	}
}

func (r *Relay) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.timeout)
}

