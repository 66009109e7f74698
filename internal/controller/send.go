package controller

import (
	"context"
	"log"
	"time"

	"github.com/workdesk/chat-app/internal/chat"
	"github.com/workdesk/chat-app/internal/transport"
)

// SendMessage validates text, shows it immediately as sending and starts
// delivery in the background. The returned message carries the temporary
// id; its later states arrive through the cache.
//
// Delivery publishes over the transport and waits AckTimeout for the echo.
// Without an echo, or when the publish was refused, the message is
// confirmed over REST with the same client id, which the server
// deduplicates. If REST also fails while the transport is down the message
// stays sending and is retried once the connection is back; otherwise it is
// marked failed.
func (c *Controller) SendMessage(ctx context.Context, chatID, text string) (chat.Message, error) {
	if err := chat.ValidateMessage(text); err != nil {
		return chat.Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return chat.Message{}, ErrClosed
	}

	c.StopTyping(chatID)

	m := c.cache.IngestOptimistic(chatID, chat.Message{SenderID: c.selfID, Content: text})
	c.list.ApplyIncoming(m, c.selfID, true)
	c.notify(Event{Kind: EventMessages, ChatID: chatID})
	c.notify(Event{Kind: EventChats, ChatID: chatID})

	c.startDelivery(m)
	return m, nil
}

// Retry resends a failed message with its original content.
func (c *Controller) Retry(ctx context.Context, chatID, clientID string) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}
	m, ok := c.cache.Retry(chatID, clientID)
	if !ok {
		return chat.Message{}, ErrNotRetriable
	}
	c.notify(Event{Kind: EventMessages, ChatID: chatID})
	c.startDelivery(m)
	return m, nil
}

func (c *Controller) startDelivery(m chat.Message) {
	c.background(func() { c.deliver(m) })
}

func (c *Controller) deliver(m chat.Message) {
	chatID, clientID := m.ChatID, m.ID

	ack := make(chan chat.Message, 1)
	c.mu.Lock()
	c.acks[clientID] = ack
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.acks, clientID)
		c.mu.Unlock()
	}()

	if c.tr.SendMessage(chatID, m.Content, clientID) {
		t := time.NewTimer(c.cfg.AckTimeout)
		select {
		case echo := <-ack:
			t.Stop()
			c.confirm(chatID, clientID, echo)
			return
		case <-c.ctx.Done():
			t.Stop()
			return
		case <-t.C:
			log.Printf("[controller] no echo for %s within %s, confirming over REST", clientID, c.cfg.AckTimeout)
		}
	}

	server, err := c.api.Send(c.ctx, chatID, m.Content, clientID)
	if err == nil {
		c.confirm(chatID, clientID, server)
		return
	}
	if c.ctx.Err() != nil {
		return
	}
	log.Printf("[controller] send %s failed: %v", clientID, err)

	c.mu.Lock()
	queue := c.tr.Status() != transport.StatusAuthenticated && c.state != StateOffline
	if queue {
		c.outbox[clientID] = chatID
	}
	c.mu.Unlock()
	if queue {
		log.Printf("[controller] queued %s until the connection is back", clientID)
		return
	}

	if c.cache.MarkFailed(chatID, clientID) {
		c.notify(Event{Kind: EventMessages, ChatID: chatID})
	}
}

func (c *Controller) confirm(chatID, clientID string, server chat.Message) {
	m := c.cache.ReconcileConfirmed(chatID, clientID, server)
	c.list.ApplyIncoming(m, c.selfID, true)
	c.notify(Event{Kind: EventMessages, ChatID: chatID})
}
