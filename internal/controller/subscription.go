package controller

import (
	"log"

	"github.com/workdesk/chat-app/internal/chat"
	"github.com/workdesk/chat-app/internal/transport"
)

// SubState is the lifecycle of a room subscription:
//
//	Idle -> Joining -> Subscribed -> (Disconnected -> Retrying)* -> Subscribed | Abandoned
type SubState string

const (
	SubIdle         SubState = "idle"
	SubJoining      SubState = "joining"
	SubSubscribed   SubState = "subscribed"
	SubDisconnected SubState = "disconnected"
	SubRetrying     SubState = "retrying"
	SubAbandoned    SubState = "abandoned"
)

// subscription is the controller's hold on one chat room: the message
// handler registered with the transport and the membership state.
type subscription struct {
	chatID string
	state  SubState
	msgSub transport.Subscription
}

// subscribe registers the message handler for chatID and joins the room if
// the transport is authenticated. Otherwise the join happens in resume.
func (c *Controller) subscribe(chatID string) {
	sub := &subscription{chatID: chatID, state: SubJoining}
	sub.msgSub = c.tr.OnMessage(chatID, c.handleRoomMessage)

	c.mu.Lock()
	if c.closed || c.active != chatID {
		c.mu.Unlock()
		sub.msgSub.Unsubscribe()
		return
	}
	old := c.sub
	c.sub = sub
	c.mu.Unlock()

	if old != nil && old != sub {
		old.msgSub.Unsubscribe()
	}
	c.join(sub)
}

// join asks the transport to join sub's room and moves it to Subscribed on
// success.
func (c *Controller) join(sub *subscription) {
	if !c.tr.JoinChat(sub.chatID) {
		return
	}
	c.mu.Lock()
	if c.sub == sub && sub.state != SubAbandoned {
		sub.state = SubSubscribed
	}
	c.mu.Unlock()
}

// abandon leaves the room and deregisters the handler.
func (c *Controller) abandon(sub *subscription) {
	c.mu.Lock()
	if sub.state == SubAbandoned {
		c.mu.Unlock()
		return
	}
	sub.state = SubAbandoned
	c.mu.Unlock()

	sub.msgSub.Unsubscribe()
	c.tr.LeaveChat(sub.chatID)
	log.Printf("[controller] left chat %s", sub.chatID)
}

// handleRoomMessage ingests a push message for the subscribed chat.
func (c *Controller) handleRoomMessage(m chat.Message) {
	c.cache.IngestPush(m.ChatID, m)
	c.typing.UnsetTyping(c.ctx, m.ChatID, m.SenderID)
	c.notify(Event{Kind: EventMessages, ChatID: m.ChatID})
}
