package relay

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/workdesk/chat-app/internal/chat"
	"github.com/workdesk/chat-app/internal/metrics"
	"github.com/workdesk/chat-app/internal/protocol"
	"github.com/workdesk/chat-app/internal/ratelimit"
	"github.com/workdesk/chat-app/internal/store"
	"github.com/workdesk/chat-app/internal/ws"
)

// handleAuthenticate binds the socket to the user named by the token. A
// userId that disagrees with the token is rejected.
func (r *Relay) handleAuthenticate(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.AuthenticateMsg)

	userID, err := r.verifier.Verify(m.Token)
	if err == nil && m.UserID != "" && m.UserID != userID {
		err = errors.New("user id does not match token")
	}
	if err != nil {
		log.Printf("[relay] authenticate failed conn=%s: %v", conn.ID, err)
		ws.Send(conn, protocol.TypeAuthenticated, protocol.AuthenticatedMsg{
			Success: false,
			Error:   "authentication failed",
		})
		return
	}

	if prev := conn.UserID(); prev != "" && prev != userID {
		rooms := conn.Rooms()
		r.broker.UnsubscribeAll(conn.ID)
		metrics.RoomSubscriptions.Sub(float64(len(rooms)))
	}
	conn.SetUserID(userID)

	if r.sessions != nil {
		ctx, cancel := r.ctx()
		if err := r.sessions.Bind(ctx, conn.ID, userID); err != nil {
			log.Printf("[relay] bind session conn=%s: %v", conn.ID, err)
		}
		cancel()
	}

	ws.Send(conn, protocol.TypeAuthenticated, protocol.AuthenticatedMsg{
		Success: true,
		UserID:  userID,
	})
	log.Printf("[relay] authenticated conn=%s user=%s", conn.ID, userID)
}

// handleJoin subscribes the socket to a chat its user belongs to.
func (r *Relay) handleJoin(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.JoinChatMsg)
	userID, ok := r.requireUser(conn, m.ChatID)
	if !ok {
		return
	}
	if m.ChatID == "" {
		ws.SendError(conn, protocol.CodeInvalidMessage, "chatId is required", "")
		return
	}

	ctx, cancel := r.ctx()
	defer cancel()
	member, err := r.store.IsMember(ctx, m.ChatID, userID)
	if err != nil {
		log.Printf("[relay] membership chat=%s user=%s: %v", m.ChatID, userID, err)
		ws.SendError(conn, protocol.CodeInternal, "could not join chat", m.ChatID)
		return
	}
	if !member {
		ws.SendError(conn, protocol.CodeNotMember, "not a member of this chat", m.ChatID)
		return
	}

	if conn.Join(m.ChatID) {
		if err := r.broker.SubscribeRoom(m.ChatID, conn.ID, r.forward(conn, m.ChatID)); err != nil {
			conn.Leave(m.ChatID)
			log.Printf("[relay] subscribe chat=%s conn=%s: %v", m.ChatID, conn.ID, err)
			ws.SendError(conn, protocol.CodeInternal, "could not join chat", m.ChatID)
			return
		}
		metrics.RoomSubscriptions.Inc()
	}

	ws.Send(conn, protocol.TypeJoinedChat, protocol.JoinedChatMsg{ChatID: m.ChatID})
}

// handleLeave unsubscribes the socket from a chat. Leaving a chat that was
// never joined is acknowledged all the same.
func (r *Relay) handleLeave(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.LeaveChatMsg)
	userID, ok := r.requireUser(conn, m.ChatID)
	if !ok {
		return
	}

	if conn.Leave(m.ChatID) {
		if err := r.broker.UnsubscribeRoom(m.ChatID, conn.ID); err != nil {
			log.Printf("[relay] unsubscribe chat=%s conn=%s: %v", m.ChatID, conn.ID, err)
		}
		metrics.RoomSubscriptions.Dec()

		ctx, cancel := r.ctx()
		r.stopTyping(ctx, m.ChatID, userID)
		cancel()
	}

	ws.Send(conn, protocol.TypeLeftChat, protocol.LeftChatMsg{ChatID: m.ChatID})
}

// handleSend validates, persists and fans out a message. The client's
// temporary id is stored as the client message id so retries and echoes
// reconcile with the optimistic copy.
func (r *Relay) handleSend(conn *ws.Connection, msg interface{}) {
	start := time.Now()
	m := msg.(protocol.SendMessageMsg)
	userID, ok := r.requireUser(conn, m.ChatID)
	if !ok {
		return
	}

	if err := chat.ValidateMessage(m.Message); err != nil || m.ChatID == "" {
		reason := "chatId is required"
		if err != nil {
			reason = err.Error()
		}
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		ws.SendError(conn, protocol.CodeInvalidMessage, reason, m.ChatID)
		return
	}

	ctx, cancel := r.ctx()
	defer cancel()

	if !r.allow(ctx, userID, ratelimit.RuleSend) {
		metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
		ws.SendError(conn, protocol.CodeRateLimited, "sending too fast", m.ChatID)
		return
	}

	saved, created, err := r.store.SaveMessage(ctx, chat.Message{
		ChatID:   m.ChatID,
		SenderID: userID,
		Content:  m.Message,
		ClientID: m.MessageID,
	})
	switch {
	case errors.Is(err, store.ErrNotMember), errors.Is(err, store.ErrNotFound):
		ws.SendError(conn, protocol.CodeNotMember, "not a member of this chat", m.ChatID)
		return
	case err != nil:
		log.Printf("[relay] save message chat=%s user=%s: %v", m.ChatID, userID, err)
		ws.SendError(conn, protocol.CodeInternal, "message not saved", m.ChatID)
		return
	}
	if !created {
		// A resend of a stored message: the room already has it, only the
		// sender still needs its confirmation.
		metrics.MessagesTotal.WithLabelValues("duplicate").Inc()
		ws.Send(conn, protocol.TypeNewMessage, protocol.NewMessageMsg{WireMessage: protocol.FromMessage(saved)})
		return
	}
	metrics.MessagesTotal.WithLabelValues("sent").Inc()

	r.stopTyping(ctx, m.ChatID, userID)

	if err := r.Deliver(ctx, saved); err != nil {
		log.Printf("[relay] deliver message=%s: %v", saved.ID, err)
	}
	metrics.MessageLatency.Observe(time.Since(start).Seconds())
}

// handleMarkRead advances the reader's cursor and tells the room.
func (r *Relay) handleMarkRead(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.MarkReadMsg)
	userID, ok := r.requireUser(conn, m.ChatID)
	if !ok {
		return
	}

	ctx, cancel := r.ctx()
	defer cancel()

	rc, err := r.store.MarkRead(ctx, m.ChatID, userID, m.MessageID)
	switch {
	case errors.Is(err, store.ErrNotMember):
		ws.SendError(conn, protocol.CodeNotMember, "not a member of this chat", m.ChatID)
		return
	case errors.Is(err, store.ErrNotFound):
		ws.SendError(conn, protocol.CodeInvalidMessage, "unknown message", m.ChatID)
		return
	case err != nil:
		log.Printf("[relay] mark read chat=%s user=%s: %v", m.ChatID, userID, err)
		ws.SendError(conn, protocol.CodeInternal, "read state not saved", m.ChatID)
		return
	}

	if err := r.PublishRead(rc); err != nil {
		log.Printf("[relay] publish read chat=%s: %v", m.ChatID, err)
	}
}

// handleTyping records typing_start and typing_stop for a joined chat and
// relays the change to the other members. Throttled events are dropped
// without an error since the next keystroke repeats them.
func (r *Relay) handleTyping(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.TypingMsg)
	userID, ok := r.requireUser(conn, m.ChatID)
	if !ok {
		return
	}
	if !conn.InRoom(m.ChatID) {
		ws.SendError(conn, protocol.CodeNotMember, "join the chat first", m.ChatID)
		return
	}

	ctx, cancel := r.ctx()
	defer cancel()

	isTyping := m.Type == protocol.TypeTypingStart
	state := "stop"
	if isTyping {
		state = "start"
		if !r.allow(ctx, userID, ratelimit.RuleTyping) {
			return
		}
		if err := r.typing.SetTyping(ctx, m.ChatID, userID); err != nil {
			log.Printf("[relay] set typing chat=%s user=%s: %v", m.ChatID, userID, err)
		}
	} else if err := r.typing.UnsetTyping(ctx, m.ChatID, userID); err != nil {
		log.Printf("[relay] unset typing chat=%s user=%s: %v", m.ChatID, userID, err)
	}
	metrics.TypingEvents.WithLabelValues(state).Inc()

	if err := r.PublishTyping(m.ChatID, userID, isTyping); err != nil {
		log.Printf("[relay] publish typing chat=%s: %v", m.ChatID, err)
	}
}

// handlePing keeps the session and the user's presence fresh. The pong is
// sent by the dispatcher.
func (r *Relay) handlePing(conn *ws.Connection, _ interface{}) {
	if r.sessions == nil {
		return
	}
	ctx, cancel := r.ctx()
	defer cancel()
	if err := r.sessions.Touch(ctx, conn.ID, conn.UserID()); err != nil {
		log.Printf("[relay] touch session conn=%s: %v", conn.ID, err)
	}
}

// requireUser returns the socket's user or answers unauthenticated.
func (r *Relay) requireUser(conn *ws.Connection, chatID string) (string, bool) {
	userID := conn.UserID()
	if userID == "" {
		ws.SendError(conn, protocol.CodeUnauthenticated, "authenticate first", chatID)
		return "", false
	}
	return userID, true
}

// allow applies rule to userID. Limiter failures let the event through.
func (r *Relay) allow(ctx context.Context, userID string, rule ratelimit.Rule) bool {
	if r.limiter == nil {
		return true
	}
	ok, _ := r.limiter.Allow(ctx, userID, rule)
	return ok
}
