package ws

import (
	"log"

	"github.com/workdesk/chat-app/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client
// event. The msg parameter is the concrete struct returned by
// protocol.ParseClientMessage (e.g., protocol.JoinChatMsg).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket events to registered handlers
// based on the event type. It answers ping itself and sends structured
// error responses for malformed or unsupported events.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
	}
}

// Register associates a MessageHandler with an event type. If a handler was
// already registered for the given type, it is silently replaced. A handler
// registered for ping runs after the pong is sent.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed event and routes it to the registered handler. Parse errors
// and unregistered types result in an error event sent back to the client.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("[ws] dispatch parse error conn=%s type=%q: %v", conn.ID, msgType, err)
		SendError(conn, protocol.CodeParseError, "invalid message format", "")
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		if msgType == protocol.TypePing {
			return
		}
		log.Printf("[ws] unsupported message type=%q conn=%s", msgType, conn.ID)
		SendError(conn, protocol.CodeUnsupported, "unsupported message type", "")
		return
	}

	handler(conn, msg)
}

// Send encodes payload as a server event of msgType and writes it to conn.
// Failures are logged.
func Send(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[ws] failed to build %s conn=%s: %v", msgType, conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("[ws] failed to send %s conn=%s: %v", msgType, conn.ID, err)
	}
}

// SendError sends a structured error event back to the client.
func SendError(conn *Connection, code, message, chatID string) {
	Send(conn, protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
		ChatID:  chatID,
	})
}

func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.Touch()
	Send(conn, protocol.TypePong, protocol.PongMsg{})
}
