// Package transport is the client side of the chat WebSocket. A Client owns
// one physical connection shared by every chat room, authenticates right
// after connecting, tracks joined rooms and fans incoming events out to any
// number of subscribers. It never reconnects on its own; callers drive
// Connect with a Backoff policy.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/workdesk/chat-app/internal/chat"
	"github.com/workdesk/chat-app/internal/protocol"
)

// Status is the connection state of a Client. The Client is the only writer
// of status transitions.
type Status string

const (
	StatusDisconnected  Status = "disconnected"
	StatusConnecting    Status = "connecting"
	StatusConnected     Status = "connected"
	StatusAuthenticated Status = "authenticated"
)

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("transport: client closed")

// Session is the identity the client authenticates with.
type Session struct {
	UserID string
	Token  string
}

// Valid reports whether both the user id and the token are set.
func (s Session) Valid() bool {
	return s.UserID != "" && s.Token != ""
}

// Config holds transport tuning parameters.
type Config struct {
	URL            string        // ws:// or wss:// endpoint
	AuthRetryDelay time.Duration // wait before re-sending a rejected authenticate
	AuthRetries    int           // retries after the first rejection
	WriteTimeout   time.Duration // per-frame write deadline
	PingInterval   time.Duration // application ping period, 0 disables
}

// DefaultConfig returns the default transport configuration for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:            url,
		AuthRetryDelay: 2 * time.Second,
		AuthRetries:    1,
		WriteTimeout:   5 * time.Second,
		PingInterval:   25 * time.Second,
	}
}

// TypingEvent reports that UserID started or stopped typing in ChatID.
type TypingEvent struct {
	ChatID   string
	UserID   string
	IsTyping bool
}

// ServerError is an error event pushed by the server.
type ServerError struct {
	Code    string
	Message string
	ChatID  string
}

func (e *ServerError) Error() string {
	if e.ChatID != "" {
		return fmt.Sprintf("server error %s (chat %s): %s", e.Code, e.ChatID, e.Message)
	}
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

// Client is a WebSocket chat transport. All methods are goroutine-safe.
// Handlers run on the read goroutine and should not block.
type Client struct {
	cfg  Config
	subs *Handlers

	mu        sync.Mutex
	session   Session
	conn      net.Conn
	done      chan struct{}
	status    Status
	joined    map[string]bool
	authFails int
	closed    bool

	writeMu sync.Mutex
}

// New creates a disconnected Client. Nothing is dialed until Connect.
func New(cfg Config, session Session) *Client {
	if cfg.AuthRetries < 0 {
		cfg.AuthRetries = 0
	}
	return &Client{
		cfg:     cfg,
		subs:    NewHandlers(),
		session: session,
		status:  StatusDisconnected,
		joined:  make(map[string]bool),
	}
}

// Connect dials the server and, when a session is set, authenticates. A
// missing user id or token is logged and the connection stays open but
// unauthenticated. Connect returns nil without dialing if the client is
// already connecting or connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.status != StatusDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.status = StatusConnecting
	c.mu.Unlock()
	c.subs.EmitStatus(StatusConnecting)

	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, c.cfg.URL)
	if err != nil {
		c.setStatus(StatusDisconnected)
		return fmt.Errorf("transport: dial %s: %w", c.cfg.URL, err)
	}

	// Frames sent together with the handshake response sit in br.
	var r io.Reader = conn
	if br != nil {
		r = br
	}

	done := make(chan struct{})
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		c.setStatus(StatusDisconnected)
		return ErrClosed
	}
	c.conn = conn
	c.done = done
	c.joined = make(map[string]bool)
	c.authFails = 0
	c.status = StatusConnected
	session := c.session
	c.mu.Unlock()

	log.Printf("[transport] connected to %s in %s", c.cfg.URL, time.Since(start).Round(time.Millisecond))
	c.subs.EmitStatus(StatusConnected)

	go c.readLoop(conn, r)
	if c.cfg.PingInterval > 0 {
		go c.pingLoop(conn, done)
	}

	if !session.Valid() {
		log.Printf("[transport] no user id or token, connection stays unauthenticated")
		return nil
	}
	if err := c.sendAuth(conn, session); err != nil {
		log.Printf("[transport] authenticate send failed: %v", err)
	}
	return nil
}

// Authenticate stores the session and sends it if a connection is open.
// Without a connection the session is used by the next Connect.
func (c *Client) Authenticate(userID, token string) error {
	session := Session{UserID: userID, Token: token}

	c.mu.Lock()
	c.session = session
	c.authFails = 0
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	if !session.Valid() {
		log.Printf("[transport] authenticate called without user id or token")
		return nil
	}
	return c.sendAuth(conn, session)
}

// JoinChat subscribes the connection to chatID's room. It is a no-op when
// the client is not authenticated and reports whether the room is joined.
func (c *Client) JoinChat(chatID string) bool {
	c.mu.Lock()
	if c.status != StatusAuthenticated {
		c.mu.Unlock()
		return false
	}
	if c.joined[chatID] {
		c.mu.Unlock()
		return true
	}
	c.joined[chatID] = true
	conn := c.conn
	c.mu.Unlock()

	if err := c.write(conn, protocol.TypeJoinChat, protocol.JoinChatMsg{ChatID: chatID}); err != nil {
		log.Printf("[transport] join_chat %s failed: %v", chatID, err)
		c.mu.Lock()
		if c.conn == conn {
			delete(c.joined, chatID)
		}
		c.mu.Unlock()
		return false
	}
	return true
}

// LeaveChat leaves chatID's room if it was joined.
func (c *Client) LeaveChat(chatID string) {
	c.mu.Lock()
	was := c.joined[chatID]
	delete(c.joined, chatID)
	conn := c.conn
	authed := c.status == StatusAuthenticated
	c.mu.Unlock()

	if !was || !authed {
		return
	}
	if err := c.write(conn, protocol.TypeLeaveChat, protocol.LeaveChatMsg{ChatID: chatID}); err != nil {
		log.Printf("[transport] leave_chat %s failed: %v", chatID, err)
	}
}

// SendMessage publishes a message. It returns true only if the client was
// authenticated and the frame was written; delivery is confirmed separately
// by the server's new_message echo.
func (c *Client) SendMessage(chatID, content, clientMessageID string) bool {
	conn := c.authedConn()
	if conn == nil {
		return false
	}
	err := c.write(conn, protocol.TypeSendMessage, protocol.SendMessageMsg{
		ChatID:    chatID,
		Message:   content,
		MessageID: clientMessageID,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		log.Printf("[transport] send_message %s failed: %v", chatID, err)
		return false
	}
	return true
}

// MarkAsRead reports that the user has read chatID up to messageID (the
// whole chat when empty).
func (c *Client) MarkAsRead(chatID, messageID string) {
	c.fire(protocol.TypeMarkRead, protocol.MarkReadMsg{ChatID: chatID, MessageID: messageID})
}

// StartTyping announces that the user is typing in chatID.
func (c *Client) StartTyping(chatID string) {
	c.fire(protocol.TypeTypingStart, protocol.TypingMsg{ChatID: chatID})
}

// StopTyping announces that the user stopped typing in chatID.
func (c *Client) StopTyping(chatID string) {
	c.fire(protocol.TypeTypingStop, protocol.TypingMsg{ChatID: chatID})
}

// OnMessage registers a handler for new messages in chatID. An empty chatID
// receives messages of every chat.
func (c *Client) OnMessage(chatID string, fn func(chat.Message)) Subscription {
	return c.subs.OnMessage(chatID, fn)
}

// OnTyping registers a handler for typing updates.
func (c *Client) OnTyping(fn func(TypingEvent)) Subscription {
	return c.subs.OnTyping(fn)
}

// OnRead registers a handler for read receipts.
func (c *Client) OnRead(fn func(chat.Receipt)) Subscription {
	return c.subs.OnRead(fn)
}

// OnError registers a handler for server error events.
func (c *Client) OnError(fn func(error)) Subscription {
	return c.subs.OnError(fn)
}

// OnConnection registers a status handler. fn is called synchronously with
// the current status before OnConnection returns, then on every transition.
func (c *Client) OnConnection(fn func(Status)) Subscription {
	sub := c.subs.OnStatus(fn)
	fn(c.Status())
	return sub
}

// Status returns the current connection status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Session returns the session the client authenticates with.
func (c *Client) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// JoinedChats returns the rooms joined on the current connection, sorted.
func (c *Client) JoinedChats() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.joined))
	for id := range c.joined {
		out = append(out, id)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

// Disconnect drops the current connection. The client can Connect again.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.drop(conn, nil)
	}
}

// Close drops the connection and makes further Connect calls fail. It is
// safe to call multiple times.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Disconnect()
	return nil
}

// readLoop reads frames until the connection fails, then reports the loss.
func (c *Client) readLoop(conn net.Conn, r io.Reader) {
	rw := struct {
		io.Reader
		io.Writer
	}{r, conn}

	for {
		data, op, err := wsutil.ReadServerData(rw)
		if err != nil {
			c.drop(conn, err)
			return
		}
		if op != ws.OpText {
			continue
		}
		c.dispatch(conn, data)
	}
}

func (c *Client) pingLoop(conn net.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.write(conn, protocol.TypePing, protocol.PingMsg{}); err != nil {
				return
			}
		}
	}
}

func (c *Client) dispatch(conn net.Conn, data []byte) {
	msgType, msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		log.Printf("[transport] dropping frame type=%q: %v", msgType, err)
		return
	}

	switch m := msg.(type) {
	case protocol.AuthenticatedMsg:
		c.handleAuthenticated(conn, m)
	case protocol.NewMessageMsg:
		cm := protocol.Normalize(m.WireMessage, time.Now())
		if cm.ID == "" || cm.ChatID == "" {
			log.Printf("[transport] dropping new_message without id or chat")
			return
		}
		c.subs.EmitMessage(cm)
	case protocol.TypingUpdateMsg:
		c.subs.EmitTyping(TypingEvent{ChatID: m.ChatID, UserID: m.UserID, IsTyping: m.IsTyping})
	case protocol.MessageReadMsg:
		c.subs.EmitRead(chat.Receipt{
			ChatID:    m.ChatID,
			MessageID: m.MessageID,
			ReaderID:  m.UserID,
			State:     chat.StatusRead,
			At:        m.ReadAt,
		})
	case protocol.ErrorMsg:
		c.subs.EmitError(&ServerError{Code: m.Code, Message: m.Message, ChatID: m.ChatID})
	case protocol.JoinedChatMsg, protocol.LeftChatMsg, protocol.PongMsg:
	default:
		log.Printf("[transport] unhandled event type=%s", msgType)
	}
}

// handleAuthenticated applies an authenticated ack. A rejection is retried
// AuthRetries times after AuthRetryDelay, then the client stays connected
// but unauthenticated.
func (c *Client) handleAuthenticated(conn net.Conn, m protocol.AuthenticatedMsg) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	if m.Success {
		c.status = StatusAuthenticated
		c.authFails = 0
		user := c.session.UserID
		c.mu.Unlock()
		log.Printf("[transport] authenticated user=%s", user)
		c.subs.EmitStatus(StatusAuthenticated)
		return
	}
	c.authFails++
	fails := c.authFails
	session := c.session
	c.mu.Unlock()

	if fails > c.cfg.AuthRetries {
		log.Printf("[transport] authentication rejected after %d attempts: %s", fails, m.Error)
		return
	}
	log.Printf("[transport] authentication rejected: %s, retrying in %s", m.Error, c.cfg.AuthRetryDelay)
	time.AfterFunc(c.cfg.AuthRetryDelay, func() {
		c.mu.Lock()
		current := c.conn == conn && c.status == StatusConnected
		c.mu.Unlock()
		if !current {
			return
		}
		if err := c.sendAuth(conn, session); err != nil {
			log.Printf("[transport] authenticate retry failed: %v", err)
		}
	})
}

func (c *Client) sendAuth(conn net.Conn, s Session) error {
	return c.write(conn, protocol.TypeAuthenticate, protocol.AuthenticateMsg{UserID: s.UserID, Token: s.Token})
}

// drop tears down conn if it is still the current connection and
// broadcasts the disconnect. Joined rooms are forgotten; the server drops
// them with the socket.
func (c *Client) drop(conn net.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	close(c.done)
	c.conn = nil
	c.done = nil
	c.joined = make(map[string]bool)
	c.status = StatusDisconnected
	c.mu.Unlock()

	conn.Close()
	if cause != nil {
		log.Printf("[transport] connection lost: %v", cause)
	}
	c.subs.EmitStatus(StatusDisconnected)
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	changed := c.status != s
	c.status = s
	c.mu.Unlock()
	if changed {
		c.subs.EmitStatus(s)
	}
}

func (c *Client) authedConn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusAuthenticated {
		return nil
	}
	return c.conn
}

// fire sends a best-effort event when authenticated.
func (c *Client) fire(msgType string, payload interface{}) {
	conn := c.authedConn()
	if conn == nil {
		return
	}
	if err := c.write(conn, msgType, payload); err != nil {
		log.Printf("[transport] %s failed: %v", msgType, err)
	}
}

// write encodes and sends one text frame. The write mutex serializes frames
// from handlers, the ping loop and auth retries.
func (c *Client) write(conn net.Conn, msgType string, payload interface{}) error {
	data, err := protocol.NewClientMessage(msgType, payload)
	if err != nil {
		return fmt.Errorf("transport: encode %s: %w", msgType, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		defer conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteClientMessage(conn, ws.OpText, data)
}
