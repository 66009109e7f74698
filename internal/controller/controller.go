// Package controller is the chat session controller of the client core. It
// owns the active chat and its room subscription, feeds the message cache
// from REST history and push events, runs the send pipeline (optimistic
// insert, WebSocket publish, REST confirmation, retry) and drives
// reconnection with bounded backoff.
package controller

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/workdesk/chat-app/internal/chat"
	"github.com/workdesk/chat-app/internal/transport"
	"github.com/workdesk/chat-app/internal/typing"
)

var (
	// ErrStale is returned by LoadMessages when the chat stopped being the
	// active one while the fetch was in flight. The response is discarded.
	ErrStale = errors.New("controller: stale fetch discarded")

	// ErrNotRetriable is returned by Retry for a message that is not failed.
	ErrNotRetriable = errors.New("controller: message is not failed")

	ErrClosed = errors.New("controller: closed")
)

// Transport is the push channel the controller drives.
// *transport.Client satisfies it.
type Transport interface {
	Connect(ctx context.Context) error
	Status() transport.Status
	JoinChat(chatID string) bool
	LeaveChat(chatID string)
	SendMessage(chatID, content, clientMessageID string) bool
	MarkAsRead(chatID, messageID string)
	StartTyping(chatID string)
	StopTyping(chatID string)
	OnMessage(chatID string, fn func(chat.Message)) transport.Subscription
	OnTyping(fn func(transport.TypingEvent)) transport.Subscription
	OnRead(fn func(chat.Receipt)) transport.Subscription
	OnConnection(fn func(transport.Status)) transport.Subscription
}

// API is the durable REST path. *api.Client satisfies it.
type API interface {
	ListChats(ctx context.Context) ([]chat.Chat, error)
	History(ctx context.Context, chatID string, limit int) ([]chat.Message, error)
	Send(ctx context.Context, chatID, text, clientMessageID string) (chat.Message, error)
	MarkRead(ctx context.Context, chatID string) (int, error)
	OpenDirect(ctx context.Context, recipientID string) (chat.Chat, error)
	Roster(ctx context.Context) ([]chat.Participant, error)
}

// Config holds controller tuning parameters.
type Config struct {
	HistoryLimit  int               // messages per history fetch
	AckTimeout    time.Duration     // wait for the push echo before confirming over REST
	TypingIdle    time.Duration     // auto typing_stop after this much inactivity
	TypingRefresh time.Duration     // minimum gap between two typing_start frames
	Backoff       transport.Backoff // reconnect policy
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		HistoryLimit:  50,
		AckTimeout:    5 * time.Second,
		TypingIdle:    2 * time.Second,
		TypingRefresh: 1500 * time.Millisecond,
		Backoff:       transport.DefaultBackoff(),
	}
}

// ConnectionState is the connectivity the UI shows.
type ConnectionState string

const (
	StateOffline      ConnectionState = "offline"      // not started, or reconnect gave up
	StateConnecting   ConnectionState = "connecting"   // first connect in progress
	StateReadOnly     ConnectionState = "read_only"    // connected but not authenticated
	StateOnline       ConnectionState = "online"       // authenticated
	StateReconnecting ConnectionState = "reconnecting" // lost, backoff in progress
)

// EventKind says which part of the state changed.
type EventKind string

const (
	EventChats      EventKind = "chats"
	EventMessages   EventKind = "messages"
	EventTyping     EventKind = "typing"
	EventConnection EventKind = "connection"
)

// Event is delivered to the listener after a state change.
type Event struct {
	Kind   EventKind
	ChatID string
}

// Controller coordinates the transport, the REST API, the message cache and
// the typing store for one signed-in user. All methods are goroutine-safe.
type Controller struct {
	cfg    Config
	tr     Transport
	api    API
	selfID string

	cache  *chat.Cache
	list   *chat.List
	typing *typing.Memory

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	active       string
	gen          uint64
	sub          *subscription
	roster       map[string]chat.Participant
	state        ConnectionState
	started      bool
	closed       bool
	reconnecting bool
	acks         map[string]chan chat.Message // client id -> echo
	outbox       map[string]string            // client id -> chat id
	typingOut    map[string]*typingState
	listener     func(Event)
	global       []transport.Subscription
}

// New creates a controller for selfID. Nothing touches the network until
// Start.
func New(cfg Config, tr Transport, api API, selfID string) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:       cfg,
		tr:        tr,
		api:       api,
		selfID:    selfID,
		cache:     chat.NewCache(),
		list:      chat.NewList(),
		typing:    typing.NewMemory(typing.TTL),
		ctx:       ctx,
		cancel:    cancel,
		roster:    make(map[string]chat.Participant),
		state:     StateOffline,
		acks:      make(map[string]chan chat.Message),
		outbox:    make(map[string]string),
		typingOut: make(map[string]*typingState),
	}

	c.global = []transport.Subscription{
		tr.OnMessage("", c.handleAnyMessage),
		tr.OnTyping(c.handleTyping),
		tr.OnRead(c.handleRead),
		tr.OnConnection(c.handleStatus),
	}
	return c
}

// OnChange sets the listener called after every state change. It runs on
// the goroutine that caused the change and must not block.
func (c *Controller) OnChange(fn func(Event)) {
	c.mu.Lock()
	c.listener = fn
	c.mu.Unlock()
}

// Start opens the transport. A failed first connect is returned and also
// handed to the reconnect loop.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.started = true
	c.mu.Unlock()

	if err := c.tr.Connect(ctx); err != nil {
		log.Printf("[controller] connect failed: %v", err)
		c.reconnect()
		return err
	}
	return nil
}

// Reconnect restarts the reconnect loop after it gave up.
func (c *Controller) Reconnect() {
	c.reconnect()
}

// LoadChats fetches the chat list over REST and replaces the local list.
func (c *Controller) LoadChats(ctx context.Context) ([]chat.Chat, error) {
	chats, err := c.api.ListChats(ctx)
	if err != nil {
		return nil, err
	}
	c.list.Replace(chats)
	c.notify(Event{Kind: EventChats})
	return c.list.All(), nil
}

// LoadRoster fetches the people the user can message.
func (c *Controller) LoadRoster(ctx context.Context) ([]chat.Participant, error) {
	people, err := c.api.Roster(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.roster = make(map[string]chat.Participant, len(people))
	for _, p := range people {
		c.roster[p.ID] = p
	}
	c.mu.Unlock()
	return people, nil
}

// SelectChat makes chatID the active chat: the previous subscription is
// abandoned, the new room is joined and history is loaded. A successful
// load also marks the chat read.
func (c *Controller) SelectChat(ctx context.Context, chatID string) ([]chat.Message, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	prev := c.sub
	c.active = chatID
	c.gen++
	c.sub = nil
	c.mu.Unlock()

	if prev != nil {
		c.StopTyping(prev.chatID)
		c.abandon(prev)
	}
	c.subscribe(chatID)

	msgs, err := c.LoadMessages(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if err := c.MarkRead(ctx, chatID); err != nil {
		log.Printf("[controller] mark read %s: %v", chatID, err)
	}
	return msgs, nil
}

// ActiveChat returns the id of the selected chat.
func (c *Controller) ActiveChat() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// LoadMessages fetches history for chatID and merges it into the cache. The
// request is tagged with the chat id and the selection generation; if the
// user switched chats before it returned, the response is dropped and
// ErrStale is returned.
func (c *Controller) LoadMessages(ctx context.Context, chatID string) ([]chat.Message, error) {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	msgs, err := c.api.History(ctx, chatID, c.cfg.HistoryLimit)

	c.mu.Lock()
	stale := c.active != chatID || c.gen != gen
	c.mu.Unlock()
	if stale {
		log.Printf("[controller] discarding history for %s (no longer active)", chatID)
		return nil, ErrStale
	}
	if err != nil {
		return nil, err
	}

	c.cache.IngestHistory(chatID, msgs)
	c.notify(Event{Kind: EventMessages, ChatID: chatID})
	return c.cache.Messages(chatID), nil
}

// Messages returns the cached messages of chatID in display order.
func (c *Controller) Messages(chatID string) []chat.Message {
	return c.cache.Messages(chatID)
}

// Chats returns the chat list, most recent first.
func (c *Controller) Chats() []chat.Chat {
	return c.list.All()
}

// MarkRead resets the unread counter right away, then reports the read over
// both the transport and REST. The counter REST returns wins.
func (c *Controller) MarkRead(ctx context.Context, chatID string) error {
	c.list.MarkRead(chatID)
	c.notify(Event{Kind: EventChats, ChatID: chatID})

	var lastID string
	if last, ok := c.cache.Last(chatID); ok {
		lastID = last.ID
	}
	c.tr.MarkAsRead(chatID, lastID)

	n, err := c.api.MarkRead(ctx, chatID)
	if err != nil {
		return err
	}
	c.list.SetUnread(chatID, n)
	if n != 0 {
		c.notify(Event{Kind: EventChats, ChatID: chatID})
	}
	return nil
}

// OpenDirect opens (creating if needed) the direct chat with userID and
// selects it.
func (c *Controller) OpenDirect(ctx context.Context, userID string) (chat.Chat, error) {
	ch, err := c.api.OpenDirect(ctx, userID)
	if err != nil {
		return chat.Chat{}, err
	}
	if _, ok := c.list.Get(ch.ID); !ok {
		c.list.Upsert(ch)
		c.notify(Event{Kind: EventChats, ChatID: ch.ID})
	}
	if _, err := c.SelectChat(ctx, ch.ID); err != nil && !errors.Is(err, ErrStale) {
		return ch, err
	}
	return ch, nil
}

// TypingUsers returns the other users typing in chatID.
func (c *Controller) TypingUsers(chatID string) []string {
	users, _ := c.typing.TypingUsers(c.ctx, chatID)
	return users
}

// Presence returns what the UI should show for userID. Everyone is offline
// while this client itself is not online.
func (c *Controller) Presence(userID string) chat.Presence {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOnline {
		return chat.PresenceOffline
	}
	if p, ok := c.roster[userID]; ok && p.Presence != "" {
		return p.Presence
	}
	return chat.PresenceOffline
}

// ConnectionState returns the current connectivity.
func (c *Controller) ConnectionState() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SubscriptionState returns the state of the active chat's subscription, or
// SubIdle if chatID is not active.
func (c *Controller) SubscriptionState(chatID string) SubState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub == nil || c.sub.chatID != chatID {
		return SubIdle
	}
	return c.sub.state
}

// Close abandons the active subscription, stops background work and
// deregisters every handler. The transport is left to its owner.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sub := c.sub
	c.sub = nil
	global := c.global
	c.global = nil
	timers := c.typingOut
	c.typingOut = make(map[string]*typingState)
	c.state = StateOffline
	c.mu.Unlock()

	for chatID, ts := range timers {
		ts.timer.Stop()
		c.tr.StopTyping(chatID)
	}
	if sub != nil {
		c.abandon(sub)
	}
	for _, s := range global {
		s.Unsubscribe()
	}
	c.cancel()
	c.wg.Wait()
}

// Logout closes the controller and drops every cached chat and message.
func (c *Controller) Logout() {
	c.Close()
	c.cache.Clear()
	c.list.Replace(nil)
}

// handleStatus maps transport transitions onto the connection state and
// the subscription state machine.
func (c *Controller) handleStatus(s transport.Status) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	var resume bool
	switch s {
	case transport.StatusDisconnected:
		if !c.started {
			c.state = StateOffline
			break
		}
		if c.sub != nil && c.sub.state != SubAbandoned {
			c.sub.state = SubDisconnected
		}
		if !c.reconnecting {
			c.state = StateReconnecting
			c.mu.Unlock()
			c.reconnect()
			c.notify(Event{Kind: EventConnection})
			return
		}
	case transport.StatusConnecting:
		if !c.reconnecting {
			c.state = StateConnecting
		}
	case transport.StatusConnected:
		c.state = StateReadOnly
	case transport.StatusAuthenticated:
		c.state = StateOnline
		resume = true
	}
	c.mu.Unlock()

	if resume {
		c.resume()
	}
	c.notify(Event{Kind: EventConnection})
}

// resume runs once the transport is authenticated: the active room is
// (re)joined, missed history is fetched and queued sends are flushed.
func (c *Controller) resume() {
	c.mu.Lock()
	active := c.active
	sub := c.sub
	pending := make(map[string]string, len(c.outbox))
	for id, chatID := range c.outbox {
		pending[id] = chatID
	}
	c.outbox = make(map[string]string)
	c.mu.Unlock()

	if active != "" {
		if sub == nil || sub.state == SubAbandoned {
			c.subscribe(active)
		} else {
			c.join(sub)
		}
		c.background(func() {
			if _, err := c.LoadMessages(c.ctx, active); err != nil && !errors.Is(err, ErrStale) {
				log.Printf("[controller] reload %s after reconnect: %v", active, err)
			}
		})
	}

	for clientID, chatID := range pending {
		m, ok := c.cache.Message(chatID, clientID)
		if !ok || m.Status != chat.StatusSending {
			continue
		}
		c.startDelivery(m)
	}
}

// reconnect runs the backoff loop unless one is already running. When every
// attempt fails the subscription is abandoned, queued sends are marked
// failed and the state becomes offline.
func (c *Controller) reconnect() {
	c.mu.Lock()
	if c.reconnecting || c.closed {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.state = StateReconnecting
	if c.sub != nil && c.sub.state != SubAbandoned {
		c.sub.state = SubRetrying
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		err := c.retryConnect()

		c.mu.Lock()
		c.reconnecting = false
		if c.closed {
			c.mu.Unlock()
			return
		}
		if err == nil {
			c.mu.Unlock()
			// A drop reported while this loop was finishing was not acted on.
			if c.tr.Status() == transport.StatusDisconnected {
				c.reconnect()
				c.notify(Event{Kind: EventConnection})
			}
			return
		}
		c.state = StateOffline
		sub := c.sub
		failed := c.outbox
		c.outbox = make(map[string]string)
		c.mu.Unlock()

		log.Printf("[controller] giving up reconnecting: %v", err)
		if sub != nil {
			c.abandon(sub)
		}
		for clientID, chatID := range failed {
			if c.cache.MarkFailed(chatID, clientID) {
				c.notify(Event{Kind: EventMessages, ChatID: chatID})
			}
		}
		c.notify(Event{Kind: EventConnection})
	}()
}

func (c *Controller) retryConnect() error {
	policy := c.cfg.Backoff.Policy(c.ctx)
	attempt := 0
	for {
		d := policy.NextBackOff()
		if d == backoff.Stop {
			if err := c.ctx.Err(); err != nil {
				return err
			}
			return errors.New("reconnect attempts exhausted")
		}
		attempt++

		t := time.NewTimer(d)
		select {
		case <-c.ctx.Done():
			t.Stop()
			return c.ctx.Err()
		case <-t.C:
		}

		err := c.tr.Connect(c.ctx)
		if err == nil {
			log.Printf("[controller] reconnected after %d attempts", attempt)
			return nil
		}
		log.Printf("[controller] reconnect attempt %d failed: %v", attempt, err)
	}
}

func (c *Controller) handleAnyMessage(m chat.Message) {
	c.mu.Lock()
	active := c.active == m.ChatID
	ack := c.acks[m.ClientID]
	c.mu.Unlock()

	if ack != nil {
		select {
		case ack <- m:
		default:
		}
	}
	c.list.ApplyIncoming(m, c.selfID, active)
	c.notify(Event{Kind: EventChats, ChatID: m.ChatID})
}

func (c *Controller) handleTyping(ev transport.TypingEvent) {
	if ev.UserID == c.selfID {
		return
	}
	if ev.IsTyping {
		c.typing.SetTyping(c.ctx, ev.ChatID, ev.UserID)
	} else {
		c.typing.UnsetTyping(c.ctx, ev.ChatID, ev.UserID)
	}
	c.notify(Event{Kind: EventTyping, ChatID: ev.ChatID})
}

func (c *Controller) handleRead(r chat.Receipt) {
	if r.ReaderID == c.selfID {
		// Read on another device.
		c.list.SetUnread(r.ChatID, 0)
		c.notify(Event{Kind: EventChats, ChatID: r.ChatID})
		return
	}
	if c.cache.ApplyReceipt(r.ChatID, r) > 0 {
		c.notify(Event{Kind: EventMessages, ChatID: r.ChatID})
	}
}

// background runs fn on a goroutine tracked by Close, unless the controller
// is already closed.
func (c *Controller) background(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		fn()
	}()
}

func (c *Controller) notify(ev Event) {
	c.mu.Lock()
	fn := c.listener
	c.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}
