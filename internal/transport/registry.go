package transport

import (
	"sort"
	"sync"

	"github.com/workdesk/chat-app/internal/chat"
)

// Subscription identifies one registered handler. The zero value is valid
// and unsubscribing it does nothing.
type Subscription struct {
	id uint64
	h  *Handlers
}

// Unsubscribe removes exactly the handler this subscription was returned
// for. It is safe to call more than once.
func (s Subscription) Unsubscribe() {
	if s.h != nil {
		s.h.remove(s.id)
	}
}

// handler holds one callback. Only one of the func fields is set.
type handler struct {
	id uint64

	// chatID filters message handlers; empty matches every chat.
	chatID    string
	onMessage func(chat.Message)
	onTyping  func(TypingEvent)
	onRead    func(chat.Receipt)
	onError   func(error)
	onStatus  func(Status)
}

// Handlers is a multi-subscriber event table keyed by subscription handle.
// Emit calls run handlers outside the lock in registration order, so a
// handler may subscribe or unsubscribe freely. The zero value is not usable;
// call NewHandlers.
type Handlers struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[uint64]handler
}

// NewHandlers creates an empty table.
func NewHandlers() *Handlers {
	return &Handlers{handlers: make(map[uint64]handler)}
}

// OnMessage registers fn for messages of chatID, or of every chat when
// chatID is empty.
func (h *Handlers) OnMessage(chatID string, fn func(chat.Message)) Subscription {
	return h.add(handler{chatID: chatID, onMessage: fn})
}

func (h *Handlers) OnTyping(fn func(TypingEvent)) Subscription {
	return h.add(handler{onTyping: fn})
}

func (h *Handlers) OnRead(fn func(chat.Receipt)) Subscription {
	return h.add(handler{onRead: fn})
}

func (h *Handlers) OnError(fn func(error)) Subscription {
	return h.add(handler{onError: fn})
}

// OnStatus registers fn for status transitions. Unlike
// Client.OnConnection it does not replay the current status.
func (h *Handlers) OnStatus(fn func(Status)) Subscription {
	return h.add(handler{onStatus: fn})
}

// Len returns the number of registered handlers.
func (h *Handlers) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.handlers)
}

func (h *Handlers) EmitMessage(m chat.Message) {
	for _, x := range h.snapshot() {
		if x.onMessage != nil && (x.chatID == "" || x.chatID == m.ChatID) {
			x.onMessage(m)
		}
	}
}

func (h *Handlers) EmitTyping(ev TypingEvent) {
	for _, x := range h.snapshot() {
		if x.onTyping != nil {
			x.onTyping(ev)
		}
	}
}

func (h *Handlers) EmitRead(r chat.Receipt) {
	for _, x := range h.snapshot() {
		if x.onRead != nil {
			x.onRead(r)
		}
	}
}

func (h *Handlers) EmitError(err error) {
	for _, x := range h.snapshot() {
		if x.onError != nil {
			x.onError(err)
		}
	}
}

func (h *Handlers) EmitStatus(s Status) {
	for _, x := range h.snapshot() {
		if x.onStatus != nil {
			x.onStatus(s)
		}
	}
}

func (h *Handlers) add(x handler) Subscription {
	h.mu.Lock()
	h.next++
	x.id = h.next
	h.handlers[x.id] = x
	h.mu.Unlock()
	return Subscription{id: x.id, h: h}
}

func (h *Handlers) remove(id uint64) {
	h.mu.Lock()
	delete(h.handlers, id)
	h.mu.Unlock()
}

func (h *Handlers) snapshot() []handler {
	h.mu.RLock()
	out := make([]handler, 0, len(h.handlers))
	for _, x := range h.handlers {
		out = append(out, x)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
