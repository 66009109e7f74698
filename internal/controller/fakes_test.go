package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/workdesk/chat-app/internal/chat"
	"github.com/workdesk/chat-app/internal/transport"
)

var errNetwork = errors.New("network unreachable")

// fakeBackend is the server side shared by fakeTransport and fakeAPI. Sends
// are deduplicated on client id like the real server does.
type fakeBackend struct {
	mu       sync.Mutex
	seq      int
	messages map[string][]chat.Message
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{messages: make(map[string][]chat.Message)}
}

func (b *fakeBackend) store(chatID, senderID, content, clientID string) chat.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.messages[chatID] {
		if clientID != "" && m.ClientID == clientID {
			return m
		}
	}
	b.seq++
	m := chat.Message{
		ID:        fmt.Sprintf("m-%d", b.seq),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: time.Now(),
		Status:    chat.StatusSent,
		ClientID:  clientID,
	}
	b.messages[chatID] = append(b.messages[chatID], m)
	return m
}

func (b *fakeBackend) count(chatID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages[chatID])
}

func (b *fakeBackend) page(chatID string) []chat.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]chat.Message(nil), b.messages[chatID]...)
}

// fakeTransport records calls and emits events through transport.Handlers.
type fakeTransport struct {
	*transport.Handlers
	backend *fakeBackend
	selfID  string

	mu         sync.Mutex
	status     transport.Status
	connectErr error
	readOnly   bool // connect without authenticating
	dropAfter  int  // connects that are closed right after the handshake
	echo       bool // echo published messages
	connects   int
	joins      []string
	leaves     []string
	published  []string
	reads      []string
	starts     []string
	stops      []string
}

func newFakeTransport(b *fakeBackend, selfID string) *fakeTransport {
	return &fakeTransport{
		Handlers: transport.NewHandlers(),
		backend:  b,
		selfID:   selfID,
		status:   transport.StatusDisconnected,
		echo:     true,
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	err := f.connectErr
	readOnly := f.readOnly
	drop := f.dropAfter > 0
	if drop {
		f.dropAfter--
	}
	f.mu.Unlock()

	if err != nil {
		return err
	}
	f.setStatus(transport.StatusConnected)
	if drop {
		f.setStatus(transport.StatusDisconnected)
		return nil
	}
	if !readOnly {
		f.setStatus(transport.StatusAuthenticated)
	}
	return nil
}

func (f *fakeTransport) setStatus(s transport.Status) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
	f.EmitStatus(s)
}

func (f *fakeTransport) setConnectErr(err error) {
	f.mu.Lock()
	f.connectErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) Status() transport.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeTransport) authed() bool {
	return f.Status() == transport.StatusAuthenticated
}

func (f *fakeTransport) JoinChat(chatID string) bool {
	if !f.authed() {
		return false
	}
	f.mu.Lock()
	f.joins = append(f.joins, chatID)
	f.mu.Unlock()
	return true
}

func (f *fakeTransport) LeaveChat(chatID string) {
	f.mu.Lock()
	f.leaves = append(f.leaves, chatID)
	f.mu.Unlock()
}

func (f *fakeTransport) SendMessage(chatID, content, clientMessageID string) bool {
	if !f.authed() {
		return false
	}
	f.mu.Lock()
	f.published = append(f.published, clientMessageID)
	echo := f.echo
	f.mu.Unlock()

	if echo {
		f.EmitMessage(f.backend.store(chatID, f.selfID, content, clientMessageID))
	}
	return true
}

func (f *fakeTransport) MarkAsRead(chatID, messageID string) {
	f.mu.Lock()
	f.reads = append(f.reads, chatID+"/"+messageID)
	f.mu.Unlock()
}

func (f *fakeTransport) StartTyping(chatID string) {
	f.mu.Lock()
	f.starts = append(f.starts, chatID)
	f.mu.Unlock()
}

func (f *fakeTransport) StopTyping(chatID string) {
	f.mu.Lock()
	f.stops = append(f.stops, chatID)
	f.mu.Unlock()
}

func (f *fakeTransport) OnConnection(fn func(transport.Status)) transport.Subscription {
	sub := f.OnStatus(fn)
	fn(f.Status())
	return sub
}

func (f *fakeTransport) snapshot() (joins, leaves, published, starts, stops []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := func(s []string) []string { return append([]string(nil), s...) }
	return cp(f.joins), cp(f.leaves), cp(f.published), cp(f.starts), cp(f.stops)
}

// fakeAPI serves REST calls from the backend.
type fakeAPI struct {
	backend *fakeBackend
	selfID  string

	mu           sync.Mutex
	chats        []chat.Chat
	sendErr      error
	sends        []string
	historyGate  map[string]chan struct{}
	historyCalls chan string
	markGate     chan struct{}
	markCalls    chan string
	roster       []chat.Participant
}

func newFakeAPI(b *fakeBackend, selfID string) *fakeAPI {
	return &fakeAPI{
		backend:      b,
		selfID:       selfID,
		historyGate:  make(map[string]chan struct{}),
		historyCalls: make(chan string, 16),
		markCalls:    make(chan string, 16),
	}
}

func (a *fakeAPI) setSendErr(err error) {
	a.mu.Lock()
	a.sendErr = err
	a.mu.Unlock()
}

func (a *fakeAPI) ListChats(ctx context.Context) ([]chat.Chat, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]chat.Chat(nil), a.chats...), nil
}

func (a *fakeAPI) History(ctx context.Context, chatID string, limit int) ([]chat.Message, error) {
	a.mu.Lock()
	gate := a.historyGate[chatID]
	a.mu.Unlock()

	select {
	case a.historyCalls <- chatID:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return a.backend.page(chatID), nil
}

func (a *fakeAPI) Send(ctx context.Context, chatID, text, clientMessageID string) (chat.Message, error) {
	a.mu.Lock()
	err := a.sendErr
	a.sends = append(a.sends, clientMessageID)
	a.mu.Unlock()
	if err != nil {
		return chat.Message{}, err
	}
	return a.backend.store(chatID, a.selfID, text, clientMessageID), nil
}

func (a *fakeAPI) sendCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sends)
}

func (a *fakeAPI) MarkRead(ctx context.Context, chatID string) (int, error) {
	a.mu.Lock()
	gate := a.markGate
	a.mu.Unlock()

	select {
	case a.markCalls <- chatID:
	default:
	}
	if gate != nil {
		<-gate
	}
	return 0, nil
}

func (a *fakeAPI) OpenDirect(ctx context.Context, recipientID string) (chat.Chat, error) {
	return chat.Chat{ID: "dm-" + recipientID, Name: recipientID, Kind: chat.KindDirect}, nil
}

func (a *fakeAPI) Roster(ctx context.Context) ([]chat.Participant, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.roster, nil
}
