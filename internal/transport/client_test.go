package transport

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/workdesk/chat-app/internal/chat"
	"github.com/workdesk/chat-app/internal/protocol"
)

// fakeServer speaks just enough of the chat protocol for client tests.
type fakeServer struct {
	srv *httptest.Server

	authAttempts atomic.Int32
	mu           sync.Mutex
	conns        []net.Conn
	joins        []string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.conns = append(fs.conns, conn)
		fs.mu.Unlock()
		go fs.serve(conn)
	}))
	t.Cleanup(func() {
		fs.dropAll()
		fs.srv.Close()
	})
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) dropAll() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, c := range fs.conns {
		c.Close()
	}
	fs.conns = nil
}

func (fs *fakeServer) joined() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.joins...)
}

func (fs *fakeServer) serve(conn net.Conn) {
	defer conn.Close()
	reply := func(msgType string, payload interface{}) {
		data, _ := protocol.NewServerMessage(msgType, payload)
		wsutil.WriteServerMessage(conn, ws.OpText, data)
	}

	for {
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		_, msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			reply(protocol.TypeError, protocol.ErrorMsg{Code: protocol.CodeParseError, Message: err.Error()})
			continue
		}

		switch m := msg.(type) {
		case protocol.AuthenticateMsg:
			fs.authAttempts.Add(1)
			if m.Token == "good" {
				reply(protocol.TypeAuthenticated, protocol.AuthenticatedMsg{Success: true, UserID: m.UserID})
			} else {
				reply(protocol.TypeAuthenticated, protocol.AuthenticatedMsg{Success: false, Error: "invalid token"})
			}
		case protocol.JoinChatMsg:
			fs.mu.Lock()
			fs.joins = append(fs.joins, m.ChatID)
			fs.mu.Unlock()
			reply(protocol.TypeJoinedChat, protocol.JoinedChatMsg{ChatID: m.ChatID})
		case protocol.SendMessageMsg:
			ts := m.Timestamp
			reply(protocol.TypeNewMessage, protocol.NewMessageMsg{WireMessage: protocol.WireMessage{
				ID:              "srv-" + m.MessageID,
				ChatID:          m.ChatID,
				SenderID:        "u1",
				Content:         m.Message,
				Timestamp:       &ts,
				Status:          "sent",
				ClientMessageID: m.MessageID,
			}})
		case protocol.TypingMsg:
			reply(protocol.TypeTypingUpdate, protocol.TypingUpdateMsg{ChatID: m.ChatID, UserID: "peer", IsTyping: true})
		case protocol.MarkReadMsg:
			reply(protocol.TypeMessageRead, protocol.MessageReadMsg{ChatID: m.ChatID, MessageID: m.MessageID, UserID: "peer", ReadAt: time.Now()})
		case protocol.PingMsg:
			reply(protocol.TypePong, protocol.PongMsg{})
		}
	}
}

func testConfig(url string) Config {
	cfg := DefaultConfig(url)
	cfg.AuthRetryDelay = 20 * time.Millisecond
	cfg.PingInterval = 0
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connectAuthed(t *testing.T, fs *fakeServer) *Client {
	t.Helper()
	c := New(testConfig(fs.url()), Session{UserID: "u1", Token: "good"})
	t.Cleanup(func() { c.Close() })
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "authenticated", func() bool { return c.Status() == StatusAuthenticated })
	return c
}

// ---------------------------------------------------------------------------
// Test: connection lifecycle
// ---------------------------------------------------------------------------

func TestConnectAuthenticates(t *testing.T) {
	fs := newFakeServer(t)
	c := New(testConfig(fs.url()), Session{UserID: "u1", Token: "good"})
	defer c.Close()

	var mu sync.Mutex
	var seen []Status
	c.OnConnection(func(s Status) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "authenticated", func() bool { return c.Status() == StatusAuthenticated })

	mu.Lock()
	defer mu.Unlock()
	want := []Status{StatusDisconnected, StatusConnecting, StatusConnected, StatusAuthenticated}
	if len(seen) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected transitions %v, got %v", want, seen)
		}
	}
}

func TestOnConnectionReplaysCurrentStatus(t *testing.T) {
	c := New(DefaultConfig("ws://127.0.0.1:1"), Session{})
	var got Status
	c.OnConnection(func(s Status) { got = s })
	if got != StatusDisconnected {
		t.Fatalf("expected synchronous replay of %q, got %q", StatusDisconnected, got)
	}
}

func TestConnectDialFailure(t *testing.T) {
	c := New(DefaultConfig("ws://127.0.0.1:1"), Session{UserID: "u1", Token: "good"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := c.Connect(ctx); err == nil {
		t.Fatal("expected dial error")
	}
	if c.Status() != StatusDisconnected {
		t.Fatalf("expected disconnected, got %q", c.Status())
	}
}

func TestMissingSessionStaysUnauthenticated(t *testing.T) {
	fs := newFakeServer(t)
	c := New(testConfig(fs.url()), Session{UserID: "u1"})
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.Status() != StatusConnected {
		t.Fatalf("expected connected, got %q", c.Status())
	}
	if c.JoinChat("c1") {
		t.Error("JoinChat must be a no-op when unauthenticated")
	}
	if c.SendMessage("c1", "hi", "tmp-1") {
		t.Error("SendMessage must report false when unauthenticated")
	}
	time.Sleep(50 * time.Millisecond)
	if n := fs.authAttempts.Load(); n != 0 {
		t.Errorf("expected no authenticate frames, got %d", n)
	}
}

func TestAuthRetryThenGiveUp(t *testing.T) {
	fs := newFakeServer(t)
	c := New(testConfig(fs.url()), Session{UserID: "u1", Token: "bad"})
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "auth retry", func() bool { return fs.authAttempts.Load() == 2 })

	time.Sleep(100 * time.Millisecond)
	if n := fs.authAttempts.Load(); n != 2 {
		t.Fatalf("expected exactly one retry (2 attempts), got %d", n)
	}
	if c.Status() != StatusConnected {
		t.Fatalf("expected connected after giving up, got %q", c.Status())
	}
}

func TestDisconnectBroadcastsAndForgetsRooms(t *testing.T) {
	fs := newFakeServer(t)
	c := connectAuthed(t, fs)

	if !c.JoinChat("c1") {
		t.Fatal("expected JoinChat to succeed")
	}
	waitFor(t, "server join", func() bool { return len(fs.joined()) == 1 })

	lost := make(chan struct{}, 1)
	c.OnConnection(func(s Status) {
		if s == StatusDisconnected {
			select {
			case lost <- struct{}{}:
			default:
			}
		}
	})

	fs.dropAll()
	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("expected disconnected broadcast")
	}
	if rooms := c.JoinedChats(); len(rooms) != 0 {
		t.Errorf("expected no joined rooms after disconnect, got %v", rooms)
	}
	if c.SendMessage("c1", "hi", "tmp-1") {
		t.Error("SendMessage must report false while disconnected")
	}
}

func TestCloseRejectsConnect(t *testing.T) {
	fs := newFakeServer(t)
	c := connectAuthed(t, fs)
	c.Close()

	if err := c.Connect(context.Background()); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Test: rooms and events
// ---------------------------------------------------------------------------

func TestJoinChatIsIdempotent(t *testing.T) {
	fs := newFakeServer(t)
	c := connectAuthed(t, fs)

	c.JoinChat("c1")
	c.JoinChat("c1")
	c.JoinChat("c2")
	waitFor(t, "server joins", func() bool { return len(fs.joined()) == 2 })

	time.Sleep(50 * time.Millisecond)
	if n := len(fs.joined()); n != 2 {
		t.Fatalf("expected 2 join frames, got %d", n)
	}
	if rooms := c.JoinedChats(); len(rooms) != 2 || rooms[0] != "c1" || rooms[1] != "c2" {
		t.Fatalf("unexpected joined rooms %v", rooms)
	}

	c.LeaveChat("c1")
	if rooms := c.JoinedChats(); len(rooms) != 1 || rooms[0] != "c2" {
		t.Fatalf("unexpected joined rooms after leave %v", rooms)
	}
}

func TestMessageSubscribers(t *testing.T) {
	fs := newFakeServer(t)
	c := connectAuthed(t, fs)

	kept := make(chan chat.Message, 1)
	all := make(chan chat.Message, 1)
	var removedCalls atomic.Int32

	c.OnMessage("c1", func(m chat.Message) { kept <- m })
	sub := c.OnMessage("c1", func(chat.Message) { removedCalls.Add(1) })
	c.OnMessage("", func(m chat.Message) { all <- m })
	c.OnMessage("c2", func(chat.Message) { t.Error("handler for another chat was called") })
	sub.Unsubscribe()
	sub.Unsubscribe()

	if !c.SendMessage("c1", "hello", "tmp-1") {
		t.Fatal("expected SendMessage to report true")
	}

	var m chat.Message
	select {
	case m = <-kept:
	case <-time.After(2 * time.Second):
		t.Fatal("expected echo")
	}
	if m.ID != "srv-tmp-1" || m.ClientID != "tmp-1" || m.Content != "hello" || m.Status != chat.StatusSent {
		t.Errorf("unexpected message %+v", m)
	}
	select {
	case <-all:
	case <-time.After(2 * time.Second):
		t.Fatal("expected wildcard handler to receive the echo")
	}
	if n := removedCalls.Load(); n != 0 {
		t.Errorf("unsubscribed handler called %d times", n)
	}
}

func TestTypingAndReadEvents(t *testing.T) {
	fs := newFakeServer(t)
	c := connectAuthed(t, fs)

	typing := make(chan TypingEvent, 1)
	reads := make(chan chat.Receipt, 1)
	c.OnTyping(func(ev TypingEvent) { typing <- ev })
	c.OnRead(func(r chat.Receipt) { reads <- r })

	c.StartTyping("c1")
	select {
	case ev := <-typing:
		if ev.ChatID != "c1" || ev.UserID != "peer" || !ev.IsTyping {
			t.Errorf("unexpected typing event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected typing update")
	}

	c.MarkAsRead("c1", "m-7")
	select {
	case r := <-reads:
		if r.ChatID != "c1" || r.MessageID != "m-7" || r.ReaderID != "peer" || r.State != chat.StatusRead {
			t.Errorf("unexpected receipt %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected read receipt")
	}
}

func TestHandlersUnsubscribeRemovesOnlyOne(t *testing.T) {
	h := NewHandlers()
	var got []string
	a := h.OnStatus(func(Status) { got = append(got, "a") })
	h.OnStatus(func(Status) { got = append(got, "b") })
	if h.Len() != 2 {
		t.Fatalf("expected 2 handlers, got %d", h.Len())
	}
	a.Unsubscribe()
	if h.Len() != 1 {
		t.Fatalf("expected 1 handler, got %d", h.Len())
	}
	h.EmitStatus(StatusConnected)
	if len(got) != 1 || got[0] != "b" {
		t.Fatalf("expected only b to run, got %v", got)
	}
	Subscription{}.Unsubscribe()
}
