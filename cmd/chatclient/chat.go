package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/workdesk/chat-app/internal/api"
	"github.com/workdesk/chat-app/internal/chat"
	"github.com/workdesk/chat-app/internal/controller"
	"github.com/workdesk/chat-app/internal/localstore"
	"github.com/workdesk/chat-app/internal/transport"
)

const helpText = `Commands:
  /chats            list chats
  /people           list people you can message
  /open <chatId>    switch to a chat
  /dm <userId>      open a direct chat
  /retry <id>       resend a failed message
  /quit             exit
Anything else is sent to the open chat.`

// printer writes chat state changes to the terminal, each message once per
// status.
type printer struct {
	ctl    *controller.Controller
	selfID string

	mu      sync.Mutex
	printed map[string]chat.Status
	typing  string
	conn    controller.ConnectionState
}

func (p *printer) onChange(ev controller.Event) {
	switch ev.Kind {
	case controller.EventMessages:
		if ev.ChatID == p.ctl.ActiveChat() {
			p.printMessages(ev.ChatID)
		}
	case controller.EventTyping:
		if ev.ChatID == p.ctl.ActiveChat() {
			p.printTyping(ev.ChatID)
		}
	case controller.EventConnection:
		p.printConnection()
	}
}

func (p *printer) printMessages(chatID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.ctl.Messages(chatID) {
		key := m.ClientID
		if key == "" {
			key = m.ID
		}
		if prev, ok := p.printed[key]; ok && prev == m.Status {
			continue
		}
		p.printed[key] = m.Status
		fmt.Println(formatMessage(m, p.selfID))
	}
}

func (p *printer) printTyping(chatID string) {
	users := p.ctl.TypingUsers(chatID)
	line := ""
	if len(users) > 0 {
		line = strings.Join(users, ", ") + " typing..."
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if line != p.typing && line != "" {
		fmt.Println("  " + line)
	}
	p.typing = line
}

func (p *printer) printConnection() {
	state := p.ctl.ConnectionState()
	p.mu.Lock()
	defer p.mu.Unlock()
	if state != p.conn {
		fmt.Printf("-- %s --\n", state)
	}
	p.conn = state
}

func (p *printer) reset() {
	p.mu.Lock()
	p.printed = make(map[string]chat.Status)
	p.typing = ""
	p.mu.Unlock()
}

func formatMessage(m chat.Message, selfID string) string {
	who := m.SenderName
	if who == "" {
		who = m.SenderID
	}
	if m.SenderID == selfID {
		who = "me"
	}
	mark := ""
	switch m.Status {
	case chat.StatusSending:
		mark = " (sending)"
	case chat.StatusFailed:
		mark = fmt.Sprintf(" (failed, /retry %s)", m.ClientID)
	case chat.StatusRead:
		mark = " (read)"
	}
	return fmt.Sprintf("[%s] %s: %s%s", m.CreatedAt.Local().Format("15:04"), who, m.Content, mark)
}

func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	storePath := fs.String("store", defaultStorePath(), "local credential store")
	server := fs.String("server", "http://localhost:8080", "chat server base URL")
	verbose := fs.Bool("v", false, "log transport activity")
	fs.Parse(args)

	if !*verbose {
		log.SetOutput(io.Discard)
	}

	ls := openStore(*storePath)
	defer ls.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess, err := ls.Session(ctx)
	if errors.Is(err, localstore.ErrNoSession) {
		fmt.Fprintln(os.Stderr, "not signed in, run 'chatclient login' first")
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "read session: %v\n", err)
		os.Exit(1)
	}

	base := strings.TrimRight(*server, "/")
	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/ws"
	tr := transport.New(transport.DefaultConfig(wsURL), sess)
	defer tr.Close()
	ctl := controller.New(controller.DefaultConfig(), tr, api.New(base, sess.Token, nil), sess.UserID)
	defer ctl.Close()

	p := &printer{ctl: ctl, selfID: sess.UserID, printed: make(map[string]chat.Status)}
	ctl.OnChange(p.onChange)

	if err := ctl.Start(ctx); err != nil {
		fmt.Printf("connect failed, retrying in the background: %v\n", err)
	}
	if _, err := ctl.LoadChats(ctx); err != nil {
		fmt.Printf("load chats: %v\n", err)
	}
	if _, err := ctl.LoadRoster(ctx); err != nil {
		fmt.Printf("load people: %v\n", err)
	}

	fmt.Printf("Signed in as %s. Type /help for commands.\n", sess.UserID)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !handleLine(ctx, ctl, p, strings.TrimSpace(line)) {
				return
			}
		}
	}
}

// handleLine runs one REPL command. It returns false to exit.
func handleLine(ctx context.Context, ctl *controller.Controller, p *printer, line string) bool {
	if line == "" {
		return true
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	switch cmd {
	case "/quit", "/exit":
		return false
	case "/help":
		fmt.Println(helpText)
	case "/chats":
		for _, c := range ctl.Chats() {
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			fmt.Printf("  %s  %-24s %s%s\n", c.ID, c.Name, c.LastMessage, unread)
		}
	case "/people":
		people, err := ctl.LoadRoster(reqCtx)
		if err != nil {
			fmt.Printf("load people: %v\n", err)
			break
		}
		for _, person := range people {
			fmt.Printf("  %s  %-24s %s\n", person.ID, person.Name, ctl.Presence(person.ID))
		}
	case "/open":
		if arg == "" {
			fmt.Println("usage: /open <chatId>")
			break
		}
		p.reset()
		if _, err := ctl.SelectChat(reqCtx, arg); err != nil && !errors.Is(err, controller.ErrStale) {
			fmt.Printf("open chat: %v\n", err)
		}
	case "/dm":
		if arg == "" {
			fmt.Println("usage: /dm <userId>")
			break
		}
		p.reset()
		c, err := ctl.OpenDirect(reqCtx, arg)
		if err != nil {
			fmt.Printf("open direct chat: %v\n", err)
			break
		}
		fmt.Printf("-- %s --\n", c.Name)
	case "/retry":
		if _, err := ctl.Retry(reqCtx, ctl.ActiveChat(), arg); err != nil {
			fmt.Printf("retry: %v\n", err)
		}
	default:
		chatID := ctl.ActiveChat()
		if chatID == "" {
			fmt.Println("open a chat first: /open <chatId> or /dm <userId>")
			break
		}
		if strings.HasPrefix(cmd, "/") {
			fmt.Println("unknown command, try /help")
			break
		}
		if _, err := ctl.SendMessage(reqCtx, chatID, line); err != nil {
			fmt.Printf("send: %v\n", err)
		}
	}
	return true
}
