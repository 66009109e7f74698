package chat

import (
	"sort"
	"sync"
	"unicode/utf8"
)

// previewChars is the rune length of a last-message preview.
const previewChars = 80

// seenPerChat bounds how many applied message ids are remembered per chat.
const seenPerChat = 256

// List holds the chat summaries shown in the chat list. Unread counts are
// only ever set from a REST fetch or reset by a local read; push events
// increment them optimistically.
type List struct {
	mu    sync.RWMutex
	chats map[string]*Chat
	seen  map[string]*seenIDs
}

// seenIDs remembers the most recent message ids applied to one chat.
type seenIDs struct {
	ids  map[string]struct{}
	ring []string
	next int
}

func (s *seenIDs) add(id string) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	if len(s.ring) < seenPerChat {
		s.ring = append(s.ring, id)
	} else {
		delete(s.ids, s.ring[s.next])
		s.ring[s.next] = id
		s.next = (s.next + 1) % seenPerChat
	}
	s.ids[id] = struct{}{}
	return true
}

// NewList creates an empty List.
func NewList() *List {
	return &List{chats: make(map[string]*Chat), seen: make(map[string]*seenIDs)}
}

// Replace swaps the whole list for a fresh fetch.
func (l *List) Replace(chats []Chat) {
	next := make(map[string]*Chat, len(chats))
	for i := range chats {
		c := chats[i]
		next[c.ID] = &c
	}
	l.mu.Lock()
	l.chats = next
	l.mu.Unlock()
}

// Upsert adds or replaces one chat.
func (l *List) Upsert(c Chat) {
	l.mu.Lock()
	l.chats[c.ID] = &c
	l.mu.Unlock()
}

// Get returns one chat.
func (l *List) Get(chatID string) (Chat, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.chats[chatID]
	if !ok {
		return Chat{}, false
	}
	return *c, true
}

// All returns every chat, most recent activity first.
func (l *List) All() []Chat {
	l.mu.RLock()
	out := make([]Chat, 0, len(l.chats))
	for _, c := range l.chats {
		out = append(out, *c)
	}
	l.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out
}

// MarkRead resets the chat's unread counter and returns the previous value.
func (l *List) MarkRead(chatID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.chats[chatID]
	if !ok {
		return 0
	}
	prev := c.UnreadCount
	c.UnreadCount = 0
	return prev
}

// SetUnread overwrites a chat's counter, used when REST reports a value.
func (l *List) SetUnread(chatID string, n int) {
	l.mu.Lock()
	if c, ok := l.chats[chatID]; ok {
		c.UnreadCount = n
	}
	l.mu.Unlock()
}

// ApplyIncoming updates the preview for a new message and bumps the unread
// counter when the message is from someone else and the chat is not the
// one being viewed. A message id already applied is skipped, so redelivered
// pushes count once. Unknown chats are ignored; the next list fetch adds them.
func (l *List) ApplyIncoming(m Message, selfID string, active bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.chats[m.ChatID]
	if !ok {
		return
	}
	if m.ID != "" {
		seen, ok := l.seen[m.ChatID]
		if !ok {
			seen = &seenIDs{ids: make(map[string]struct{})}
			l.seen[m.ChatID] = seen
		}
		if !seen.add(m.ID) {
			return
		}
	}
	if m.CreatedAt.Before(c.LastMessageAt) {
		return
	}
	c.LastMessage = preview(m.Content)
	c.LastMessageAt = m.CreatedAt
	if m.SenderID != selfID && !active {
		c.UnreadCount++
	}
}

// TotalUnread sums the unread counters.
func (l *List) TotalUnread() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, c := range l.chats {
		n += c.UnreadCount
	}
	return n
}

func preview(text string) string {
	if utf8.RuneCountInString(text) <= previewChars {
		return text
	}
	r := []rune(text)
	return string(r[:previewChars-1]) + "…"
}
