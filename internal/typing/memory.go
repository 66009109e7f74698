package typing

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is the in-process Store used by the client core. Expired entries
// are never returned and are pruned lazily on access.
type Memory struct {
	mu    sync.Mutex
	ttl   time.Duration
	chats map[string]map[string]time.Time // chatID -> userID -> expiry
	now   func() time.Time
}

// NewMemory creates an empty Memory store. A non-positive ttl means TTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = TTL
	}
	return &Memory{
		ttl:   ttl,
		chats: make(map[string]map[string]time.Time),
		now:   time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) SetTyping(_ context.Context, chatID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	users, ok := m.chats[chatID]
	if !ok {
		users = make(map[string]time.Time)
		m.chats[chatID] = users
	}
	users[userID] = m.now().Add(m.ttl)
	return nil
}

func (m *Memory) UnsetTyping(_ context.Context, chatID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if users, ok := m.chats[chatID]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(m.chats, chatID)
		}
	}
	return nil
}

func (m *Memory) TypingUsers(_ context.Context, chatID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	users := m.prune(chatID)
	out := make([]string, 0, len(users))
	for id := range users {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) IsUserTyping(_ context.Context, chatID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.prune(chatID)[userID]
	return ok, nil
}

func (m *Memory) ClearChat(_ context.Context, chatID string) error {
	m.mu.Lock()
	delete(m.chats, chatID)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ClearUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for chatID, users := range m.chats {
		delete(users, userID)
		if len(users) == 0 {
			delete(m.chats, chatID)
		}
	}
	return nil
}

// prune drops expired entries of chatID and returns what is left. Caller
// holds m.mu.
func (m *Memory) prune(chatID string) map[string]time.Time {
	users, ok := m.chats[chatID]
	if !ok {
		return nil
	}
	now := m.now()
	for id, exp := range users {
		if !exp.After(now) {
			delete(users, id)
		}
	}
	if len(users) == 0 {
		delete(m.chats, chatID)
		return nil
	}
	return users
}
