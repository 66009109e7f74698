// Package typing tracks which users are currently typing in which chat.
// Entries expire on their own after TTL unless refreshed, so a client that
// disconnects mid-sentence never leaves a stale indicator behind.
package typing

import (
	"context"
	"time"
)

// TTL is how long a typing entry lives without a refresh.
const TTL = 2 * time.Second

// Store records (chat, user) typing entries with an absolute expiry.
// Implementations must be safe for concurrent use.
type Store interface {
	// SetTyping creates or refreshes the entry for userID in chatID.
	SetTyping(ctx context.Context, chatID, userID string) error
	// UnsetTyping removes the entry. Removing a missing entry is not an error.
	UnsetTyping(ctx context.Context, chatID, userID string) error
	// TypingUsers returns the users with a live entry in chatID, sorted.
	TypingUsers(ctx context.Context, chatID string) ([]string, error)
	IsUserTyping(ctx context.Context, chatID, userID string) (bool, error)
	// ClearChat drops every entry of chatID.
	ClearChat(ctx context.Context, chatID string) error
	// ClearUser drops every entry of userID, used when a socket goes away.
	ClearUser(ctx context.Context, userID string) error
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Redis)(nil)
)
