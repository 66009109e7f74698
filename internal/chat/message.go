// Package chat holds the client-side chat state: the message and chat
// models, the per-chat message cache that reconciles history, optimistic
// sends and push events, the chat list with unread counters, and the
// presentation grouping rules.
package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TempIDPrefix marks a client-generated message id that has not been
// confirmed by the server yet.
const TempIDPrefix = "tmp-"

// Status is the delivery state of a message.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// rank orders the forward states. failed sits outside the order.
func (s Status) rank() int {
	switch s {
	case StatusSending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return -1
	}
}

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	return s == StatusFailed || s.rank() >= 0
}

// CanTransition reports whether a message may move from one state to
// another. States only move forward, except sending -> failed and
// failed -> sending (retry). Staying in the same state is allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch {
	case from == StatusSending && to == StatusFailed:
		return true
	case from == StatusFailed:
		return to == StatusSending
	case to == StatusFailed:
		return false
	}
	return to.rank() > from.rank()
}

// Kind is the kind of a chat.
type Kind string

const (
	KindDirect       Kind = "direct"
	KindGroup        Kind = "group"
	KindAnnouncement Kind = "announcement"
)

// Message is one chat message as the client sees it.
type Message struct {
	ID         string
	ChatID     string
	SenderID   string
	SenderName string
	Content    string
	CreatedAt  time.Time
	Status     Status

	// ClientID is the temporary id the message was sent under. It stays set
	// after the server confirms the message so late echoes can be matched.
	ClientID string
}

// IsTemporary reports whether the message still carries a client id.
func (m Message) IsTemporary() bool {
	return IsTemporaryID(m.ID)
}

// Pending reports whether the message has not reached the server yet.
func (m Message) Pending() bool {
	return m.Status == StatusSending || m.Status == StatusFailed
}

// NewClientID returns a fresh temporary message id.
func NewClientID() string {
	return TempIDPrefix + uuid.NewString()
}

// IsTemporaryID reports whether id was generated by NewClientID.
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Chat is a conversation summary as shown in the chat list.
type Chat struct {
	ID            string
	Name          string
	Kind          Kind
	LastMessage   string
	LastMessageAt time.Time
	UnreadCount   int
	Participants  []string
}

// Receipt records that ReaderID has reached State for a message. An empty
// MessageID applies to the whole chat.
type Receipt struct {
	ChatID    string
	MessageID string
	ReaderID  string
	State     Status
	At        time.Time
}

// Presence is a participant's availability.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceAway    Presence = "away"
	PresenceOffline Presence = "offline"
)

// Participant is a user that can be messaged.
type Participant struct {
	ID       string
	Name     string
	Role     string
	Presence Presence
}
