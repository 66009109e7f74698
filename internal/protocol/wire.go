package protocol

import (
	"time"

	"github.com/workdesk/chat-app/internal/chat"
)

// WireMessage is the canonical message schema used by both the REST history
// and send endpoints and the new_message push event.
type WireMessage struct {
	ID              string     `json:"id"`
	ChatID          string     `json:"chatId"`
	SenderID        string     `json:"senderId"`
	SenderName      string     `json:"senderName,omitempty"`
	Content         string     `json:"content"`
	Timestamp       *time.Time `json:"timestamp,omitempty"`
	SentAt          *time.Time `json:"sentAt,omitempty"`
	CreatedAt       *time.Time `json:"createdAt,omitempty"`
	Status          string     `json:"status,omitempty"`
	ClientMessageID string     `json:"clientMessageId,omitempty"`
}

// ChatSummary is one entry of GET /chat/list and the body of POST /chat/dm.
type ChatSummary struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Type          string     `json:"type"`
	LastMessage   string     `json:"lastMessage,omitempty"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	UnreadCount   int        `json:"unreadCount"`
	Participants  []string   `json:"participants,omitempty"`
}

// Employee is one roster entry of GET /employees/for-chat.
type Employee struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Role     string `json:"role,omitempty"`
	Presence string `json:"presence,omitempty"`
}

// SendRequest is the body of POST /chat/send.
type SendRequest struct {
	ChatID          string `json:"chatId"`
	Message         string `json:"message"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// DirectRequest is the body of POST /chat/dm.
type DirectRequest struct {
	RecipientID string `json:"recipientId"`
}

// GroupRequest is the body of POST /chat/group. Type defaults to group; the
// creator is always a member.
type GroupRequest struct {
	Name    string   `json:"name"`
	Type    string   `json:"type,omitempty"`
	Members []string `json:"members"`
}

// ReadResponse is the body returned by PATCH /chat/{chatId}/read.
type ReadResponse struct {
	ChatID      string `json:"chatId"`
	UnreadCount int    `json:"unreadCount"`
}

// HTTPError is the JSON error body of every non-2xx REST response.
type HTTPError struct {
	Error string `json:"error"`
}

// Normalize converts a wire message into the client model. The timestamp
// falls back from timestamp to sentAt to createdAt to now, and unknown or
// missing states become sent since the server only stores confirmed
// messages.
func Normalize(w WireMessage, now time.Time) chat.Message {
	ts := now
	switch {
	case w.Timestamp != nil && !w.Timestamp.IsZero():
		ts = *w.Timestamp
	case w.SentAt != nil && !w.SentAt.IsZero():
		ts = *w.SentAt
	case w.CreatedAt != nil && !w.CreatedAt.IsZero():
		ts = *w.CreatedAt
	}

	status := chat.Status(w.Status)
	if !status.Valid() || status == chat.StatusSending || status == chat.StatusFailed {
		status = chat.StatusSent
	}

	return chat.Message{
		ID:         w.ID,
		ChatID:     w.ChatID,
		SenderID:   w.SenderID,
		SenderName: w.SenderName,
		Content:    w.Content,
		CreatedAt:  ts,
		Status:     status,
		ClientID:   w.ClientMessageID,
	}
}

// NormalizeAll applies Normalize to a slice, dropping entries without an id.
func NormalizeAll(ws []WireMessage, now time.Time) []chat.Message {
	out := make([]chat.Message, 0, len(ws))
	for _, w := range ws {
		if w.ID == "" {
			continue
		}
		out = append(out, Normalize(w, now))
	}
	return out
}

// FromMessage is the inverse of Normalize, used by the server.
func FromMessage(m chat.Message) WireMessage {
	ts := m.CreatedAt
	return WireMessage{
		ID:              m.ID,
		ChatID:          m.ChatID,
		SenderID:        m.SenderID,
		SenderName:      m.SenderName,
		Content:         m.Content,
		Timestamp:       &ts,
		Status:          string(m.Status),
		ClientMessageID: m.ClientID,
	}
}

// ChatFromSummary converts a REST chat summary into the client model.
func ChatFromSummary(s ChatSummary) chat.Chat {
	c := chat.Chat{
		ID:           s.ID,
		Name:         s.Name,
		Kind:         chat.Kind(s.Type),
		LastMessage:  s.LastMessage,
		UnreadCount:  s.UnreadCount,
		Participants: s.Participants,
	}
	if s.LastMessageAt != nil {
		c.LastMessageAt = *s.LastMessageAt
	}
	if c.Kind == "" {
		c.Kind = chat.KindGroup
	}
	return c
}

// SummaryFromChat is the inverse of ChatFromSummary.
func SummaryFromChat(c chat.Chat) ChatSummary {
	s := ChatSummary{
		ID:           c.ID,
		Name:         c.Name,
		Type:         string(c.Kind),
		LastMessage:  c.LastMessage,
		UnreadCount:  c.UnreadCount,
		Participants: c.Participants,
	}
	if !c.LastMessageAt.IsZero() {
		t := c.LastMessageAt
		s.LastMessageAt = &t
	}
	return s
}

// ParticipantFromEmployee converts a roster entry. Unknown presence values
// become offline.
func ParticipantFromEmployee(e Employee) chat.Participant {
	p := chat.Participant{ID: e.ID, Name: e.Name, Role: e.Role, Presence: chat.Presence(e.Presence)}
	switch p.Presence {
	case chat.PresenceOnline, chat.PresenceAway:
	default:
		p.Presence = chat.PresenceOffline
	}
	return p
}
