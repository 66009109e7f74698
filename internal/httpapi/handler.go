// Package httpapi provides the REST endpoints of the chat server: chat list,
// history, send, mark-read, direct and group chat creation, and the
// employee roster.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/workdesk/chat-app/internal/chat"
	"github.com/workdesk/chat-app/internal/metrics"
	"github.com/workdesk/chat-app/internal/protocol"
	"github.com/workdesk/chat-app/internal/session"
	"github.com/workdesk/chat-app/internal/store"
)

// Store is the durable chat state behind the API.
type Store interface {
	ListChats(ctx context.Context, userID string) ([]chat.Chat, error)
	History(ctx context.Context, chatID, viewerID string, limit int) ([]chat.Message, error)
	SaveMessage(ctx context.Context, m chat.Message) (chat.Message, bool, error)
	MarkRead(ctx context.Context, chatID, userID, messageID string) (chat.Receipt, error)
	OpenDirect(ctx context.Context, userID, recipientID string) (chat.Chat, error)
	CreateChat(ctx context.Context, name string, kind chat.Kind, members []string) (chat.Chat, error)
	Roster(ctx context.Context, userID string) ([]chat.Participant, error)
}

// Publisher pushes REST-originated changes to connected sockets.
type Publisher interface {
	Deliver(ctx context.Context, m chat.Message) error
	PublishRead(rc chat.Receipt) error
}

// Presence reports and records employee activity.
type Presence interface {
	Presence(ctx context.Context, userIDs []string) (map[string]session.Status, error)
	Seen(ctx context.Context, userID string) error
}

// Handler serves the REST API.
type Handler struct {
	store     Store
	publisher Publisher
	presence  Presence // optional
}

// NewHandler creates a Handler.
func NewHandler(s Store, p Publisher, presence Presence) *Handler {
	return &Handler{store: s, publisher: p, presence: presence}
}

// Routes mounts the authenticated API on r.
func (h *Handler) Routes(r chi.Router, v Verifier, rps int) {
	r.Group(func(r chi.Router) {
		r.Use(Auth(v))
		r.Use(RateLimit(rps))
		r.Use(h.markSeen)

		r.Get("/chat/list", h.ListChats)
		r.Get("/chat/{chatId}/history", h.History)
		r.Post("/chat/send", h.Send)
		r.Patch("/chat/{chatId}/read", h.MarkRead)
		r.Post("/chat/dm", h.OpenDirect)
		r.Post("/chat/group", h.CreateGroup)
		r.Get("/employees/for-chat", h.Roster)
		r.Get("/employees", h.Roster)
	})
}

// ListChats handles GET /chat/list.
func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := h.store.ListChats(r.Context(), UserIDFromContext(r.Context()))
	if err != nil {
		h.fail(w, "list chats", err)
		return
	}
	out := make([]protocol.ChatSummary, 0, len(chats))
	for _, c := range chats {
		out = append(out, protocol.SummaryFromChat(c))
	}
	JSON(w, http.StatusOK, out)
}

// History handles GET /chat/{chatId}/history?limit=N.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r.URL.Query().Get("limit"))
	if !ok {
		Error(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(store.MaxHistoryLimit))
		return
	}

	msgs, err := h.store.History(r.Context(), chi.URLParam(r, "chatId"), UserIDFromContext(r.Context()), limit)
	if err != nil {
		h.fail(w, "history", err)
		return
	}
	out := make([]protocol.WireMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, protocol.FromMessage(m))
	}
	JSON(w, http.StatusOK, out)
}

// Send handles POST /chat/send. A repeated clientMessageId returns the
// message stored the first time with 200 and is not pushed to the room again.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var req protocol.SendRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ChatID == "" {
		Error(w, http.StatusBadRequest, "chatId is required")
		return
	}
	if err := chat.ValidateMessage(req.Message); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	saved, created, err := h.store.SaveMessage(r.Context(), chat.Message{
		ChatID:   req.ChatID,
		SenderID: UserIDFromContext(r.Context()),
		Content:  req.Message,
		ClientID: req.ClientMessageID,
	})
	if err != nil {
		h.fail(w, "send", err)
		return
	}
	if !created {
		metrics.MessagesTotal.WithLabelValues("duplicate").Inc()
		JSON(w, http.StatusOK, protocol.FromMessage(saved))
		return
	}
	metrics.MessagesTotal.WithLabelValues("sent").Inc()

	if err := h.publisher.Deliver(r.Context(), saved); err != nil {
		log.Printf("[httpapi] deliver message=%s: %v", saved.ID, err)
	}
	JSON(w, http.StatusCreated, protocol.FromMessage(saved))
}

// MarkRead handles PATCH /chat/{chatId}/read. Marking an already read chat
// succeeds the same way.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	rc, err := h.store.MarkRead(r.Context(), chatID, UserIDFromContext(r.Context()), "")
	if err != nil {
		h.fail(w, "mark read", err)
		return
	}
	if rc.MessageID != "" {
		if err := h.publisher.PublishRead(rc); err != nil {
			log.Printf("[httpapi] publish read chat=%s: %v", chatID, err)
		}
	}
	JSON(w, http.StatusOK, protocol.ReadResponse{ChatID: chatID, UnreadCount: 0})
}

// OpenDirect handles POST /chat/dm.
func (h *Handler) OpenDirect(w http.ResponseWriter, r *http.Request) {
	var req protocol.DirectRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := h.store.OpenDirect(r.Context(), UserIDFromContext(r.Context()), req.RecipientID)
	if err != nil {
		h.fail(w, "open direct", err)
		return
	}
	JSON(w, http.StatusOK, protocol.SummaryFromChat(c))
}

// CreateGroup handles POST /chat/group.
func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req protocol.GroupRequest
	if !decode(w, r, &req) {
		return
	}
	kind := chat.Kind(req.Type)
	if kind == "" {
		kind = chat.KindGroup
	}

	userID := UserIDFromContext(r.Context())
	members := []string{userID}
	for _, id := range req.Members {
		if id = strings.TrimSpace(id); id != "" && id != userID {
			members = append(members, id)
		}
	}

	c, err := h.store.CreateChat(r.Context(), strings.TrimSpace(req.Name), kind, members)
	if err != nil {
		h.fail(w, "create group", err)
		return
	}
	JSON(w, http.StatusCreated, protocol.SummaryFromChat(c))
}

// Roster handles GET /employees/for-chat and GET /employees.
func (h *Handler) Roster(w http.ResponseWriter, r *http.Request) {
	people, err := h.store.Roster(r.Context(), UserIDFromContext(r.Context()))
	if err != nil {
		h.fail(w, "roster", err)
		return
	}

	var presence map[string]session.Status
	if h.presence != nil && len(people) > 0 {
		ids := make([]string, len(people))
		for i, p := range people {
			ids[i] = p.ID
		}
		presence, err = h.presence.Presence(r.Context(), ids)
		if err != nil {
			log.Printf("[httpapi] presence lookup: %v", err)
		}
	}

	out := make([]protocol.Employee, 0, len(people))
	for _, p := range people {
		status := session.Offline
		if s, ok := presence[p.ID]; ok {
			status = s
		}
		out = append(out, protocol.Employee{ID: p.ID, Name: p.Name, Role: p.Role, Presence: string(status)})
	}
	JSON(w, http.StatusOK, out)
}

// markSeen records API activity as presence.
func (h *Handler) markSeen(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.presence != nil {
			ctx, cancel := context.WithTimeout(r.Context(), time.Second)
			if err := h.presence.Seen(ctx, UserIDFromContext(r.Context())); err != nil {
				log.Printf("[httpapi] mark seen: %v", err)
			}
			cancel()
		}
		next.ServeHTTP(w, r)
	})
}

// fail maps store errors to status codes.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		Error(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrNotMember):
		Error(w, http.StatusForbidden, "not a member of this chat")
	case errors.Is(err, store.ErrInvalid):
		Error(w, http.StatusBadRequest, "invalid request")
	default:
		log.Printf("[httpapi] %s: %v", op, err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

// parseLimit accepts an empty value (default) or an integer in
// [1, store.MaxHistoryLimit].
func parseLimit(raw string) (int, bool) {
	if raw == "" {
		return store.DefaultHistoryLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > store.MaxHistoryLimit {
		return 0, false
	}
	return n, true
}

// maxBody caps request bodies.
const maxBody = 64 << 10

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[httpapi] encode response: %v", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, protocol.HTTPError{Error: message})
}
