package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/workdesk/chat-app/internal/chat"
	"github.com/workdesk/chat-app/internal/protocol"
)

func newTestServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL, "tok", srv.Client())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestListChats(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/list" || r.Method != http.MethodGet {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("expected bearer token, got %q", got)
		}
		writeJSON(w, http.StatusOK, []protocol.ChatSummary{
			{ID: "c1", Name: "Ops", Type: "group", UnreadCount: 2},
			{ID: "", Name: "broken"},
			{ID: "c2", Name: "Ann", Type: "direct"},
		})
	})

	chats, err := c.ListChats(context.Background())
	if err != nil {
		t.Fatalf("ListChats: %v", err)
	}
	if len(chats) != 2 {
		t.Fatalf("expected 2 chats, got %d", len(chats))
	}
	if chats[0].UnreadCount != 2 || chats[1].Kind != chat.KindDirect {
		t.Errorf("unexpected chats %+v", chats)
	}
}

func TestHistoryNormalizes(t *testing.T) {
	sent := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/c1/history" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("limit"); got != "50" {
			t.Errorf("expected default limit 50, got %q", got)
		}
		writeJSON(w, http.StatusOK, []protocol.WireMessage{
			{ID: "m1", SenderID: "u2", Content: "hi", SentAt: &sent, Status: "read"},
			{ID: "", Content: "dropped"},
		})
	})

	msgs, err := c.History(context.Background(), "c1", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	m := msgs[0]
	if m.ChatID != "c1" || !m.CreatedAt.Equal(sent) || m.Status != chat.StatusRead {
		t.Errorf("unexpected message %+v", m)
	}
}

func TestSendCarriesClientMessageID(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req protocol.SendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		if req.ChatID != "c1" || req.Message != "hello" || req.ClientMessageID != "tmp-1" {
			t.Errorf("unexpected request %+v", req)
		}
		now := time.Now()
		writeJSON(w, http.StatusCreated, protocol.WireMessage{
			ID: "m1", ChatID: "c1", SenderID: "u1", Content: "hello",
			CreatedAt: &now, Status: "sent", ClientMessageID: req.ClientMessageID,
		})
	})

	m, err := c.Send(context.Background(), "c1", "hello", "tmp-1")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if m.ID != "m1" || m.ClientID != "tmp-1" || m.Status != chat.StatusSent {
		t.Errorf("unexpected message %+v", m)
	}
}

func TestMarkRead(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/chat/c1/read" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		writeJSON(w, http.StatusOK, protocol.ReadResponse{ChatID: "c1", UnreadCount: 0})
	})

	n, err := c.MarkRead(context.Background(), "c1")
	if err != nil || n != 0 {
		t.Fatalf("MarkRead = %d, %v", n, err)
	}
}

func TestOpenDirectDefaultsToDirect(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, protocol.ChatSummary{ID: "dm-1", Name: "Ann"})
	})

	ch, err := c.OpenDirect(context.Background(), "u2")
	if err != nil {
		t.Fatalf("OpenDirect: %v", err)
	}
	if ch.Kind != chat.KindDirect {
		t.Errorf("expected direct, got %q", ch.Kind)
	}
}

func TestRosterFallback(t *testing.T) {
	var paths []string
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/employees/for-chat" {
			writeJSON(w, http.StatusNotFound, protocol.HTTPError{Error: "not found"})
			return
		}
		writeJSON(w, http.StatusOK, []protocol.Employee{
			{ID: "u2", Name: "Ann", Presence: "online"},
			{ID: "u3", Name: "Bob", Presence: "weird"},
		})
	})

	people, err := c.Roster(context.Background())
	if err != nil {
		t.Fatalf("Roster: %v", err)
	}
	if len(paths) != 2 || paths[1] != "/employees" {
		t.Fatalf("expected fallback to /employees, got %v", paths)
	}
	if people[0].Presence != chat.PresenceOnline || people[1].Presence != chat.PresenceOffline {
		t.Errorf("unexpected presence %+v", people)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"unauthorized", http.StatusUnauthorized, func(err error) bool { return errors.Is(err, ErrUnauthorized) }},
		{"not found", http.StatusNotFound, func(err error) bool { return errors.Is(err, ErrNotFound) }},
		{"server error", http.StatusInternalServerError, func(err error) bool {
			var se *StatusError
			return errors.As(err, &se) && se.Code == 500 && se.Message == "boom"
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tc.status, protocol.HTTPError{Error: "boom"})
			})
			_, err := c.ListChats(context.Background())
			if err == nil || !tc.check(err) {
				t.Fatalf("unexpected error %v", err)
			}
		})
	}
}
