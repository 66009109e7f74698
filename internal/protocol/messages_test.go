package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/workdesk/chat-app/internal/chat"
)

// ---------------------------------------------------------------------------
// Test: Parsing a send_message event
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send_message","chatId":"c1","message":"Hello!","messageId":"tmp-1","timestamp":"2026-03-01T10:00:00Z"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.ChatID != "c1" {
		t.Errorf("expected chatId %q, got %q", "c1", sm.ChatID)
	}
	if sm.Message != "Hello!" {
		t.Errorf("expected message %q, got %q", "Hello!", sm.Message)
	}
	if sm.MessageID != "tmp-1" {
		t.Errorf("expected messageId %q, got %q", "tmp-1", sm.MessageID)
	}
	if !sm.Timestamp.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected timestamp %v", sm.Timestamp)
	}
}

// ---------------------------------------------------------------------------
// Test: new_message flattens the canonical message
// ---------------------------------------------------------------------------

func TestNewServerMessage_NewMessage(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	payload := NewMessageMsg{WireMessage: WireMessage{
		ID:              "m-1",
		ChatID:          "c1",
		SenderID:        "u1",
		Content:         "hi",
		Timestamp:       &ts,
		Status:          "sent",
		ClientMessageID: "tmp-1",
	}}

	data, err := NewServerMessage(TypeNewMessage, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeNewMessage {
		t.Errorf("expected type %q, got %v", TypeNewMessage, result["type"])
	}
	if result["id"] != "m-1" {
		t.Errorf("expected id at top level, got %v", result["id"])
	}
	if result["clientMessageId"] != "tmp-1" {
		t.Errorf("expected clientMessageId %q, got %v", "tmp-1", result["clientMessageId"])
	}

	msgType, parsed, err := ParseServerMessage(data)
	if err != nil {
		t.Fatalf("ParseServerMessage: %v", err)
	}
	if msgType != TypeNewMessage {
		t.Fatalf("expected %q, got %q", TypeNewMessage, msgType)
	}
	nm := parsed.(NewMessageMsg)
	if nm.ChatID != "c1" || nm.SenderID != "u1" || nm.Timestamp == nil || !nm.Timestamp.Equal(ts) {
		t.Errorf("unexpected decoded message: %+v", nm.WireMessage)
	}
}

func TestNewClientMessage_InjectsType(t *testing.T) {
	data, err := NewClientMessage(TypeTypingStart, TypingMsg{ChatID: "c9"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msgType, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeTypingStart {
		t.Errorf("expected %q, got %q", TypeTypingStart, msgType)
	}
	if msg.(TypingMsg).ChatID != "c9" {
		t.Errorf("expected chatId c9, got %+v", msg)
	}
}

// ---------------------------------------------------------------------------
// Test: Unknown types
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

func TestParseClientMessage_RejectsServerTypes(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{"type":"new_message","id":"m1"}`)); err == nil {
		t.Fatal("expected error for server-only type")
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all event types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"authenticate", `{"type":"authenticate","userId":"u1","token":"t"}`, TypeAuthenticate},
		{"join_chat", `{"type":"join_chat","chatId":"c1"}`, TypeJoinChat},
		{"leave_chat", `{"type":"leave_chat","chatId":"c1"}`, TypeLeaveChat},
		{"send_message", `{"type":"send_message","chatId":"c1","message":"hi","messageId":"tmp-1"}`, TypeSendMessage},
		{"mark_read", `{"type":"mark_read","chatId":"c1"}`, TypeMarkRead},
		{"typing_start", `{"type":"typing_start","chatId":"c1"}`, TypeTypingStart},
		{"typing_stop", `{"type":"typing_stop","chatId":"c1"}`, TypeTypingStop},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}

func TestParseServerMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"authenticated", `{"type":"authenticated","success":false,"error":"bad token"}`, TypeAuthenticated},
		{"new_message", `{"type":"new_message","id":"m1","chatId":"c1"}`, TypeNewMessage},
		{"typing_update", `{"type":"typing_update","userId":"u1","chatId":"c1","isTyping":true}`, TypeTypingUpdate},
		{"message_read", `{"type":"message_read","chatId":"c1","userId":"u2","readAt":"2026-03-01T10:00:00Z"}`, TypeMessageRead},
		{"joined_chat", `{"type":"joined_chat","chatId":"c1"}`, TypeJoinedChat},
		{"left_chat", `{"type":"left_chat","chatId":"c1"}`, TypeLeftChat},
		{"error", `{"type":"error","code":"x","message":"y"}`, TypeError},
		{"pong", `{"type":"pong"}`, TypePong},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseServerMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Test: Normalization of the timestamp fallback chain
// ---------------------------------------------------------------------------

func TestNormalize_TimestampChain(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ts := now.Add(-3 * time.Minute)
	sent := now.Add(-2 * time.Minute)
	created := now.Add(-1 * time.Minute)

	cases := []struct {
		name string
		in   WireMessage
		want time.Time
	}{
		{"explicit timestamp wins", WireMessage{ID: "a", Timestamp: &ts, SentAt: &sent, CreatedAt: &created}, ts},
		{"sentAt next", WireMessage{ID: "a", SentAt: &sent, CreatedAt: &created}, sent},
		{"createdAt next", WireMessage{ID: "a", CreatedAt: &created}, created},
		{"now last", WireMessage{ID: "a"}, now},
		{"zero timestamp skipped", WireMessage{ID: "a", Timestamp: &time.Time{}, CreatedAt: &created}, created},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Normalize(tc.in, now)
			if !got.CreatedAt.Equal(tc.want) {
				t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, tc.want)
			}
		})
	}
}

func TestNormalize_Status(t *testing.T) {
	now := time.Now()
	cases := map[string]chat.Status{
		"":          chat.StatusSent,
		"bogus":     chat.StatusSent,
		"sending":   chat.StatusSent,
		"sent":      chat.StatusSent,
		"delivered": chat.StatusDelivered,
		"read":      chat.StatusRead,
	}
	for in, want := range cases {
		got := Normalize(WireMessage{ID: "x", Status: in}, now).Status
		if got != want {
			t.Errorf("Normalize(status=%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeAll_DropsMissingIDs(t *testing.T) {
	msgs := NormalizeAll([]WireMessage{{ID: "a"}, {ID: ""}, {ID: "b"}}, time.Now())
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
}

func TestChatFromSummary_DefaultsKind(t *testing.T) {
	c := ChatFromSummary(ChatSummary{ID: "c1", Name: "Ops", UnreadCount: 3})
	if c.Kind != chat.KindGroup {
		t.Errorf("expected default kind %q, got %q", chat.KindGroup, c.Kind)
	}
	if c.UnreadCount != 3 {
		t.Errorf("expected unread 3, got %d", c.UnreadCount)
	}
}
