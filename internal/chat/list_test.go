package chat

import (
	"strings"
	"testing"
	"time"
)

func TestListMarkReadResetsUnread(t *testing.T) {
	l := NewList()
	l.Replace([]Chat{{ID: "c1", Name: "Ops", UnreadCount: 3}})

	if prev := l.MarkRead("c1"); prev != 3 {
		t.Fatalf("expected previous count 3, got %d", prev)
	}
	c, _ := l.Get("c1")
	if c.UnreadCount != 0 {
		t.Errorf("expected unread 0, got %d", c.UnreadCount)
	}
	if prev := l.MarkRead("missing"); prev != 0 {
		t.Errorf("expected 0 for an unknown chat, got %d", prev)
	}
}

func TestListApplyIncoming(t *testing.T) {
	t0 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	cases := []struct {
		name       string
		msg        Message
		active     bool
		wantUnread int
	}{
		{"other sender, inactive chat", Message{ChatID: "c1", SenderID: "bob", Content: "hi", CreatedAt: t0.Add(time.Minute)}, false, 2},
		{"other sender, active chat", Message{ChatID: "c1", SenderID: "bob", Content: "hi", CreatedAt: t0.Add(time.Minute)}, true, 1},
		{"own message", Message{ChatID: "c1", SenderID: "me", Content: "hi", CreatedAt: t0.Add(time.Minute)}, false, 1},
		{"older than last", Message{ChatID: "c1", SenderID: "bob", Content: "old", CreatedAt: t0.Add(-time.Minute)}, false, 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := NewList()
			l.Upsert(Chat{ID: "c1", Name: "Ops", LastMessage: "start", LastMessageAt: t0, UnreadCount: 1})

			l.ApplyIncoming(tc.msg, "me", tc.active)
			c, _ := l.Get("c1")
			if c.UnreadCount != tc.wantUnread {
				t.Errorf("expected unread %d, got %d", tc.wantUnread, c.UnreadCount)
			}
			if tc.msg.CreatedAt.After(t0) && c.LastMessage != tc.msg.Content {
				t.Errorf("expected preview %q, got %q", tc.msg.Content, c.LastMessage)
			}
			if !tc.msg.CreatedAt.After(t0) && c.LastMessage != "start" {
				t.Errorf("older message should not replace the preview, got %q", c.LastMessage)
			}
		})
	}
}

func TestListApplyIncoming_UnknownChat(t *testing.T) {
	l := NewList()
	l.ApplyIncoming(Message{ChatID: "nope", SenderID: "bob", Content: "x"}, "me", false)
	if _, ok := l.Get("nope"); ok {
		t.Fatal("unknown chats must not be created from push events")
	}
}

func TestListApplyIncoming_RedeliveryCountsOnce(t *testing.T) {
	t0 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	l := NewList()
	l.Replace([]Chat{{ID: "c1", Name: "Ops"}})

	m := Message{ID: "m-1", ChatID: "c1", SenderID: "bob", Content: "hi", CreatedAt: t0}
	l.ApplyIncoming(m, "me", false)
	l.ApplyIncoming(m, "me", false)

	c, _ := l.Get("c1")
	if c.UnreadCount != 1 {
		t.Fatalf("expected unread 1, got %d", c.UnreadCount)
	}

	// A redelivery after the chat was read stays read.
	l.MarkRead("c1")
	l.ApplyIncoming(m, "me", false)
	if c, _ := l.Get("c1"); c.UnreadCount != 0 {
		t.Errorf("expected unread 0 after read, got %d", c.UnreadCount)
	}

	l.ApplyIncoming(Message{ID: "m-2", ChatID: "c1", SenderID: "bob", Content: "again", CreatedAt: t0.Add(time.Second)}, "me", false)
	if c, _ := l.Get("c1"); c.UnreadCount != 1 {
		t.Errorf("expected a new id to count, got %d", c.UnreadCount)
	}
}

func TestSeenIDsEvictsOldest(t *testing.T) {
	s := &seenIDs{ids: make(map[string]struct{})}
	for i := 0; i < seenPerChat+1; i++ {
		if !s.add(strings.Repeat("x", i+1)) {
			t.Fatalf("id %d reported as seen", i)
		}
	}
	if len(s.ids) != seenPerChat {
		t.Fatalf("expected %d remembered ids, got %d", seenPerChat, len(s.ids))
	}
	if !s.add("x") {
		t.Errorf("expected the oldest id evicted")
	}
	if s.add(strings.Repeat("x", seenPerChat+1)) {
		t.Errorf("expected the newest id remembered")
	}
}

func TestListAllOrdering(t *testing.T) {
	t0 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	l := NewList()
	l.Replace([]Chat{
		{ID: "a", Name: "Alpha", LastMessageAt: t0},
		{ID: "b", Name: "Beta", LastMessageAt: t0.Add(time.Hour)},
		{ID: "c", Name: "Aardvark", LastMessageAt: t0},
	})

	got := l.All()
	want := []string{"b", "c", "a"}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("index %d: expected %q, got %q", i, id, got[i].ID)
		}
	}
}

func TestListTotalUnread(t *testing.T) {
	l := NewList()
	l.Replace([]Chat{{ID: "a", UnreadCount: 2}, {ID: "b", UnreadCount: 5}})
	l.SetUnread("a", 0)
	if n := l.TotalUnread(); n != 5 {
		t.Fatalf("expected 5, got %d", n)
	}
}

func TestPreviewTruncates(t *testing.T) {
	long := strings.Repeat("é", previewChars+10)
	p := preview(long)
	if n := len([]rune(p)); n != previewChars {
		t.Fatalf("expected %d runes, got %d", previewChars, n)
	}
	if !strings.HasSuffix(p, "…") {
		t.Errorf("expected ellipsis suffix, got %q", p)
	}
	if preview("short") != "short" {
		t.Error("short text must be kept as is")
	}
}
