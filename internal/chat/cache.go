package chat

import (
	"sort"
	"sync"
	"time"
)

const (
	// MaxCachedMessages is the number of messages retained per chat. The
	// oldest confirmed messages are dropped first; pending ones never are.
	MaxCachedMessages = 500

	// ReconcileWindow bounds the clock difference between an optimistic
	// message and the server copy it is matched against by content.
	ReconcileWindow = 2 * time.Minute
)

// entry pairs a message with its arrival sequence, used to break timestamp
// ties.
type entry struct {
	msg Message
	seq uint64
}

// thread is the ordered message list of one chat, sorted by (CreatedAt, seq).
type thread struct {
	entries []entry
}

// Cache stores the messages of every open chat in memory, ordered by
// timestamp. It merges paginated history, optimistic local sends and push
// events, and deduplicates them by id. It is goroutine-safe.
type Cache struct {
	mu      sync.RWMutex
	threads map[string]*thread // chatID -> thread
	seq     uint64
	now     func() time.Time
}

// NewCache creates an empty Cache.
func NewCache() *Cache {
	return &Cache{
		threads: make(map[string]*thread),
		now:     time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// IngestHistory replaces the chat's messages with a freshly fetched page.
// Messages the server does not know about yet (sending or failed) are carried
// over unless the page already contains their confirmed copy. Known states
// never move backwards: a message already marked read stays read even if
// the page is older than the receipt.
func (c *Cache) IngestHistory(chatID string, msgs []Message) {
	page := make([]Message, 0, len(msgs))
	seen := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		if m.ID == "" || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		if m.ChatID == "" {
			m.ChatID = chatID
		}
		page = append(page, m)
	}
	sort.SliceStable(page, func(i, j int) bool {
		return page[i].CreatedAt.Before(page[j].CreatedAt)
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.threads[chatID]
	known := make(map[string]Status)
	if old != nil {
		for _, e := range old.entries {
			if !e.msg.IsTemporary() {
				known[e.msg.ID] = e.msg.Status
			}
		}
	}

	nt := &thread{entries: make([]entry, 0, len(page))}
	for _, m := range page {
		if prev, ok := known[m.ID]; ok {
			m.Status = mergeStatus(prev, m.Status)
		}
		c.seq++
		nt.entries = append(nt.entries, entry{msg: m, seq: c.seq})
	}

	if old != nil {
		for _, e := range old.entries {
			if !e.msg.IsTemporary() {
				continue
			}
			if i := nt.matchConfirmed(e.msg); i >= 0 {
				nt.entries[i].msg.ClientID = e.msg.ID
				continue
			}
			nt.insert(e)
		}
	}

	nt.trim()
	c.threads[chatID] = nt
}

// IngestOptimistic inserts a locally composed message in the sending state
// and returns it as stored. A temporary id is generated when msg has none.
// Ingesting an id that is already cached restarts that message, which is how
// a retry re-enters the cache.
func (c *Cache) IngestOptimistic(chatID string, msg Message) Message {
	if !IsTemporaryID(msg.ID) {
		msg.ID = NewClientID()
	}
	msg.ClientID = msg.ID
	msg.ChatID = chatID
	msg.Status = StatusSending

	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = c.now()
	}

	t := c.thread(chatID)
	if i := t.indexByID(msg.ID); i >= 0 {
		t.remove(i)
	}
	c.seq++
	t.insert(entry{msg: msg, seq: c.seq})
	t.trim()
	return msg
}

// ReconcileConfirmed replaces the optimistic message sent under clientID with
// the server's copy. If no optimistic entry matches (a reconnect race, or
// the cache was cleared) the server message is inserted instead of dropped.
// A copy of the same durable id that arrived earlier through the push path
// is merged so exactly one entry remains.
func (c *Cache) ReconcileConfirmed(chatID, clientID string, server Message) Message {
	if server.ChatID == "" {
		server.ChatID = chatID
	}
	if server.ClientID == "" {
		server.ClientID = clientID
	}
	server.Status = confirmedStatus(server.Status)

	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.thread(chatID)
	oi := t.indexByClientID(clientID)
	di := t.indexByID(server.ID)

	var out Message
	switch {
	case di >= 0:
		out = merge(t.entries[di].msg, server)
		seq := t.entries[di].seq
		if oi >= 0 && oi != di {
			t.remove(oi)
			if oi < di {
				di--
			}
		}
		t.remove(di)
		t.insert(entry{msg: out, seq: seq})
	case oi >= 0:
		out = merge(t.entries[oi].msg, server)
		t.replace(oi, out)
	default:
		out = server
		c.seq++
		t.insert(entry{msg: out, seq: c.seq})
	}
	t.trim()
	return out
}

// IngestPush inserts a message that arrived on the push channel. The id is
// checked against confirmed entries and against still-optimistic entries
// (by client id, then by sender, content and time) before anything is
// inserted. It reports whether the message was new to the cache.
func (c *Cache) IngestPush(chatID string, msg Message) bool {
	if msg.ID == "" || IsTemporaryID(msg.ID) {
		return false
	}
	if msg.ChatID == "" {
		msg.ChatID = chatID
	}
	msg.Status = confirmedStatus(msg.Status)

	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.thread(chatID)
	if i := t.indexByID(msg.ID); i >= 0 {
		t.replace(i, merge(t.entries[i].msg, msg))
		return false
	}
	if msg.ClientID != "" {
		if i := t.indexByClientID(msg.ClientID); i >= 0 {
			t.replace(i, merge(t.entries[i].msg, msg))
			return false
		}
	}
	if i := t.matchOptimistic(msg); i >= 0 {
		msg.ClientID = t.entries[i].msg.ID
		t.replace(i, merge(t.entries[i].msg, msg))
		return false
	}

	c.seq++
	t.insert(entry{msg: msg, seq: c.seq})
	t.trim()
	return true
}

// MarkFailed moves an optimistic message from sending to failed. It reports
// whether a transition happened.
func (c *Cache) MarkFailed(chatID, clientID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.threads[chatID]
	if !ok {
		return false
	}
	i := t.indexByID(clientID)
	if i < 0 || !t.entries[i].msg.IsTemporary() {
		return false
	}
	m := &t.entries[i].msg
	if m.Status != StatusSending {
		return false
	}
	m.Status = StatusFailed
	return true
}

// Retry moves a failed message back to sending with a fresh timestamp,
// keeping its content and temporary id.
func (c *Cache) Retry(chatID, clientID string) (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.threads[chatID]
	if !ok {
		return Message{}, false
	}
	i := t.indexByID(clientID)
	if i < 0 || t.entries[i].msg.Status != StatusFailed {
		return Message{}, false
	}
	m := t.entries[i].msg
	m.Status = StatusSending
	m.CreatedAt = c.now()
	t.remove(i)
	c.seq++
	t.insert(entry{msg: m, seq: c.seq})
	return m, true
}

// ApplyReceipt advances the state of every confirmed message not sent by the
// reader, up to and including r.MessageID (or the whole chat when empty).
// States never move backwards. It returns the number of messages changed.
func (c *Cache) ApplyReceipt(chatID string, r Receipt) int {
	if r.State != StatusDelivered && r.State != StatusRead {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.threads[chatID]
	if !ok {
		return 0
	}
	last := len(t.entries) - 1
	if r.MessageID != "" {
		last = t.indexByID(r.MessageID)
		if last < 0 {
			return 0
		}
	}

	n := 0
	for i := 0; i <= last; i++ {
		m := &t.entries[i].msg
		if m.IsTemporary() || m.SenderID == r.ReaderID {
			continue
		}
		if m.Status.rank() < r.State.rank() {
			m.Status = r.State
			n++
		}
	}
	return n
}

// Messages returns a copy of the chat's messages in display order.
func (c *Cache) Messages(chatID string) []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.threads[chatID]
	if !ok {
		return []Message{}
	}
	out := make([]Message, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.msg
	}
	return out
}

// Pending returns the chat's messages that are still in the sending state.
func (c *Cache) Pending(chatID string) []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Message
	if t, ok := c.threads[chatID]; ok {
		for _, e := range t.entries {
			if e.msg.Status == StatusSending {
				out = append(out, e.msg)
			}
		}
	}
	return out
}

// Message looks up one message by durable or temporary id.
func (c *Cache) Message(chatID, id string) (Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.threads[chatID]
	if !ok {
		return Message{}, false
	}
	i := t.indexByClientID(id)
	if i < 0 {
		return Message{}, false
	}
	return t.entries[i].msg, true
}

// Last returns the newest confirmed message of the chat.
func (c *Cache) Last(chatID string) (Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if t, ok := c.threads[chatID]; ok {
		for i := len(t.entries) - 1; i >= 0; i-- {
			if !t.entries[i].msg.IsTemporary() {
				return t.entries[i].msg, true
			}
		}
	}
	return Message{}, false
}

// Remove deletes the chat's messages.
func (c *Cache) Remove(chatID string) {
	c.mu.Lock()
	delete(c.threads, chatID)
	c.mu.Unlock()
}

// Clear drops every chat. Called on logout.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.threads = make(map[string]*thread)
	c.mu.Unlock()
}

// thread returns the chat's thread, creating it. Caller holds c.mu.
func (c *Cache) thread(chatID string) *thread {
	t, ok := c.threads[chatID]
	if !ok {
		t = &thread{}
		c.threads[chatID] = t
	}
	return t
}

// insert places e at its (CreatedAt, seq) position.
func (t *thread) insert(e entry) {
	i := sort.Search(len(t.entries), func(i int) bool {
		o := t.entries[i]
		if o.msg.CreatedAt.Equal(e.msg.CreatedAt) {
			return o.seq > e.seq
		}
		return o.msg.CreatedAt.After(e.msg.CreatedAt)
	})
	t.entries = append(t.entries, entry{})
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = e
}

func (t *thread) remove(i int) {
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
}

// replace swaps the message at i, keeping its arrival sequence, and moves
// it if the timestamp changed.
func (t *thread) replace(i int, m Message) {
	seq := t.entries[i].seq
	t.remove(i)
	t.insert(entry{msg: m, seq: seq})
}

func (t *thread) indexByID(id string) int {
	for i := len(t.entries) - 1; i >= 0; i-- {
		if t.entries[i].msg.ID == id {
			return i
		}
	}
	return -1
}

// indexByClientID finds the entry sent under clientID, whether it is still
// optimistic or already confirmed.
func (t *thread) indexByClientID(clientID string) int {
	if clientID == "" {
		return -1
	}
	for i := len(t.entries) - 1; i >= 0; i-- {
		m := t.entries[i].msg
		if m.ID == clientID || m.ClientID == clientID {
			return i
		}
	}
	return -1
}

// matchOptimistic finds the still-optimistic entry closest in time to m with
// the same sender and content.
func (t *thread) matchOptimistic(m Message) int {
	best, bestGap := -1, ReconcileWindow+1
	for i, e := range t.entries {
		o := e.msg
		if !o.IsTemporary() || o.SenderID != m.SenderID || o.Content != m.Content {
			continue
		}
		if gap := absDuration(o.CreatedAt.Sub(m.CreatedAt)); gap <= ReconcileWindow && gap < bestGap {
			best, bestGap = i, gap
		}
	}
	return best
}

// matchConfirmed is the reverse of matchOptimistic: it finds the confirmed
// entry corresponding to an optimistic message.
func (t *thread) matchConfirmed(pending Message) int {
	best, bestGap := -1, ReconcileWindow+1
	for i, e := range t.entries {
		o := e.msg
		if o.IsTemporary() {
			continue
		}
		if o.ClientID == pending.ID {
			return i
		}
		if o.SenderID != pending.SenderID || o.Content != pending.Content || o.ClientID != "" {
			continue
		}
		if gap := absDuration(o.CreatedAt.Sub(pending.CreatedAt)); gap <= ReconcileWindow && gap < bestGap {
			best, bestGap = i, gap
		}
	}
	return best
}

// trim drops the oldest confirmed entries beyond MaxCachedMessages.
func (t *thread) trim() {
	excess := len(t.entries) - MaxCachedMessages
	if excess <= 0 {
		return
	}
	kept := t.entries[:0]
	for _, e := range t.entries {
		if excess > 0 && !e.msg.Pending() {
			excess--
			continue
		}
		kept = append(kept, e)
	}
	t.entries = kept
}

// confirmedStatus maps the state a server copy arrives with to a confirmed
// state.
func confirmedStatus(s Status) Status {
	if s.rank() < StatusSent.rank() {
		return StatusSent
	}
	return s
}

// mergeStatus combines the cached state with a confirmed incoming state.
// Pending states are always superseded; confirmed states only advance.
func mergeStatus(cur, next Status) Status {
	if cur == StatusSending || cur == StatusFailed || !cur.Valid() {
		return next
	}
	if next.rank() > cur.rank() {
		return next
	}
	return cur
}

// merge overlays an incoming confirmed copy on the cached message.
func merge(cur, next Message) Message {
	out := next
	out.Status = mergeStatus(cur.Status, next.Status)
	if out.ClientID == "" {
		out.ClientID = cur.ClientID
	}
	if out.SenderName == "" {
		out.SenderName = cur.SenderName
	}
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
