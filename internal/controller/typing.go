package controller

import "time"

// typingState tracks the outgoing typing indicator of one chat.
type typingState struct {
	seq      uint64
	lastSent time.Time
	timer    *time.Timer
}

// KeyPress records local typing activity in chatID. The first key press
// sends typing_start, further ones only refresh it every TypingRefresh, and
// typing_stop follows automatically after TypingIdle without key presses.
func (c *Controller) KeyPress(chatID string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	ts, ok := c.typingOut[chatID]
	if !ok {
		ts = &typingState{}
		c.typingOut[chatID] = ts
	}
	now := time.Now()
	send := ts.lastSent.IsZero() || now.Sub(ts.lastSent) >= c.cfg.TypingRefresh
	if send {
		ts.lastSent = now
	}
	ts.seq++
	seq := ts.seq
	if ts.timer != nil {
		ts.timer.Stop()
	}
	ts.timer = time.AfterFunc(c.cfg.TypingIdle, func() { c.stopTyping(chatID, seq) })
	c.mu.Unlock()

	if send {
		c.tr.StartTyping(chatID)
	}
}

// StopTyping sends typing_stop for chatID if typing_start was sent.
func (c *Controller) StopTyping(chatID string) {
	c.stopTyping(chatID, 0)
}

// stopTyping clears the typing state. A non-zero seq only matches the key
// press that armed the timer, so a late timer cannot cancel newer typing.
func (c *Controller) stopTyping(chatID string, seq uint64) {
	c.mu.Lock()
	ts, ok := c.typingOut[chatID]
	if !ok || (seq != 0 && ts.seq != seq) {
		c.mu.Unlock()
		return
	}
	delete(c.typingOut, chatID)
	if ts.timer != nil {
		ts.timer.Stop()
	}
	c.mu.Unlock()

	c.tr.StopTyping(chatID)
}
