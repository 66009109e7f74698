package session

import "time"

// Status is a derived presence value. The strings match chat.Presence.
type Status string

const (
	Online  Status = "online"
	Away    Status = "away"
	Offline Status = "offline"
)

// Presence thresholds measured from the last activity.
const (
	OnlineWindow = 60 * time.Second
	AwayWindow   = 5 * time.Minute
)

// Derive maps the time since lastSeen to a presence value.
func Derive(lastSeen, now time.Time) Status {
	if lastSeen.IsZero() {
		return Offline
	}
	idle := now.Sub(lastSeen)
	switch {
	case idle <= OnlineWindow:
		return Online
	case idle <= AwayWindow:
		return Away
	}
	return Offline
}
