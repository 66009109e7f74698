package chat

import "time"

// GroupWindow is the largest gap between two consecutive messages of the
// same sender that still renders them under one header.
const GroupWindow = 5 * time.Minute

// Group is a run of consecutive messages rendered under a single header.
type Group struct {
	SenderID   string
	SenderName string
	// Day is local midnight of the group's first message.
	Day time.Time
	// DateSeparator is set on the first group of each local calendar day.
	DateSeparator bool
	Messages      []Message
}

// GroupMessages splits msgs (already in display order) into presentation
// groups using the receiver's location. A new group starts when the sender
// changes, when more than GroupWindow passed since the previous message, or
// when the local calendar day changes; the latter also sets DateSeparator.
func GroupMessages(msgs []Message, loc *time.Location) []Group {
	if loc == nil {
		loc = time.Local
	}

	var (
		groups []Group
		prev   *Message
	)
	for i := range msgs {
		m := msgs[i]
		day := localDay(m.CreatedAt, loc)

		newDay := prev == nil || !day.Equal(localDay(prev.CreatedAt, loc))
		if newDay || prev.SenderID != m.SenderID || m.CreatedAt.Sub(prev.CreatedAt) > GroupWindow {
			groups = append(groups, Group{
				SenderID:      m.SenderID,
				SenderName:    m.SenderName,
				Day:           day,
				DateSeparator: newDay,
			})
		}
		g := &groups[len(groups)-1]
		g.Messages = append(g.Messages, m)
		prev = &msgs[i]
	}
	return groups
}

func localDay(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}
