package chat

import "encoding/json"

// RoomEvent is the payload published to the NATS chat.<chat_id> subject so
// every server instance can forward it to its own sockets in the room.
type RoomEvent struct {
	Type    string          `json:"type"`              // protocol server event type
	From    string          `json:"from"`              // sender's user ID
	Echo    bool            `json:"echo,omitempty"`    // deliver to the sender's sockets too
	Payload json.RawMessage `json:"payload,omitempty"` // encoded server event
}
