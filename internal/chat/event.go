package chat

import "encoding/json"

// RoomEvent is published on chat.room.<room_id> so that every gateway
// instance can deliver a room broadcast to its local members. Origin
// identifies the publishing instance.
type RoomEvent struct {
	RoomID  int64           `json:"room_id"`
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}
