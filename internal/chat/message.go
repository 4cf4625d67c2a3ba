// Package chat stores chat messages and room membership records in MongoDB
// and validates message text.
package chat

import (
	"errors"
	"time"
)

// DisplayLayout formats message timestamps for clients, e.g. "07 Mar, 14:05".
const DisplayLayout = "02 Jan, 15:04"

// ErrMessageNotFound is returned for unknown or malformed message ids.
var ErrMessageNotFound = errors.New("chat: message not found")

// Message is a persisted chat message. Text is stored after censoring.
type Message struct {
	ID             string    `json:"id"`
	RoomID         int64     `json:"room_id"`
	SenderID       int64     `json:"sender_id"`
	SenderNickname string    `json:"sender_nickname"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
	DisplayTime    string    `json:"time"`
}
