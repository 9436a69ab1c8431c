package model

import "time"

// ChatMessage is immutable once appended. Seq is assigned at append time
// and strictly orders messages within a room.
type ChatMessage struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	Seq       int64     `json:"seq"`
	SenderID  string    `json:"sender_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// ReadMarker is one per (room, user). LastReadAt is monotonic: a new
// marker is accepted only if it is not older than the stored one.
type ReadMarker struct {
	RoomID     string    `json:"room_id"`
	UserID     string    `json:"user_id"`
	LastReadAt time.Time `json:"last_read_at"`
}

// RoomState is derived, never stored: presence snapshot plus the unread
// count recomputed from the message log and the user's read marker.
type RoomState struct {
	RoomID      string         `json:"room_id"`
	UnreadCount int            `json:"unread_count"`
	Members     []MemberStatus `json:"members"`
}

type MemberStatus struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}
