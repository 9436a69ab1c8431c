package model

import "time"

// Session is one realtime connection of a user. A user may hold several
// concurrent sessions (multi-device); the registry indexes them by id.
type Session struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	EstablishedAt time.Time `json:"established_at"`
}
