package model

import "time"

// Position is the single current location of a user. Each update
// overwrites the previous one; the engine keeps no history.
type Position struct {
	UserID    string    `json:"user_id"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	UpdatedAt time.Time `json:"updated_at"`
}
