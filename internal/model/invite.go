package model

import "time"

type InviteStatus string

const (
	InviteStatusPending  InviteStatus = "pending"
	InviteStatusAccepted InviteStatus = "accepted"
	InviteStatusRejected InviteStatus = "rejected"
	InviteStatusExpired  InviteStatus = "expired"
)

// Terminal reports whether no further transition may leave this status.
func (s InviteStatus) Terminal() bool {
	return s == InviteStatusAccepted || s == InviteStatusRejected || s == InviteStatusExpired
}

// InviteModeDuel is the default mode; the mode tag is otherwise opaque to
// the state machine.
const InviteModeDuel = "duel"

type Invite struct {
	ID          string       `json:"id"`
	FromUser    string       `json:"from_user"`
	ToUser      string       `json:"to_user"`
	Mode        string       `json:"mode"`
	Status      InviteStatus `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	RespondedAt *time.Time   `json:"responded_at,omitempty"`
}
