// Package storage определяет контракты хранилищ движка.
// Реализации: repository (Postgres), storage/redis (presence),
// storage/memory (для -dev и тестов).
package storage

import (
	"context"
	"time"

	"github.com/socialmap/internal/model"
)

// MessageLog is the append-only, per-room ordered source of truth for
// chat history and unread computation.
//
// Append assigns the next sequence number for the room: strictly
// increasing and gapless within one log instance, regardless of arrival
// concurrency. History pages newest-first through an exclusive before
// cursor on seq (beforeSeq <= 0 means "from the latest").
type MessageLog interface {
	Append(ctx context.Context, roomID, senderID, body string, now time.Time) (*model.ChatMessage, error)
	History(ctx context.Context, roomID string, beforeSeq int64, limit int) ([]model.ChatMessage, error)
	// CountAfter counts messages in the room created strictly after the
	// given instant. Unread counts are always recomputed through it and
	// never persisted, so the log and the markers cannot drift apart.
	CountAfter(ctx context.Context, roomID string, after time.Time) (int, error)
}

// ReadTracker holds the per (room, user) read marker.
//
// MarkRead is monotonic and idempotent: the stored marker becomes
// max(existing, now) and the effective value is returned. Marker returns
// the zero time when the user has never marked the room read.
type ReadTracker interface {
	MarkRead(ctx context.Context, roomID, userID string, now time.Time) (time.Time, error)
	Marker(ctx context.Context, roomID, userID string) (time.Time, error)
}

// InviteStore is the invite lifecycle: pending -> accepted | rejected |
// expired, all terminal.
//
// Send fails with a Conflict error while the sender already has a pending
// invite to the same recipient. Respond is a compare-and-transition on the
// pending state: of two racing calls exactly one wins, the loser gets an
// InvalidState error; NotFound and Forbidden cover unknown ids and
// non-recipient actors. ExpireBefore transitions stale pendings to expired
// and returns them so the coordinator can fan the transitions out.
type InviteStore interface {
	Send(ctx context.Context, fromUser, toUser, mode string, now time.Time) (*model.Invite, error)
	Respond(ctx context.Context, inviteID, byUser string, accept bool, now time.Time) (*model.Invite, error)
	Pending(ctx context.Context, userID string) ([]model.Invite, error)
	ExpireBefore(ctx context.Context, cutoff time.Time) ([]model.Invite, error)
}

// PositionStore keeps one current position per user, overwrite on update.
type PositionStore interface {
	Upsert(ctx context.Context, userID string, lat, lon float64, now time.Time) error
	Get(ctx context.Context, userID string) (*model.Position, error)
}

// PresenceStore tracks which users hold a live lease in which room.
//
// Liveness is a lease, not an event stream: Heartbeat refreshes the TTL,
// ExpirePass reaps stale entries on a fixed interval (Members may lag
// true liveness by at most one interval), and Remove is the eager path
// taken when a user's last realtime session disconnects.
type PresenceStore interface {
	Heartbeat(ctx context.Context, roomID, userID string) error
	Members(ctx context.Context, roomID string) ([]string, error)
	Remove(ctx context.Context, userID string) error
	ExpirePass(ctx context.Context, now time.Time) error
	// Rooms returns the rooms the user currently holds a lease in.
	Rooms(ctx context.Context, userID string) ([]string, error)
}

// Users is the slice of the identity collaborator the engine needs:
// existence checks for invite recipients.
type Users interface {
	Exists(ctx context.Context, userID string) (bool, error)
}
