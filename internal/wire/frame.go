// Package wire encodes and decodes the closed set of frames exchanged
// over the realtime channel. A frame is a kind tag plus a kind-specific
// JSON payload. Decoding failures are protocol errors: the owning
// connection is torn down so malformed input never travels further than
// one client.
package wire

import (
	"encoding/json"
	"time"

	"github.com/socialmap/internal/apperr"
	"github.com/socialmap/internal/model"
)

type Kind string

const (
	KindPositionUpdate Kind = "position_update"
	KindChatMessage    Kind = "chat_message"
	KindPresenceUpdate Kind = "presence_update"
	KindReadState      Kind = "read_state"
	KindInviteEvent    Kind = "invite_event"
	// KindError is server-to-client only: the synchronous failure report
	// for a command received over the realtime channel.
	KindError Kind = "error"
)

// Frame is the wire envelope. Payload stays raw until the kind-specific
// accessor decodes it.
type Frame struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode parses an inbound envelope. Unknown kinds are protocol errors.
func Decode(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, apperr.Protocolf("malformed frame: %v", err)
	}
	switch f.Kind {
	case KindPositionUpdate, KindChatMessage, KindPresenceUpdate, KindReadState, KindInviteEvent:
		return &f, nil
	case KindError:
		return nil, apperr.Protocolf("error frames are server-to-client only")
	default:
		return nil, apperr.Protocolf("unknown frame kind %q", f.Kind)
	}
}

// MustFrame builds an outbound frame. Encoding never fails for
// well-formed domain values; a marshal failure here is a programming
// error and panics rather than being silently dropped.
func MustFrame(kind Kind, payload any) Frame {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic("wire: unencodable payload for kind " + string(kind) + ": " + err.Error())
	}
	return Frame{Kind: kind, Payload: raw}
}

// --- Inbound command payloads ---

// PositionUpdateIn is the client's position report. The user id is taken
// from the authenticated session, never from the payload.
type PositionUpdateIn struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ChatSendIn asks to append a message to a room.
type ChatSendIn struct {
	RoomID string `json:"room_id"`
	Body   string `json:"body"`
}

// HeartbeatIn (presence_update inbound) refreshes the sender's liveness
// lease in a room.
type HeartbeatIn struct {
	RoomID string `json:"room_id"`
}

// MarkReadIn (read_state inbound) advances the sender's read marker.
type MarkReadIn struct {
	RoomID string `json:"room_id"`
}

// Invite actions carried by an inbound invite_event frame.
const (
	InviteActionSend   = "send"
	InviteActionAccept = "accept"
	InviteActionReject = "reject"
)

// InviteActionIn is an inbound invite_event: either a new invite
// (action=send, to_user/mode set) or a response (accept/reject, invite_id set).
type InviteActionIn struct {
	Action   string `json:"action"`
	ToUser   string `json:"to_user,omitempty"`
	Mode     string `json:"mode,omitempty"`
	InviteID string `json:"invite_id,omitempty"`
}

func (f *Frame) decodePayload(dst any) error {
	if len(f.Payload) == 0 {
		return apperr.Protocolf("%s: missing payload", f.Kind)
	}
	if err := json.Unmarshal(f.Payload, dst); err != nil {
		return apperr.Protocolf("%s: malformed payload: %v", f.Kind, err)
	}
	return nil
}

func (f *Frame) PositionUpdate() (*PositionUpdateIn, error) {
	var p PositionUpdateIn
	if err := f.decodePayload(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (f *Frame) ChatSend() (*ChatSendIn, error) {
	var p ChatSendIn
	if err := f.decodePayload(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (f *Frame) Heartbeat() (*HeartbeatIn, error) {
	var p HeartbeatIn
	if err := f.decodePayload(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (f *Frame) MarkRead() (*MarkReadIn, error) {
	var p MarkReadIn
	if err := f.decodePayload(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (f *Frame) InviteAction() (*InviteActionIn, error) {
	var p InviteActionIn
	if err := f.decodePayload(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// --- Outbound payloads ---

// PresenceUpdateOut announces a liveness change in a room.
type PresenceUpdateOut struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
	Live   bool   `json:"live"`
}

// ReadStateOut carries the recomputed unread count back to the acting
// user's sessions.
type ReadStateOut struct {
	RoomID      string    `json:"room_id"`
	UnreadCount int       `json:"unread_count"`
	LastReadAt  time.Time `json:"last_read_at"`
}

// ErrorOut is the synchronous failure report for a realtime command.
type ErrorOut struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// PositionFrame builds the outbound frame for a position overwrite.
func PositionFrame(p *model.Position) Frame {
	return MustFrame(KindPositionUpdate, p)
}

// ChatFrame builds the outbound frame for an appended message.
func ChatFrame(m *model.ChatMessage) Frame {
	return MustFrame(KindChatMessage, m)
}

// PresenceFrame builds the outbound frame for a liveness change.
func PresenceFrame(roomID, userID string, live bool) Frame {
	return MustFrame(KindPresenceUpdate, PresenceUpdateOut{RoomID: roomID, UserID: userID, Live: live})
}

// ReadStateFrame builds the outbound frame for a read-marker advance.
func ReadStateFrame(roomID string, unread int, lastReadAt time.Time) Frame {
	return MustFrame(KindReadState, ReadStateOut{RoomID: roomID, UnreadCount: unread, LastReadAt: lastReadAt})
}

// InviteFrame builds the outbound frame for an invite transition.
func InviteFrame(inv *model.Invite) Frame {
	return MustFrame(KindInviteEvent, inv)
}

// ErrorFrame reports a failed realtime command back to its sender.
func ErrorFrame(err error) Frame {
	return MustFrame(KindError, ErrorOut{Code: apperr.KindOf(err).String(), Msg: err.Error()})
}
