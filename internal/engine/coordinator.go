// Package engine is the coordination core: it validates realtime
// commands, applies them to the stores and fans the resulting events
// out to live sessions. Every mutation lands in its store before any
// frame leaves; a failed delivery is logged and never rolls the
// mutation back.
package engine

import (
	"context"
	"strings"
	"time"

	"github.com/socialmap/internal/apperr"
	"github.com/socialmap/internal/logger"
	"github.com/socialmap/internal/model"
	"github.com/socialmap/internal/storage"
	"github.com/socialmap/internal/wire"
)

// Fanout is the delivery surface the coordinator needs from the session
// registry.
type Fanout interface {
	SendToUser(userID string, f wire.Frame)
	SendToUsers(userIDs []string, f wire.Frame)
	SendToUserExcept(userID, exceptSessionID string, f wire.Frame)
	HasSessions(userID string) bool
}

// Notifier delivers an out-of-band notification when the recipient has
// no live session. Optional; web push in production.
type Notifier interface {
	NotifyInvite(ctx context.Context, inv *model.Invite)
}

type Coordinator struct {
	positions storage.PositionStore
	log       storage.MessageLog
	reads     storage.ReadTracker
	invites   storage.InviteStore
	presence  storage.PresenceStore
	users     storage.Users
	policy    SubscriberPolicy
	fanout    Fanout
	notifier  Notifier

	now func() time.Time
}

type Config struct {
	Positions storage.PositionStore
	Log       storage.MessageLog
	Reads     storage.ReadTracker
	Invites   storage.InviteStore
	Presence  storage.PresenceStore
	Users     storage.Users
	Policy    SubscriberPolicy
	Fanout    Fanout
	Notifier  Notifier
}

func New(cfg Config) *Coordinator {
	return &Coordinator{
		positions: cfg.Positions,
		log:       cfg.Log,
		reads:     cfg.Reads,
		invites:   cfg.Invites,
		presence:  cfg.Presence,
		users:     cfg.Users,
		policy:    cfg.Policy,
		fanout:    cfg.Fanout,
		notifier:  cfg.Notifier,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// HandleFrame routes an inbound realtime command to its operation.
// Implements the session registry's frame handler.
func (c *Coordinator) HandleFrame(ctx context.Context, sess model.Session, frame *wire.Frame) error {
	switch frame.Kind {
	case wire.KindPositionUpdate:
		p, err := frame.PositionUpdate()
		if err != nil {
			return err
		}
		return c.PositionUpdate(ctx, sess.UserID, p.Lat, p.Lon)
	case wire.KindChatMessage:
		p, err := frame.ChatSend()
		if err != nil {
			return err
		}
		_, err = c.ChatSend(ctx, sess.UserID, p.RoomID, p.Body)
		return err
	case wire.KindPresenceUpdate:
		p, err := frame.Heartbeat()
		if err != nil {
			return err
		}
		return c.Heartbeat(ctx, sess.UserID, p.RoomID)
	case wire.KindReadState:
		p, err := frame.MarkRead()
		if err != nil {
			return err
		}
		_, err = c.MarkRead(ctx, sess.UserID, sess.ID, p.RoomID)
		return err
	case wire.KindInviteEvent:
		p, err := frame.InviteAction()
		if err != nil {
			return err
		}
		switch p.Action {
		case wire.InviteActionSend:
			_, err = c.InviteSend(ctx, sess.UserID, p.ToUser, p.Mode)
		case wire.InviteActionAccept:
			_, err = c.InviteRespond(ctx, sess.UserID, p.InviteID, true)
		case wire.InviteActionReject:
			_, err = c.InviteRespond(ctx, sess.UserID, p.InviteID, false)
		default:
			err = apperr.Protocolf("invite_event: unknown action %q", p.Action)
		}
		return err
	default:
		return apperr.Protocolf("unhandled frame kind %q", frame.Kind)
	}
}

// PositionUpdate overwrites the user's current position and fans the
// update out to the audience the subscriber policy resolves.
func (c *Coordinator) PositionUpdate(ctx context.Context, userID string, lat, lon float64) error {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return apperr.Validationf("position out of range: lat=%v lon=%v", lat, lon)
	}
	now := c.now()
	if err := c.positions.Upsert(ctx, userID, lat, lon, now); err != nil {
		return err
	}
	if err := c.policy.Track(ctx, userID, lat, lon); err != nil {
		logger.Errorf("position track user=%s: %v", userID, err)
	}
	subs, err := c.policy.Subscribers(ctx, userID, lat, lon)
	if err != nil {
		logger.Errorf("position subscribers user=%s: %v", userID, err)
		return nil
	}
	frame := wire.PositionFrame(&model.Position{UserID: userID, Lat: lat, Lon: lon, UpdatedAt: now})
	c.fanout.SendToUsers(subs, frame)
	logger.Debugf("position fan-out user=%s subscribers=%d", userID, len(subs))
	return nil
}

// ChatSend appends a message to the room log and delivers it to every
// present member, sender's sessions included.
func (c *Coordinator) ChatSend(ctx context.Context, userID, roomID, body string) (*model.ChatMessage, error) {
	if strings.TrimSpace(roomID) == "" {
		return nil, apperr.Validationf("room_id is required")
	}
	msg, err := c.log.Append(ctx, roomID, userID, body, c.now())
	if err != nil {
		return nil, err
	}
	members, err := c.presence.Members(ctx, roomID)
	if err != nil {
		logger.Errorf("chat members room=%s: %v", roomID, err)
		members = nil
	}
	frame := wire.ChatFrame(msg)
	delivered := false
	for _, m := range members {
		c.fanout.SendToUser(m, frame)
		if m == userID {
			delivered = true
		}
	}
	// Синхронное эхо отправителю, даже если его lease в комнате уже истёк.
	if !delivered {
		c.fanout.SendToUser(userID, frame)
	}
	logger.Debugf("chat fan-out room=%s seq=%d members=%d", roomID, msg.Seq, len(members))
	return msg, nil
}

// MarkRead advances the read marker and echoes the recomputed unread
// count to the user's other sessions. fromSession is empty for HTTP
// calls, in which case every session gets the echo.
func (c *Coordinator) MarkRead(ctx context.Context, userID, fromSession, roomID string) (*wire.ReadStateOut, error) {
	if strings.TrimSpace(roomID) == "" {
		return nil, apperr.Validationf("room_id is required")
	}
	effective, err := c.reads.MarkRead(ctx, roomID, userID, c.now())
	if err != nil {
		return nil, err
	}
	unread, err := c.log.CountAfter(ctx, roomID, effective)
	if err != nil {
		return nil, err
	}
	out := &wire.ReadStateOut{RoomID: roomID, UnreadCount: unread, LastReadAt: effective}
	c.fanout.SendToUserExcept(userID, fromSession, wire.ReadStateFrame(roomID, unread, effective))
	return out, nil
}

// Heartbeat refreshes the user's liveness lease in a room. A join (no
// lease held before) is announced to the other members.
func (c *Coordinator) Heartbeat(ctx context.Context, userID, roomID string) error {
	if strings.TrimSpace(roomID) == "" {
		return apperr.Validationf("room_id is required")
	}
	rooms, err := c.presence.Rooms(ctx, userID)
	if err != nil {
		return err
	}
	joined := true
	for _, r := range rooms {
		if r == roomID {
			joined = false
			break
		}
	}
	if err := c.presence.Heartbeat(ctx, roomID, userID); err != nil {
		return err
	}
	if joined {
		c.announcePresence(ctx, roomID, userID, true)
	}
	return nil
}

// InviteSend creates a pending invite and notifies the recipient: a
// frame when they are online, web push otherwise.
func (c *Coordinator) InviteSend(ctx context.Context, fromUser, toUser, mode string) (*model.Invite, error) {
	if strings.TrimSpace(toUser) == "" {
		return nil, apperr.Validationf("to_user is required")
	}
	if toUser == fromUser {
		return nil, apperr.Validationf("cannot invite yourself")
	}
	if mode == "" {
		mode = model.InviteModeDuel
	}
	ok, err := c.users.Exists(ctx, toUser)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.NotFoundf("user %s not found", toUser)
	}
	inv, err := c.invites.Send(ctx, fromUser, toUser, mode, c.now())
	if err != nil {
		return nil, err
	}
	if c.fanout.HasSessions(toUser) {
		c.fanout.SendToUser(toUser, wire.InviteFrame(inv))
	} else if c.notifier != nil {
		c.notifier.NotifyInvite(ctx, inv)
	}
	return inv, nil
}

// InviteRespond applies accept/reject and fans the terminal transition
// out to both parties.
func (c *Coordinator) InviteRespond(ctx context.Context, byUser, inviteID string, accept bool) (*model.Invite, error) {
	if strings.TrimSpace(inviteID) == "" {
		return nil, apperr.Validationf("invite_id is required")
	}
	inv, err := c.invites.Respond(ctx, inviteID, byUser, accept, c.now())
	if err != nil {
		return nil, err
	}
	frame := wire.InviteFrame(inv)
	c.fanout.SendToUser(inv.FromUser, frame)
	c.fanout.SendToUser(inv.ToUser, frame)
	return inv, nil
}

// RoomState assembles the derived snapshot: presence members plus the
// unread count recomputed against the user's marker.
func (c *Coordinator) RoomState(ctx context.Context, userID, roomID string) (*model.RoomState, error) {
	if strings.TrimSpace(roomID) == "" {
		return nil, apperr.Validationf("room_id is required")
	}
	members, err := c.presence.Members(ctx, roomID)
	if err != nil {
		return nil, err
	}
	marker, err := c.reads.Marker(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	unread, err := c.log.CountAfter(ctx, roomID, marker)
	if err != nil {
		return nil, err
	}
	state := &model.RoomState{RoomID: roomID, UnreadCount: unread, Members: make([]model.MemberStatus, 0, len(members))}
	for _, m := range members {
		state.Members = append(state.Members, model.MemberStatus{UserID: m, Online: true})
	}
	return state, nil
}

// History pages the room log newest-first.
func (c *Coordinator) History(ctx context.Context, roomID string, beforeSeq int64, limit int) ([]model.ChatMessage, error) {
	if strings.TrimSpace(roomID) == "" {
		return nil, apperr.Validationf("room_id is required")
	}
	return c.log.History(ctx, roomID, beforeSeq, limit)
}

// PendingInvites lists invites still awaiting the user's response.
func (c *Coordinator) PendingInvites(ctx context.Context, userID string) ([]model.Invite, error) {
	return c.invites.Pending(ctx, userID)
}

// SessionsGone is the eager eviction path: the user's last realtime
// session disconnected, so their leases are dropped immediately and the
// leave is announced without waiting for the TTL sweep.
func (c *Coordinator) SessionsGone(ctx context.Context, userID string) {
	rooms, err := c.presence.Rooms(ctx, userID)
	if err != nil {
		logger.Errorf("evict rooms user=%s: %v", userID, err)
		return
	}
	if err := c.presence.Remove(ctx, userID); err != nil {
		logger.Errorf("evict presence user=%s: %v", userID, err)
		return
	}
	for _, room := range rooms {
		c.announcePresence(ctx, room, userID, false)
	}
}

func (c *Coordinator) announcePresence(ctx context.Context, roomID, userID string, live bool) {
	members, err := c.presence.Members(ctx, roomID)
	if err != nil {
		logger.Errorf("presence members room=%s: %v", roomID, err)
		return
	}
	frame := wire.PresenceFrame(roomID, userID, live)
	for _, m := range members {
		if m == userID {
			continue
		}
		c.fanout.SendToUser(m, frame)
	}
}
