package engine_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialmap/internal/apperr"
	"github.com/socialmap/internal/engine"
	"github.com/socialmap/internal/model"
	"github.com/socialmap/internal/storage/memory"
	"github.com/socialmap/internal/wire"
)

// recordingFanout captures delivered frames per user instead of pushing
// them onto sockets. Safe for concurrent delivery (sweeper goroutine).
type recordingFanout struct {
	mu       sync.Mutex
	frames   map[string][]wire.Frame
	excepted map[string][]string // user -> excluded session ids
	online   map[string]bool
}

func newRecordingFanout(online ...string) *recordingFanout {
	f := &recordingFanout{
		frames:   make(map[string][]wire.Frame),
		excepted: make(map[string][]string),
		online:   make(map[string]bool),
	}
	for _, u := range online {
		f.online[u] = true
	}
	return f
}

func (f *recordingFanout) SendToUser(userID string, fr wire.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames[userID] = append(f.frames[userID], fr)
}

func (f *recordingFanout) SendToUsers(userIDs []string, fr wire.Frame) {
	for _, id := range userIDs {
		f.SendToUser(id, fr)
	}
}

func (f *recordingFanout) SendToUserExcept(userID, exceptSessionID string, fr wire.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames[userID] = append(f.frames[userID], fr)
	f.excepted[userID] = append(f.excepted[userID], exceptSessionID)
}

func (f *recordingFanout) HasSessions(userID string) bool { return f.online[userID] }

// framesFor returns a copy of the frames delivered to one user.
func (f *recordingFanout) framesFor(userID string) []wire.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Frame(nil), f.frames[userID]...)
}

type stubUsers struct {
	known map[string]bool
}

func (s *stubUsers) Exists(ctx context.Context, userID string) (bool, error) {
	return s.known[userID], nil
}

type recordingNotifier struct {
	invites []*model.Invite
}

func (n *recordingNotifier) NotifyInvite(ctx context.Context, inv *model.Invite) {
	n.invites = append(n.invites, inv)
}

type fixture struct {
	coord    *engine.Coordinator
	fanout   *recordingFanout
	notifier *recordingNotifier
	presence *memory.Presence
}

func newFixture(t *testing.T, online ...string) *fixture {
	t.Helper()
	fanout := newRecordingFanout(online...)
	notifier := &recordingNotifier{}
	presence := memory.NewPresence(time.Minute)
	coord := engine.New(engine.Config{
		Positions: memory.NewPositions(),
		Log:       memory.NewLog(2000),
		Reads:     memory.NewReadTracker(),
		Invites:   memory.NewInviteStore(),
		Presence:  presence,
		Users:     &stubUsers{known: map[string]bool{"alice": true, "bob": true, "carol": true}},
		Policy:    engine.NewRoomPolicy(presence),
		Fanout:    fanout,
		Notifier:  notifier,
	})
	return &fixture{coord: coord, fanout: fanout, notifier: notifier, presence: presence}
}

func kinds(frames []wire.Frame) []wire.Kind {
	out := make([]wire.Kind, len(frames))
	for i, f := range frames {
		out[i] = f.Kind
	}
	return out
}

func Test_ChatSend_appends_and_delivers_to_present_members(t *testing.T) {
	// Arrange
	fx := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.presence.Heartbeat(ctx, "arena", "alice"))
	require.NoError(t, fx.presence.Heartbeat(ctx, "arena", "bob"))

	// Act
	msg, err := fx.coord.ChatSend(ctx, "alice", "arena", "hello")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.Seq)
	require.Len(t, fx.fanout.frames["bob"], 1)
	assert.Equal(t, wire.KindChatMessage, fx.fanout.frames["bob"][0].Kind)
	// Отправитель получает эхо ровно один раз.
	require.Len(t, fx.fanout.frames["alice"], 1)
}

func Test_ChatSend_echoes_to_sender_outside_the_room(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.presence.Heartbeat(ctx, "arena", "bob"))

	_, err := fx.coord.ChatSend(ctx, "alice", "arena", "hello")

	require.NoError(t, err)
	require.Len(t, fx.fanout.frames["alice"], 1)
	require.Len(t, fx.fanout.frames["bob"], 1)
}

func Test_MarkRead_recomputes_unread_and_echoes_to_other_sessions(t *testing.T) {
	// Arrange
	fx := newFixture(t)
	ctx := context.Background()
	_, err := fx.coord.ChatSend(ctx, "bob", "arena", "one")
	require.NoError(t, err)

	// Act
	out, err := fx.coord.MarkRead(ctx, "alice", "session-1", "arena")

	// Assert: the message predates the marker, nothing unread
	require.NoError(t, err)
	assert.Equal(t, 0, out.UnreadCount)
	require.Len(t, fx.fanout.frames["alice"], 1)
	assert.Equal(t, wire.KindReadState, fx.fanout.frames["alice"][0].Kind)
	assert.Equal(t, []string{"session-1"}, fx.fanout.excepted["alice"])
}

func Test_PositionUpdate_fans_out_to_room_neighbours_only(t *testing.T) {
	// Arrange
	fx := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.presence.Heartbeat(ctx, "arena", "alice"))
	require.NoError(t, fx.presence.Heartbeat(ctx, "arena", "bob"))
	require.NoError(t, fx.presence.Heartbeat(ctx, "lobby", "carol"))

	// Act
	require.NoError(t, fx.coord.PositionUpdate(ctx, "alice", 55.75, 37.61))

	// Assert
	require.Len(t, fx.fanout.frames["bob"], 1)
	assert.Equal(t, wire.KindPositionUpdate, fx.fanout.frames["bob"][0].Kind)
	assert.Empty(t, fx.fanout.frames["carol"])
	assert.Empty(t, fx.fanout.frames["alice"])
}

func Test_PositionUpdate_rejects_out_of_range_coordinates(t *testing.T) {
	fx := newFixture(t)

	err := fx.coord.PositionUpdate(context.Background(), "alice", 91, 0)

	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func Test_Heartbeat_announces_a_join_once(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.presence.Heartbeat(ctx, "arena", "bob"))

	require.NoError(t, fx.coord.Heartbeat(ctx, "alice", "arena"))
	require.NoError(t, fx.coord.Heartbeat(ctx, "alice", "arena"))

	// Только первый heartbeat — вход; продление лизы молчит.
	require.Len(t, fx.fanout.frames["bob"], 1)
	var out wire.PresenceUpdateOut
	require.NoError(t, json.Unmarshal(fx.fanout.frames["bob"][0].Payload, &out))
	assert.Equal(t, "alice", out.UserID)
	assert.True(t, out.Live)
}

func Test_InviteSend_delivers_a_frame_to_an_online_recipient(t *testing.T) {
	fx := newFixture(t, "bob")

	inv, err := fx.coord.InviteSend(context.Background(), "alice", "bob", "duel")

	require.NoError(t, err)
	assert.Equal(t, model.InviteStatusPending, inv.Status)
	require.Len(t, fx.fanout.frames["bob"], 1)
	assert.Equal(t, wire.KindInviteEvent, fx.fanout.frames["bob"][0].Kind)
	assert.Empty(t, fx.notifier.invites)
}

func Test_InviteSend_falls_back_to_push_when_recipient_is_offline(t *testing.T) {
	fx := newFixture(t)

	inv, err := fx.coord.InviteSend(context.Background(), "alice", "bob", "duel")

	require.NoError(t, err)
	assert.Empty(t, fx.fanout.frames["bob"])
	require.Len(t, fx.notifier.invites, 1)
	assert.Equal(t, inv.ID, fx.notifier.invites[0].ID)
}

func Test_InviteSend_rejects_unknown_recipient_and_self(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.coord.InviteSend(ctx, "alice", "nobody", "duel")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	_, err = fx.coord.InviteSend(ctx, "alice", "alice", "duel")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func Test_InviteRespond_notifies_both_parties(t *testing.T) {
	// Arrange
	fx := newFixture(t, "bob")
	ctx := context.Background()
	inv, err := fx.coord.InviteSend(ctx, "alice", "bob", "duel")
	require.NoError(t, err)

	// Act
	got, err := fx.coord.InviteRespond(ctx, "bob", inv.ID, true)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, model.InviteStatusAccepted, got.Status)
	assert.Contains(t, kinds(fx.fanout.frames["alice"]), wire.KindInviteEvent)
	// У боба: само приглашение + терминальное событие.
	require.Len(t, fx.fanout.frames["bob"], 2)
}

func Test_RoomState_combines_presence_and_unread(t *testing.T) {
	// Arrange
	fx := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.presence.Heartbeat(ctx, "arena", "bob"))
	_, err := fx.coord.ChatSend(ctx, "bob", "arena", "unseen")
	require.NoError(t, err)

	// Act
	state, err := fx.coord.RoomState(ctx, "alice", "arena")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1, state.UnreadCount)
	require.Len(t, state.Members, 1)
	assert.Equal(t, "bob", state.Members[0].UserID)
	assert.True(t, state.Members[0].Online)
}

func Test_SessionsGone_evicts_presence_and_announces_leave(t *testing.T) {
	// Arrange
	fx := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.presence.Heartbeat(ctx, "arena", "alice"))
	require.NoError(t, fx.presence.Heartbeat(ctx, "arena", "bob"))

	// Act
	fx.coord.SessionsGone(ctx, "alice")

	// Assert
	members, err := fx.presence.Members(ctx, "arena")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, members)
	require.Len(t, fx.fanout.frames["bob"], 1)
	var out wire.PresenceUpdateOut
	require.NoError(t, json.Unmarshal(fx.fanout.frames["bob"][0].Payload, &out))
	assert.False(t, out.Live)
}

func Test_HandleFrame_routes_commands_by_kind(t *testing.T) {
	fx := newFixture(t)
	sess := model.Session{ID: "s1", UserID: "alice"}
	frame, err := wire.Decode([]byte(`{"kind":"chat_message","payload":{"room_id":"arena","body":"hi"}}`))
	require.NoError(t, err)

	require.NoError(t, fx.coord.HandleFrame(context.Background(), sess, frame))

	msgs, err := fx.coord.History(context.Background(), "arena", 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice", msgs[0].SenderID)
}

func Test_HandleFrame_rejects_unknown_invite_action_as_protocol_error(t *testing.T) {
	fx := newFixture(t)
	sess := model.Session{ID: "s1", UserID: "alice"}
	frame, err := wire.Decode([]byte(`{"kind":"invite_event","payload":{"action":"ghost"}}`))
	require.NoError(t, err)

	err = fx.coord.HandleFrame(context.Background(), sess, frame)

	assert.True(t, apperr.IsKind(err, apperr.KindProtocol))
}
