package wire_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialmap/internal/apperr"
	"github.com/socialmap/internal/model"
	"github.com/socialmap/internal/wire"
)

func Test_Decode_accepts_every_client_frame_kind(t *testing.T) {
	for _, kind := range []string{"position_update", "chat_message", "presence_update", "read_state", "invite_event"} {
		f, err := wire.Decode([]byte(`{"kind":"` + kind + `","payload":{}}`))
		require.NoError(t, err, kind)
		assert.Equal(t, wire.Kind(kind), f.Kind)
	}
}

func Test_Decode_rejects_unknown_kind_as_protocol_error(t *testing.T) {
	_, err := wire.Decode([]byte(`{"kind":"teleport","payload":{}}`))

	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindProtocol))
}

func Test_Decode_rejects_malformed_json_as_protocol_error(t *testing.T) {
	_, err := wire.Decode([]byte(`{"kind":`))

	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindProtocol))
}

func Test_Decode_rejects_inbound_error_frames(t *testing.T) {
	_, err := wire.Decode([]byte(`{"kind":"error","payload":{"code":"x","msg":"y"}}`))

	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindProtocol))
}

func Test_Payload_accessors_reject_missing_and_malformed_payloads(t *testing.T) {
	f, err := wire.Decode([]byte(`{"kind":"chat_message"}`))
	require.NoError(t, err)

	_, err = f.ChatSend()
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindProtocol))

	f, err = wire.Decode([]byte(`{"kind":"position_update","payload":[1,2]}`))
	require.NoError(t, err)
	_, err = f.PositionUpdate()
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindProtocol))
}

func Test_Inbound_invite_action_roundtrip(t *testing.T) {
	raw := `{"kind":"invite_event","payload":{"action":"send","to_user":"bob","mode":"duel"}}`

	f, err := wire.Decode([]byte(raw))
	require.NoError(t, err)
	action, err := f.InviteAction()
	require.NoError(t, err)

	assert.Equal(t, wire.InviteActionSend, action.Action)
	assert.Equal(t, "bob", action.ToUser)
	assert.Equal(t, "duel", action.Mode)
}

func Test_ChatFrame_carries_the_message_payload(t *testing.T) {
	msg := &model.ChatMessage{
		ID: "m1", RoomID: "lobby", Seq: 7, SenderID: "alice",
		Body: "hi", CreatedAt: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}

	f := wire.ChatFrame(msg)

	assert.Equal(t, wire.KindChatMessage, f.Kind)
	var got model.ChatMessage
	require.NoError(t, json.Unmarshal(f.Payload, &got))
	assert.Equal(t, *msg, got)
}

func Test_ErrorFrame_exposes_the_error_kind_as_code(t *testing.T) {
	f := wire.ErrorFrame(apperr.Conflictf("invite already pending"))

	assert.Equal(t, wire.KindError, f.Kind)
	var out wire.ErrorOut
	require.NoError(t, json.Unmarshal(f.Payload, &out))
	assert.Equal(t, "conflict", out.Code)
	assert.Contains(t, out.Msg, "already pending")
}
