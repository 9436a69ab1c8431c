package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialmap/internal/apperr"
	"github.com/socialmap/internal/model"
	"github.com/socialmap/internal/wire"
	"github.com/socialmap/internal/ws"
)

// testHandler lets each test script the engine's reaction to a frame.
type testHandler struct {
	fn func(ctx context.Context, sess model.Session, frame *wire.Frame) error
}

func (h *testHandler) HandleFrame(ctx context.Context, sess model.Session, frame *wire.Frame) error {
	if h.fn == nil {
		return nil
	}
	return h.fn(ctx, sess, frame)
}

type testEvictor struct {
	gone chan string
}

func (e *testEvictor) SessionsGone(ctx context.Context, userID string) {
	e.gone <- userID
}

type hubFixture struct {
	hub     *ws.Hub
	handler *testHandler
	evictor *testEvictor
	server  *httptest.Server
	cancel  context.CancelFunc
}

// newHubFixture starts a hub and an HTTP server that upgrades every
// request into a session for the user named in the query string.
func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	return newHubFixtureWithCap(t, 100)
}

func newHubFixtureWithCap(t *testing.T, maxConns int) *hubFixture {
	t.Helper()
	hub := ws.NewHub(maxConns)
	handler := &testHandler{}
	evictor := &testEvictor{gone: make(chan string, 8)}
	hub.SetHandler(handler)
	hub.SetEvictor(evictor)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		client := ws.NewClient(hub, conn, r.URL.Query().Get("user"))
		if !hub.Register(client) {
			conn.Close()
			return
		}
		clientCtx, clientCancel := context.WithCancel(context.Background())
		client.Start(clientCtx, clientCancel)
	}))

	fx := &hubFixture{hub: hub, handler: handler, evictor: evictor, server: server, cancel: cancel}
	t.Cleanup(func() {
		fx.server.Close()
		fx.cancel()
	})
	return fx
}

func (fx *hubFixture) dial(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(fx.server.URL, "http") + "/?user=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitSessions(t *testing.T, hub *ws.Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.SessionCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d sessions, have %d", want, hub.SessionCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) wire.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var f wire.Frame
	require.NoError(t, json.Unmarshal(raw, &f))
	return f
}

func Test_SendToUser_reaches_every_session_of_the_user(t *testing.T) {
	// Arrange: один пользователь, два устройства
	fx := newHubFixture(t)
	first := fx.dial(t, "alice")
	second := fx.dial(t, "alice")
	waitSessions(t, fx.hub, 2)

	// Act
	fx.hub.SendToUser("alice", wire.PresenceFrame("arena", "bob", true))

	// Assert
	for _, conn := range []*websocket.Conn{first, second} {
		f := readFrame(t, conn)
		assert.Equal(t, wire.KindPresenceUpdate, f.Kind)
	}
}

func Test_SendToUser_ignores_users_without_sessions(t *testing.T) {
	fx := newHubFixture(t)
	fx.dial(t, "alice")
	waitSessions(t, fx.hub, 1)

	// Должно молча пройти мимо.
	fx.hub.SendToUser("nobody", wire.PresenceFrame("arena", "bob", true))

	assert.True(t, fx.hub.HasSessions("alice"))
	assert.False(t, fx.hub.HasSessions("nobody"))
}

func Test_Inbound_frames_reach_the_handler_with_the_session(t *testing.T) {
	// Arrange
	fx := newHubFixture(t)
	got := make(chan model.Session, 1)
	fx.handler.fn = func(ctx context.Context, sess model.Session, frame *wire.Frame) error {
		got <- sess
		return nil
	}
	conn := fx.dial(t, "alice")
	waitSessions(t, fx.hub, 1)

	// Act
	err := conn.WriteMessage(websocket.TextMessage, []byte(`{"kind":"presence_update","payload":{"room_id":"arena"}}`))
	require.NoError(t, err)

	// Assert
	select {
	case sess := <-got:
		assert.Equal(t, "alice", sess.UserID)
		assert.NotEmpty(t, sess.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}
}

func Test_Command_failure_comes_back_as_an_error_frame(t *testing.T) {
	// Arrange
	fx := newHubFixture(t)
	fx.handler.fn = func(ctx context.Context, sess model.Session, frame *wire.Frame) error {
		return apperr.Conflictf("invite already pending")
	}
	conn := fx.dial(t, "alice")
	waitSessions(t, fx.hub, 1)

	// Act
	err := conn.WriteMessage(websocket.TextMessage, []byte(`{"kind":"invite_event","payload":{"action":"send","to_user":"bob"}}`))
	require.NoError(t, err)

	// Assert: соединение живо, ошибка пришла кадром
	f := readFrame(t, conn)
	require.Equal(t, wire.KindError, f.Kind)
	var out wire.ErrorOut
	require.NoError(t, json.Unmarshal(f.Payload, &out))
	assert.Equal(t, "conflict", out.Code)
	assert.Equal(t, 1, fx.hub.SessionCount())
}

func Test_Malformed_frame_tears_down_only_the_offending_session(t *testing.T) {
	// Arrange
	fx := newHubFixture(t)
	bad := fx.dial(t, "alice")
	good := fx.dial(t, "bob")
	waitSessions(t, fx.hub, 2)

	// Act
	require.NoError(t, bad.WriteMessage(websocket.TextMessage, []byte(`{"kind":"teleport"}`)))

	// Assert: alice падает, bob остаётся
	waitSessions(t, fx.hub, 1)
	assert.False(t, fx.hub.HasSessions("alice"))
	assert.True(t, fx.hub.HasSessions("bob"))
	_ = good
}

func Test_Slow_consumer_drop_does_not_cancel_the_inflight_command(t *testing.T) {
	// Arrange: handler застревает посреди "мутации", пока тест не отпустит
	fx := newHubFixture(t)
	inFlight := make(chan context.Context, 1)
	release := make(chan struct{})
	fx.handler.fn = func(ctx context.Context, sess model.Session, frame *wire.Frame) error {
		inFlight <- ctx
		<-release
		return ctx.Err()
	}
	conn := fx.dial(t, "alice")
	waitSessions(t, fx.hub, 1)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"kind":"presence_update","payload":{"room_id":"arena"}}`)))

	var hctx context.Context
	select {
	case hctx = <-inFlight:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}

	// Act: заливаем буфер сессии, пока не сработает дроп медленного
	// потребителя. Клиент ничего не читает, значит writePump встанет и
	// переполнение гарантировано.
	big := wire.ChatFrame(&model.ChatMessage{RoomID: "arena", SenderID: "bob", Body: strings.Repeat("x", 3000)})
	for i := 0; i < 5000; i++ {
		fx.hub.SendToUser("alice", big)
	}
	close(release)

	// Assert: сессию снесло, но контекст её команды не отменён
	waitSessions(t, fx.hub, 0)
	assert.NoError(t, hctx.Err())
}

func Test_Connection_cap_holds_under_concurrent_registrations(t *testing.T) {
	// Arrange: лимит 2, десять одновременных подключений
	fx := newHubFixtureWithCap(t, 2)
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			url := "ws" + strings.TrimPrefix(fx.server.URL, "http") + "/?user=u" + strconv.Itoa(n)
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			if err != nil {
				return
			}
			t.Cleanup(func() { conn.Close() })
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	// Assert: лимит никогда не превышен, даже после гонки быстрых проверок
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		require.LessOrEqual(t, fx.hub.SessionCount(), 2)
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 2, fx.hub.SessionCount())
}

func Test_Last_session_disconnect_triggers_eviction(t *testing.T) {
	// Arrange
	fx := newHubFixture(t)
	first := fx.dial(t, "alice")
	second := fx.dial(t, "alice")
	waitSessions(t, fx.hub, 2)

	// Act: первое устройство уходит — эвикции нет
	first.Close()
	waitSessions(t, fx.hub, 1)
	select {
	case u := <-fx.evictor.gone:
		t.Fatalf("premature eviction of %s", u)
	case <-time.After(100 * time.Millisecond):
	}

	// Последнее устройство уходит — presence вычищается
	second.Close()
	select {
	case u := <-fx.evictor.gone:
		assert.Equal(t, "alice", u)
	case <-time.After(2 * time.Second):
		t.Fatal("eviction was not triggered")
	}
}
