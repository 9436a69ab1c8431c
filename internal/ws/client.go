package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/socialmap/internal/apperr"
	"github.com/socialmap/internal/logger"
	"github.com/socialmap/internal/model"
	"github.com/socialmap/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufSize    = 256
)

// bufPool pools bytes.Buffer for JSON encoding in the hot-path (writePump).
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Client represents a single realtime session: one WebSocket connection
// of one user. Lifecycle: NewClient -> Start(ctx, cancel) ->
// [ReadPump, WritePump] -> Close -> Wait.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan wire.Frame
	sessionID   string
	userID      string
	established time.Time

	// done is used as a non-blocking guard in sendToClient.
	done chan struct{}
	// cancel cancels the context passed to Start, triggering pump shutdown.
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan wire.Frame, sendBufSize),
		sessionID:   uuid.New().String(),
		userID:      userID,
		established: time.Now().UTC(),
		done:        make(chan struct{}),
	}
}

// Session returns the session descriptor handed to the frame handler.
func (c *Client) Session() model.Session {
	return model.Session{ID: c.sessionID, UserID: c.userID, EstablishedAt: c.established}
}

// Start launches ReadPump and WritePump goroutines with controlled lifecycle.
// ctx controls pump lifetime; cancel is stored for Close().
func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Wait blocks until both pump goroutines have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close signals the client to stop. Safe to call multiple times from any goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		// Force both pumps to unblock (ReadMessage / WriteMessage will error).
		c.conn.Close()
	})
}

// readPump reads frames from the connection and hands them to the hub's
// frame handler. A protocol error (unknown kind, malformed payload)
// closes this connection and only this connection; command errors go
// back to the sender as an error frame.
func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("ws set read deadline user=%s: %v", c.userID, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error user=%s: %v", c.userID, err)
			}
			return
		}

		frame, err := wire.Decode(raw)
		if err != nil {
			logger.Errorf("ws protocol error user=%s session=%s: %v", c.userID, c.sessionID, err)
			return
		}

		// Мутация отвязана от жизни сессии: обрыв или дроп этого
		// соединения не должен откатывать уже начатую запись.
		if err := c.hub.dispatch(context.WithoutCancel(ctx), c, frame); err != nil {
			if apperr.IsKind(err, apperr.KindProtocol) {
				logger.Errorf("ws protocol error user=%s session=%s: %v", c.userID, c.sessionID, err)
				return
			}
			// Command failed after a clean decode: report synchronously,
			// keep the connection.
			c.enqueue(wire.ErrorFrame(err))
		}
	}
}

// enqueue delivers a frame to this session's outbound buffer; a full
// buffer drops the session rather than blocking the caller.
func (c *Client) enqueue(f wire.Frame) {
	select {
	case c.send <- f:
	case <-c.done:
	default:
		logger.Errorf("ws send buffer full, closing slow session user=%s session=%s", c.userID, c.sessionID)
		c.Close()
	}
}

// writePump writes frames to the WebSocket connection.
// Exits on ctx cancellation, write error, or connection close.
func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			if err := c.conn.WriteMessage(websocket.CloseMessage, nil); err != nil {
				logger.Errorf("ws close message user=%s: %v", c.userID, err)
			}
			return
		case f := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.userID, err)
				return
			}
			buf := bufPool.Get().(*bytes.Buffer)
			buf.Reset()
			enc := json.NewEncoder(buf)
			if err := enc.Encode(f); err != nil {
				bufPool.Put(buf)
				logger.Errorf("ws marshal error user=%s: %v", c.userID, err)
				continue
			}
			data := buf.Bytes()
			// json.Encoder appends '\n'; trim it for WebSocket text messages.
			if len(data) > 0 && data[len(data)-1] == '\n' {
				data = data[:len(data)-1]
			}
			writeErr := c.conn.WriteMessage(websocket.TextMessage, data)
			bufPool.Put(buf)
			if writeErr != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.userID, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
