// Package ws держит реестр активных realtime-сессий и занимается
// доставкой кадров. Одна сессия = одно WebSocket-соединение; у
// пользователя их может быть несколько (телефон + браузер).
package ws

import (
	"context"
	"sync"

	"github.com/socialmap/internal/logger"
	"github.com/socialmap/internal/model"
	"github.com/socialmap/internal/wire"
)

// FrameHandler consumes inbound frames from a session. Implemented by
// the coordination engine; the hub itself never interprets payloads.
type FrameHandler interface {
	HandleFrame(ctx context.Context, sess model.Session, frame *wire.Frame) error
}

// Evictor is notified when a user's last session goes away, so presence
// can be dropped eagerly instead of waiting for the TTL sweep.
type Evictor interface {
	SessionsGone(ctx context.Context, userID string)
}

// Hub is the session registry: it owns the session arena, the per-user
// index and all fan-out. Mutating operations go through the run loop's
// channels; fan-out reads a snapshot under RLock so a slow socket never
// blocks registration.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Client            // session id -> client
	byUser   map[string]map[string]*Client // user id -> session id -> client

	handler  FrameHandler
	evictor  Evictor
	maxConns int

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	closeOnce  sync.Once
}

func NewHub(maxConns int) *Hub {
	return &Hub{
		sessions:   make(map[string]*Client),
		byUser:     make(map[string]map[string]*Client),
		maxConns:   maxConns,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// SetHandler wires the frame handler. Must be called before Run; split
// from NewHub because the engine needs the hub for fan-out first.
func (h *Hub) SetHandler(fh FrameHandler) { h.handler = fh }

// SetEvictor wires the eager-eviction callback. Optional.
func (h *Hub) SetEvictor(e Evictor) { h.evictor = e }

// Run processes register/unregister events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	logger.Info("ws hub started")
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			logger.Info("ws hub stopped")
			return
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(ctx, c)
		}
	}
}

// Register adds a session to the registry. Returns false when the hub
// is shutting down or the connection cap is reached. The check here is
// a fast path; the cap itself is enforced in addClient, so concurrent
// registrations past this point still cannot exceed it.
func (h *Hub) Register(c *Client) bool {
	if h.maxConns > 0 {
		h.mu.RLock()
		full := len(h.sessions) >= h.maxConns
		h.mu.RUnlock()
		if full {
			logger.Errorf("ws connection cap %d reached, rejecting user=%s", h.maxConns, c.userID)
			return false
		}
	}
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a session. Idempotent; called from the client's
// read pump on any exit path.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	// Повторная проверка лимита под Lock: несколько Register могли
	// одновременно пройти быструю проверку.
	if h.maxConns > 0 && len(h.sessions) >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection cap %d reached, dropping user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	h.sessions[c.sessionID] = c
	set, ok := h.byUser[c.userID]
	if !ok {
		set = make(map[string]*Client)
		h.byUser[c.userID] = set
	}
	set[c.sessionID] = c
	total := len(h.sessions)
	h.mu.Unlock()
	logger.Infof("ws session registered user=%s session=%s total=%d", c.userID, c.sessionID, total)
}

func (h *Hub) removeClient(ctx context.Context, c *Client) {
	h.mu.Lock()
	if _, ok := h.sessions[c.sessionID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, c.sessionID)
	lastForUser := false
	if set, ok := h.byUser[c.userID]; ok {
		delete(set, c.sessionID)
		if len(set) == 0 {
			delete(h.byUser, c.userID)
			lastForUser = true
		}
	}
	total := len(h.sessions)
	h.mu.Unlock()

	c.Close()
	logger.Infof("ws session gone user=%s session=%s total=%d", c.userID, c.sessionID, total)

	if lastForUser && h.evictor != nil {
		h.evictor.SessionsGone(ctx, c.userID)
	}
}

func (h *Hub) closeAll() {
	h.closeOnce.Do(func() { close(h.done) })
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.sessions))
	for _, c := range h.sessions {
		clients = append(clients, c)
	}
	h.sessions = make(map[string]*Client)
	h.byUser = make(map[string]map[string]*Client)
	h.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
}

// dispatch hands an inbound frame to the handler.
func (h *Hub) dispatch(ctx context.Context, c *Client, frame *wire.Frame) error {
	if h.handler == nil {
		return nil
	}
	return h.handler.HandleFrame(ctx, c.Session(), frame)
}

// snapshotUser returns the clients of one user without holding the lock
// during delivery.
func (h *Hub) snapshotUser(userID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set, ok := h.byUser[userID]
	if !ok {
		return nil
	}
	out := make([]*Client, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// SendToUser delivers a frame to every live session of a user.
func (h *Hub) SendToUser(userID string, f wire.Frame) {
	for _, c := range h.snapshotUser(userID) {
		c.enqueue(f)
	}
}

// SendToUsers delivers a frame to every live session of each user.
func (h *Hub) SendToUsers(userIDs []string, f wire.Frame) {
	for _, id := range userIDs {
		h.SendToUser(id, f)
	}
}

// SendToUserExcept delivers a frame to a user's sessions except one
// (used for echoing read markers to the user's other devices).
func (h *Hub) SendToUserExcept(userID, exceptSessionID string, f wire.Frame) {
	for _, c := range h.snapshotUser(userID) {
		if c.sessionID == exceptSessionID {
			continue
		}
		c.enqueue(f)
	}
}

// HasSessions reports whether the user has at least one live session.
func (h *Hub) HasSessions(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID]) > 0
}

// SessionCount returns the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
