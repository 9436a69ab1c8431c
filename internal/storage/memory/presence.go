package memory

import (
	"context"
	"sync"
	"time"
)

// Presence is the in-memory liveness lease table. Heartbeat refreshes the
// lease; reaping happens on ExpirePass, so Members may lag true liveness
// by at most one sweep interval.
type Presence struct {
	mu    sync.RWMutex
	ttl   time.Duration
	rooms map[string]map[string]time.Time // room -> user -> lease expiry
}

func NewPresence(ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Presence{ttl: ttl, rooms: make(map[string]map[string]time.Time)}
}

func (p *Presence) Heartbeat(ctx context.Context, roomID, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	room, ok := p.rooms[roomID]
	if !ok {
		room = make(map[string]time.Time)
		p.rooms[roomID] = room
	}
	room[userID] = time.Now().Add(p.ttl)
	return nil
}

func (p *Presence) Members(ctx context.Context, roomID string) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	room := p.rooms[roomID]
	out := make([]string, 0, len(room))
	for userID := range room {
		out = append(out, userID)
	}
	return out, nil
}

func (p *Presence) Rooms(ctx context.Context, userID string) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for roomID, room := range p.rooms {
		if _, ok := room[userID]; ok {
			out = append(out, roomID)
		}
	}
	return out, nil
}

func (p *Presence) Remove(ctx context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for roomID, room := range p.rooms {
		delete(room, userID)
		if len(room) == 0 {
			delete(p.rooms, roomID)
		}
	}
	return nil
}

func (p *Presence) ExpirePass(ctx context.Context, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for roomID, room := range p.rooms {
		for userID, exp := range room {
			if !exp.After(now) {
				delete(room, userID)
			}
		}
		if len(room) == 0 {
			delete(p.rooms, roomID)
		}
	}
	return nil
}
