// Package memory holds in-process implementations of the storage
// contracts. They carry the reference semantics (gapless sequences,
// compare-and-transition invites, lease-based presence) and back the -dev
// mode and the test suite.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/socialmap/internal/apperr"
	"github.com/socialmap/internal/model"
)

const defaultHistoryLimit = 50

// Log is an in-memory MessageLog. Rooms are independent: each holds its
// own mutex so unrelated rooms never contend.
type Log struct {
	mu      sync.RWMutex
	rooms   map[string]*roomLog
	maxBody int
}

type roomLog struct {
	mu   sync.Mutex
	msgs []model.ChatMessage // ascending seq; created_at non-decreasing
}

func NewLog(maxBody int) *Log {
	if maxBody <= 0 {
		maxBody = 2000
	}
	return &Log{rooms: make(map[string]*roomLog), maxBody: maxBody}
}

func (l *Log) room(roomID string) *roomLog {
	l.mu.RLock()
	r, ok := l.rooms[roomID]
	l.mu.RUnlock()
	if ok {
		return r
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok = l.rooms[roomID]; ok {
		return r
	}
	r = &roomLog{}
	l.rooms[roomID] = r
	return r
}

func (l *Log) Append(ctx context.Context, roomID, senderID, body string, now time.Time) (*model.ChatMessage, error) {
	if roomID == "" {
		return nil, apperr.Validationf("room id required")
	}
	if strings.TrimSpace(body) == "" {
		return nil, apperr.Validationf("message body is empty")
	}
	if len(body) > l.maxBody {
		return nil, apperr.Validationf("message body exceeds %d bytes", l.maxBody)
	}

	r := l.room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()

	var seq int64 = 1
	createdAt := now.UTC()
	if n := len(r.msgs); n > 0 {
		last := r.msgs[n-1]
		seq = last.Seq + 1
		// Wall clocks are not monotonic across callers; clamp so that
		// creation-time order always agrees with seq order.
		if createdAt.Before(last.CreatedAt) {
			createdAt = last.CreatedAt
		}
	}
	m := model.ChatMessage{
		ID:        uuid.New().String(),
		RoomID:    roomID,
		Seq:       seq,
		SenderID:  senderID,
		Body:      body,
		CreatedAt: createdAt,
	}
	r.msgs = append(r.msgs, m)
	return &m, nil
}

func (l *Log) History(ctx context.Context, roomID string, beforeSeq int64, limit int) ([]model.ChatMessage, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	r := l.room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()

	end := len(r.msgs)
	if beforeSeq > 0 {
		// Exclusive cursor: first index with seq >= beforeSeq.
		end = sort.Search(len(r.msgs), func(i int) bool { return r.msgs[i].Seq >= beforeSeq })
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]model.ChatMessage, 0, end-start)
	for i := end - 1; i >= start; i-- {
		out = append(out, r.msgs[i])
	}
	return out, nil
}

func (l *Log) CountAfter(ctx context.Context, roomID string, after time.Time) (int, error) {
	r := l.room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()

	// created_at is non-decreasing, so the first message after the marker
	// is found by binary search.
	i := sort.Search(len(r.msgs), func(i int) bool { return r.msgs[i].CreatedAt.After(after) })
	return len(r.msgs) - i, nil
}

// ReadTracker is an in-memory read-marker store.
type ReadTracker struct {
	mu      sync.RWMutex
	markers map[string]map[string]time.Time // room -> user -> last read
}

func NewReadTracker() *ReadTracker {
	return &ReadTracker{markers: make(map[string]map[string]time.Time)}
}

func (t *ReadTracker) MarkRead(ctx context.Context, roomID, userID string, now time.Time) (time.Time, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	room, ok := t.markers[roomID]
	if !ok {
		room = make(map[string]time.Time)
		t.markers[roomID] = room
	}
	now = now.UTC()
	if existing := room[userID]; existing.After(now) {
		// Replayed or out-of-order request: the marker never moves back.
		return existing, nil
	}
	room[userID] = now
	return now, nil
}

func (t *ReadTracker) Marker(ctx context.Context, roomID, userID string) (time.Time, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.markers[roomID][userID], nil
}
