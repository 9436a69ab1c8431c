package memory

import (
	"context"
	"sync"
	"time"

	"github.com/socialmap/internal/apperr"
	"github.com/socialmap/internal/model"
)

// Positions keeps one current position per user; every upsert overwrites.
type Positions struct {
	mu  sync.RWMutex
	cur map[string]model.Position
}

func NewPositions() *Positions {
	return &Positions{cur: make(map[string]model.Position)}
}

func (p *Positions) Upsert(ctx context.Context, userID string, lat, lon float64, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cur[userID] = model.Position{UserID: userID, Lat: lat, Lon: lon, UpdatedAt: now.UTC()}
	return nil
}

func (p *Positions) Get(ctx context.Context, userID string) (*model.Position, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pos, ok := p.cur[userID]
	if !ok {
		return nil, apperr.NotFoundf("no position for user %s", userID)
	}
	out := pos
	return &out, nil
}
