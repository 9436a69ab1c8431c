package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/socialmap/internal/apperr"
	"github.com/socialmap/internal/model"
)

type pairKey struct {
	from string
	to   string
}

// InviteStore is an in-memory invite state machine. One mutex guards the
// whole arena; transitions are compare-and-swap on the pending status, so
// of two racing Respond calls exactly one observes pending and wins.
type InviteStore struct {
	mu      sync.Mutex
	byID    map[string]*model.Invite
	pending map[pairKey]string // (from, to) -> invite id while pending
}

func NewInviteStore() *InviteStore {
	return &InviteStore{
		byID:    make(map[string]*model.Invite),
		pending: make(map[pairKey]string),
	}
}

func (s *InviteStore) Send(ctx context.Context, fromUser, toUser, mode string, now time.Time) (*model.Invite, error) {
	if fromUser == toUser {
		return nil, apperr.Validationf("cannot invite yourself")
	}
	if mode == "" {
		mode = model.InviteModeDuel
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{from: fromUser, to: toUser}
	if id, ok := s.pending[key]; ok {
		return nil, apperr.Conflictf("invite %s to this user is still pending", id)
	}
	inv := &model.Invite{
		ID:        uuid.New().String(),
		FromUser:  fromUser,
		ToUser:    toUser,
		Mode:      mode,
		Status:    model.InviteStatusPending,
		CreatedAt: now.UTC(),
	}
	s.byID[inv.ID] = inv
	s.pending[key] = inv.ID
	out := *inv
	return &out, nil
}

func (s *InviteStore) Respond(ctx context.Context, inviteID, byUser string, accept bool, now time.Time) (*model.Invite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.byID[inviteID]
	if !ok {
		return nil, apperr.NotFoundf("invite %s not found", inviteID)
	}
	if inv.ToUser != byUser {
		return nil, apperr.Forbiddenf("only the recipient may respond to invite %s", inviteID)
	}
	if inv.Status != model.InviteStatusPending {
		return nil, apperr.InvalidStatef("invite %s is already %s", inviteID, inv.Status)
	}

	if accept {
		inv.Status = model.InviteStatusAccepted
	} else {
		inv.Status = model.InviteStatusRejected
	}
	respondedAt := now.UTC()
	inv.RespondedAt = &respondedAt
	delete(s.pending, pairKey{from: inv.FromUser, to: inv.ToUser})
	out := *inv
	return &out, nil
}

func (s *InviteStore) Pending(ctx context.Context, userID string) ([]model.Invite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Invite, 0, 8)
	for _, inv := range s.byID {
		if inv.ToUser == userID && inv.Status == model.InviteStatusPending {
			out = append(out, *inv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *InviteStore) ExpireBefore(ctx context.Context, cutoff time.Time) ([]model.Invite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []model.Invite
	for _, inv := range s.byID {
		if inv.Status == model.InviteStatusPending && inv.CreatedAt.Before(cutoff) {
			inv.Status = model.InviteStatusExpired
			delete(s.pending, pairKey{from: inv.FromUser, to: inv.ToUser})
			expired = append(expired, *inv)
		}
	}
	return expired, nil
}
