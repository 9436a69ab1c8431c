package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/socialmap/internal/apperr"
	"github.com/socialmap/internal/logger"
	"github.com/socialmap/internal/model"
)

const uniqueViolation = "23505"

const inviteCols = `id, from_user, to_user, mode, status, created_at, responded_at`

type InviteRepository struct {
	pool *pgxpool.Pool
}

func NewInviteRepository(pool *pgxpool.Pool) *InviteRepository {
	return &InviteRepository{pool: pool}
}

func scanInvite(s interface{ Scan(dest ...any) error }, inv *model.Invite) error {
	return s.Scan(&inv.ID, &inv.FromUser, &inv.ToUser, &inv.Mode, &inv.Status, &inv.CreatedAt, &inv.RespondedAt)
}

// Send creates a pending invite. The partial unique index on
// (from_user, to_user) WHERE status = 'pending' is the authority on
// duplicates; a violation maps to a Conflict error.
func (r *InviteRepository) Send(ctx context.Context, fromUser, toUser, mode string, now time.Time) (*model.Invite, error) {
	defer logger.DeferLogDuration("invite.Send", time.Now())()
	if fromUser == toUser {
		return nil, apperr.Validationf("cannot invite yourself")
	}
	if mode == "" {
		mode = model.InviteModeDuel
	}
	inv := &model.Invite{
		ID:        uuid.New().String(),
		FromUser:  fromUser,
		ToUser:    toUser,
		Mode:      mode,
		Status:    model.InviteStatusPending,
		CreatedAt: now.UTC(),
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO invites (id, from_user, to_user, mode, status, created_at)
		 VALUES ($1, $2, $3, $4, 'pending', $5)`,
		inv.ID, fromUser, toUser, mode, inv.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, apperr.Conflictf("an invite to this user is still pending")
		}
		return nil, fmt.Errorf("inviteRepo.Send: %w", err)
	}
	return inv, nil
}

// Respond transitions pending to accepted/rejected with a conditional
// UPDATE. The WHERE status = 'pending' clause is the compare-and-
// transition: of two racing responders exactly one updates a row, the
// other falls into the classification query below.
func (r *InviteRepository) Respond(ctx context.Context, inviteID, byUser string, accept bool, now time.Time) (*model.Invite, error) {
	defer logger.DeferLogDuration("invite.Respond", time.Now())()
	status := model.InviteStatusRejected
	if accept {
		status = model.InviteStatusAccepted
	}

	inv := &model.Invite{}
	row := r.pool.QueryRow(ctx,
		`UPDATE invites SET status = $1, responded_at = $2
		 WHERE id = $3 AND to_user = $4 AND status = 'pending'
		 RETURNING `+inviteCols,
		status, now.UTC(), inviteID, byUser,
	)
	if err := scanInvite(row, inv); err == nil {
		return inv, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("inviteRepo.Respond: %w", err)
	}

	// No row updated: tell the caller why.
	cur := &model.Invite{}
	selErr := scanInvite(r.pool.QueryRow(ctx,
		`SELECT `+inviteCols+` FROM invites WHERE id = $1`, inviteID), cur)
	if errors.Is(selErr, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("invite %s not found", inviteID)
	}
	if selErr != nil {
		return nil, fmt.Errorf("inviteRepo.Respond classify: %w", selErr)
	}
	if cur.ToUser != byUser {
		return nil, apperr.Forbiddenf("only the recipient may respond to invite %s", inviteID)
	}
	return nil, apperr.InvalidStatef("invite %s is already %s", inviteID, cur.Status)
}

func (r *InviteRepository) Pending(ctx context.Context, userID string) ([]model.Invite, error) {
	defer logger.DeferLogDuration("invite.Pending", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+inviteCols+` FROM invites
		 WHERE to_user = $1 AND status = 'pending'
		 ORDER BY created_at DESC, id DESC
		 LIMIT 100`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("inviteRepo.Pending query: %w", err)
	}
	defer rows.Close()

	invites := make([]model.Invite, 0, 8)
	for rows.Next() {
		var inv model.Invite
		if err := scanInvite(rows, &inv); err != nil {
			return nil, fmt.Errorf("inviteRepo.Pending scan: %w", err)
		}
		invites = append(invites, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inviteRepo.Pending rows: %w", err)
	}
	return invites, nil
}

// ExpireBefore sweeps stale pendings to expired and returns the
// transitioned invites for fan-out.
func (r *InviteRepository) ExpireBefore(ctx context.Context, cutoff time.Time) ([]model.Invite, error) {
	defer logger.DeferLogDuration("invite.ExpireBefore", time.Now())()
	rows, err := r.pool.Query(ctx,
		`UPDATE invites SET status = 'expired'
		 WHERE status = 'pending' AND created_at < $1
		 RETURNING `+inviteCols, cutoff.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("inviteRepo.ExpireBefore query: %w", err)
	}
	defer rows.Close()

	var expired []model.Invite
	for rows.Next() {
		var inv model.Invite
		if err := scanInvite(rows, &inv); err != nil {
			return nil, fmt.Errorf("inviteRepo.ExpireBefore scan: %w", err)
		}
		expired = append(expired, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inviteRepo.ExpireBefore rows: %w", err)
	}
	return expired, nil
}
