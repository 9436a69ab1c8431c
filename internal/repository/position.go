package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/socialmap/internal/apperr"
	"github.com/socialmap/internal/logger"
	"github.com/socialmap/internal/model"
)

type PositionRepository struct {
	pool *pgxpool.Pool
}

func NewPositionRepository(pool *pgxpool.Pool) *PositionRepository {
	return &PositionRepository{pool: pool}
}

// Upsert overwrites the user's single current position.
func (r *PositionRepository) Upsert(ctx context.Context, userID string, lat, lon float64, now time.Time) error {
	defer logger.DeferLogDuration("pos.Upsert", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_positions (user_id, lat, lon, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id)
		 DO UPDATE SET lat = EXCLUDED.lat, lon = EXCLUDED.lon, updated_at = EXCLUDED.updated_at`,
		userID, lat, lon, now.UTC(),
	)
	if err != nil {
		return fmt.Errorf("posRepo.Upsert: %w", err)
	}
	return nil
}

func (r *PositionRepository) Get(ctx context.Context, userID string) (*model.Position, error) {
	defer logger.DeferLogDuration("pos.Get", time.Now())()
	p := &model.Position{}
	err := r.pool.QueryRow(ctx,
		`SELECT user_id, lat, lon, updated_at FROM user_positions WHERE user_id = $1`, userID,
	).Scan(&p.UserID, &p.Lat, &p.Lon, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("no position for user %s", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("posRepo.Get: %w", err)
	}
	return p, nil
}
