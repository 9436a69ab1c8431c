package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/socialmap/internal/logger"
)

type ReadRepository struct {
	pool *pgxpool.Pool
}

func NewReadRepository(pool *pgxpool.Pool) *ReadRepository {
	return &ReadRepository{pool: pool}
}

// MarkRead upserts the marker with GREATEST, so a replayed or stale
// request can never move it backwards. Returns the effective marker.
func (r *ReadRepository) MarkRead(ctx context.Context, roomID, userID string, now time.Time) (time.Time, error) {
	defer logger.DeferLogDuration("read.MarkRead", time.Now())()
	var effective time.Time
	err := r.pool.QueryRow(ctx,
		`INSERT INTO room_reads (room_id, user_id, last_read_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (room_id, user_id)
		 DO UPDATE SET last_read_at = GREATEST(room_reads.last_read_at, EXCLUDED.last_read_at)
		 RETURNING last_read_at`,
		roomID, userID, now.UTC(),
	).Scan(&effective)
	if err != nil {
		return time.Time{}, fmt.Errorf("readRepo.MarkRead: %w", err)
	}
	return effective, nil
}

// Marker returns the stored marker, or the zero time when the user has
// never marked the room read.
func (r *ReadRepository) Marker(ctx context.Context, roomID, userID string) (time.Time, error) {
	defer logger.DeferLogDuration("read.Marker", time.Now())()
	var t time.Time
	err := r.pool.QueryRow(ctx,
		`SELECT last_read_at FROM room_reads WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("readRepo.Marker: %w", err)
	}
	return t, nil
}
