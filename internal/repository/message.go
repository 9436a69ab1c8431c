// Package repository implements the storage contracts on PostgreSQL
// (pgx). Writes are append-only for messages and invites, upserts for
// positions and read markers, matching the durable-store contract.
package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/socialmap/internal/apperr"
	"github.com/socialmap/internal/logger"
	"github.com/socialmap/internal/model"
)

const defaultHistoryLimit = 50

type MessageRepository struct {
	pool    *pgxpool.Pool
	maxBody int
}

func NewMessageRepository(pool *pgxpool.Pool, maxBody int) *MessageRepository {
	if maxBody <= 0 {
		maxBody = 2000
	}
	return &MessageRepository{pool: pool, maxBody: maxBody}
}

// Append assigns the next per-room seq under an advisory lock keyed by
// the room id, so sequences stay gapless and strictly increasing no
// matter how many writers race on the room.
func (r *MessageRepository) Append(ctx context.Context, roomID, senderID, body string, now time.Time) (*model.ChatMessage, error) {
	defer logger.DeferLogDuration("msg.Append", time.Now())()
	if roomID == "" {
		return nil, apperr.Validationf("room id required")
	}
	if strings.TrimSpace(body) == "" {
		return nil, apperr.Validationf("message body is empty")
	}
	if len(body) > r.maxBody {
		return nil, apperr.Validationf("message body exceeds %d bytes", r.maxBody)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Append begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, roomID); err != nil {
		return nil, fmt.Errorf("msgRepo.Append lock: %w", err)
	}

	m := &model.ChatMessage{
		ID:       uuid.New().String(),
		RoomID:   roomID,
		SenderID: senderID,
		Body:     body,
	}
	// GREATEST keeps created_at non-decreasing within the room even when
	// caller clocks disagree, so time order always matches seq order.
	err = tx.QueryRow(ctx,
		`INSERT INTO room_messages (id, room_id, seq, sender_id, body, created_at)
		 VALUES ($1, $2,
		         (SELECT COALESCE(MAX(seq), 0) + 1 FROM room_messages WHERE room_id = $2),
		         $3, $4,
		         GREATEST($5::timestamptz, COALESCE((SELECT MAX(created_at) FROM room_messages WHERE room_id = $2), $5::timestamptz)))
		 RETURNING seq, created_at`,
		m.ID, roomID, senderID, body, now.UTC(),
	).Scan(&m.Seq, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Append insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("msgRepo.Append commit: %w", err)
	}
	return m, nil
}

// History pages newest-first; beforeSeq is an exclusive cursor, <= 0
// means "from the latest".
func (r *MessageRepository) History(ctx context.Context, roomID string, beforeSeq int64, limit int) ([]model.ChatMessage, error) {
	defer logger.DeferLogDuration("msg.History", time.Now())()
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, room_id, seq, sender_id, body, created_at
		 FROM room_messages
		 WHERE room_id = $1 AND ($2::bigint <= 0 OR seq < $2)
		 ORDER BY seq DESC
		 LIMIT $3`, roomID, beforeSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.History query: %w", err)
	}
	defer rows.Close()

	msgs := make([]model.ChatMessage, 0, limit)
	for rows.Next() {
		var m model.ChatMessage
		if err := rows.Scan(&m.ID, &m.RoomID, &m.Seq, &m.SenderID, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("msgRepo.History scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.History rows: %w", err)
	}
	return msgs, nil
}

func (r *MessageRepository) CountAfter(ctx context.Context, roomID string, after time.Time) (int, error) {
	defer logger.DeferLogDuration("msg.CountAfter", time.Now())()
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM room_messages WHERE room_id = $1 AND created_at > $2`,
		roomID, after.UTC(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.CountAfter: %w", err)
	}
	return count, nil
}
