package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatline/internal/logger"
	"github.com/chatline/internal/model"
)

type BlockRepository struct {
	pool *pgxpool.Pool
}

func NewBlockRepository(pool *pgxpool.Pool) *BlockRepository {
	return &BlockRepository{pool: pool}
}

func (r *BlockRepository) Block(ctx context.Context, userID, blockedID string) error {
	defer logger.DeferLogDuration("block.Block", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO blocks (user_id, blocked_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		userID, blockedID,
	)
	if err != nil {
		return fmt.Errorf("blockRepo.Block: %w", err)
	}
	return nil
}

func (r *BlockRepository) Unblock(ctx context.Context, userID, blockedID string) error {
	defer logger.DeferLogDuration("block.Unblock", time.Now())()
	_, err := r.pool.Exec(ctx,
		`DELETE FROM blocks WHERE user_id = $1 AND blocked_id = $2`,
		userID, blockedID,
	)
	if err != nil {
		return fmt.Errorf("blockRepo.Unblock: %w", err)
	}
	return nil
}

// IsBlockedEither сообщает, заблокировал ли кто-то из пары другого.
// Доставка сообщений запрещена в обе стороны.
func (r *BlockRepository) IsBlockedEither(ctx context.Context, a, b string) (bool, error) {
	defer logger.DeferLogDuration("block.IsBlockedEither", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM blocks
		   WHERE (user_id = $1 AND blocked_id = $2) OR (user_id = $2 AND blocked_id = $1)
		 )`, a, b,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("blockRepo.IsBlockedEither: %w", err)
	}
	return exists, nil
}

func (r *BlockRepository) ListBlocked(ctx context.Context, userID string) ([]model.UserPublic, error) {
	defer logger.DeferLogDuration("block.ListBlocked", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT u.id, u.username, u.display_name, u.avatar_url, u.is_online, u.last_seen_at
		 FROM blocks b
		 JOIN users u ON u.id = b.blocked_id
		 WHERE b.user_id = $1
		 ORDER BY u.username`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("blockRepo.ListBlocked query: %w", err)
	}
	defer rows.Close()

	var users []model.UserPublic
	for rows.Next() {
		var u model.UserPublic
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName, &u.AvatarURL, &u.IsOnline, &u.LastSeenAt); err != nil {
			return nil, fmt.Errorf("blockRepo.ListBlocked scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("blockRepo.ListBlocked rows: %w", err)
	}
	return users, nil
}
