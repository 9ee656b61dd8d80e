package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatline/internal/logger"
	"github.com/chatline/internal/model"
)

const msgCols = `id, client_message_id, sender_id, receiver_id, message_type, status, reply_to_id,
	forward_from_id, content, sticker_id, sticker_url, file_url, file_name, file_size, file_type, created_at`

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func scanMessage(s interface{ Scan(dest ...any) error }, m *model.Message) error {
	var createdAt time.Time
	err := s.Scan(&m.ID, &m.CorrelationID, &m.SenderID, &m.ReceiverID, &m.Type, &m.Status, &m.ReplyToID,
		&m.ForwardFromID, &m.Content, &m.StickerID, &m.StickerURL, &m.FileURL, &m.FileName, &m.FileSize, &m.FileType, &createdAt)
	if err != nil {
		return err
	}
	m.Timestamp = createdAt.UTC().Format(time.RFC3339Nano)
	return nil
}

func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	createdAt, err := time.Parse(time.RFC3339Nano, m.Timestamp)
	if err != nil {
		createdAt = time.Now().UTC()
		m.Timestamp = createdAt.Format(time.RFC3339Nano)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO messages (id, client_message_id, sender_id, receiver_id, message_type, status, reply_to_id,
		                       forward_from_id, content, sticker_id, sticker_url, file_url, file_name, file_size, file_type, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		m.ID, m.CorrelationID, m.SenderID, m.ReceiverID, m.Type, m.Status, m.ReplyToID,
		m.ForwardFromID, m.Content, m.StickerID, m.StickerURL, m.FileURL, m.FileName, m.FileSize, m.FileType, createdAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	row := r.pool.QueryRow(ctx, `SELECT `+msgCols+` FROM messages WHERE id = $1`, id)
	if err := scanMessage(row, m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return m, nil
}

// GetConversation возвращает сообщения между двумя пользователями в
// хронологическом порядке (последняя страница при offset 0).
func (r *MessageRepository) GetConversation(ctx context.Context, userID, peerID string, limit, offset int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.GetConversation", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+msgCols+` FROM messages
		 WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
		 ORDER BY created_at DESC
		 LIMIT $3 OFFSET $4`, userID, peerID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetConversation query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("msgRepo.GetConversation scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.GetConversation rows: %w", err)
	}
	// DESC для страницы, хронологический порядок для клиента.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *MessageRepository) UpdateStatus(ctx context.Context, id string, status model.MessageStatus) error {
	defer logger.DeferLogDuration("msg.UpdateStatus", time.Now())()
	_, err := r.pool.Exec(ctx, `UPDATE messages SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("msgRepo.UpdateStatus: %w", err)
	}
	return nil
}

// MarkSeen помечает прочитанными все сообщения от peerID к userID.
// Возвращает id обновлённых сообщений для рассылки статусов отправителю.
func (r *MessageRepository) MarkSeen(ctx context.Context, userID, peerID string) ([]string, error) {
	defer logger.DeferLogDuration("msg.MarkSeen", time.Now())()
	rows, err := r.pool.Query(ctx,
		`UPDATE messages SET status = 'seen'
		 WHERE sender_id = $1 AND receiver_id = $2 AND status IN ('sent', 'delivered')
		 RETURNING id`, peerID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.MarkSeen: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("msgRepo.MarkSeen scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.MarkSeen rows: %w", err)
	}
	return ids, nil
}

// Conversations собирает список диалогов пользователя: последнее сообщение
// и число непрочитанных по каждому собеседнику.
func (r *MessageRepository) Conversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	defer logger.DeferLogDuration("msg.Conversations", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT ON (peer_id) peer_id, `+msgCols+`, unread
		 FROM (
		   SELECT CASE WHEN sender_id = $1 THEN receiver_id ELSE sender_id END AS peer_id,
		          m.*,
		          COUNT(*) FILTER (WHERE receiver_id = $1 AND status IN ('sent', 'delivered'))
		            OVER (PARTITION BY CASE WHEN sender_id = $1 THEN receiver_id ELSE sender_id END) AS unread
		   FROM messages m
		   WHERE sender_id = $1 OR receiver_id = $1
		 ) t
		 ORDER BY peer_id, created_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Conversations query: %w", err)
	}
	defer rows.Close()

	var convs []model.Conversation
	for rows.Next() {
		var (
			peerID    string
			m         model.Message
			createdAt time.Time
			unread    int
		)
		if err := rows.Scan(&peerID, &m.ID, &m.CorrelationID, &m.SenderID, &m.ReceiverID, &m.Type, &m.Status, &m.ReplyToID,
			&m.ForwardFromID, &m.Content, &m.StickerID, &m.StickerURL, &m.FileURL, &m.FileName, &m.FileSize, &m.FileType, &createdAt, &unread); err != nil {
			return nil, fmt.Errorf("msgRepo.Conversations scan: %w", err)
		}
		m.Timestamp = createdAt.UTC().Format(time.RFC3339Nano)
		last := m
		convs = append(convs, model.Conversation{
			Peer:        model.UserPublic{ID: peerID},
			LastMessage: &last,
			UnreadCount: unread,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.Conversations rows: %w", err)
	}
	return convs, nil
}
