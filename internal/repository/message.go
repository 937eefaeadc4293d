package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rendezvous/internal/logger"
	"github.com/rendezvous/internal/model"
)

const messageCols = `id, conversation_id, sender_id, receiver_id, text, attachments, sent_at, is_delivered, is_seen`

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func scanMessage(s interface{ Scan(dest ...any) error }, m *model.Message) error {
	if err := s.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.Text, &m.Attachments,
		&m.SentAt, &m.IsDelivered, &m.IsSeen); err != nil {
		return err
	}
	if m.Attachments == nil {
		m.Attachments = []string{}
	}
	return nil
}

func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	attachments := m.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (`+messageCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.ConversationID, m.SenderID, m.ReceiverID, m.Text, attachments, m.SentAt, m.IsDelivered, m.IsSeen,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	row := r.pool.QueryRow(ctx, `SELECT `+messageCols+` FROM messages WHERE id = $1`, id)
	if err := scanMessage(row, m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return m, nil
}

// markFlag переводит флаг false -> true. Условие в WHERE делает операцию идемпотентной:
// RowsAffected = 0 означает «уже установлен» либо «нет такого сообщения».
func (r *MessageRepository) markFlag(ctx context.Context, op, query, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("msgRepo.%s: %w", op, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("msgRepo.%s exists: %w", op, err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (r *MessageRepository) MarkDelivered(ctx context.Context, id string) (bool, error) {
	defer logger.DeferLogDuration("msg.MarkDelivered", time.Now())()
	return r.markFlag(ctx, "MarkDelivered",
		`UPDATE messages SET is_delivered = true WHERE id = $1 AND is_delivered = false`, id)
}

func (r *MessageRepository) MarkSeen(ctx context.Context, id string) (bool, error) {
	defer logger.DeferLogDuration("msg.MarkSeen", time.Now())()
	return r.markFlag(ctx, "MarkSeen",
		`UPDATE messages SET is_seen = true, is_delivered = true WHERE id = $1 AND is_seen = false`, id)
}

func (r *MessageRepository) list(ctx context.Context, op, query string, args ...any) ([]model.Message, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.%s query: %w", op, err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, 20)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("msgRepo.%s scan: %w", op, err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.%s rows: %w", op, err)
	}
	return messages, nil
}

func (r *MessageRepository) ListPage(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.ListPage", time.Now())()
	return r.list(ctx, "ListPage",
		`SELECT `+messageCols+` FROM messages
		 WHERE conversation_id = $1
		 ORDER BY sent_at DESC, seq DESC
		 LIMIT $2 OFFSET $3`, conversationID, limit, offset)
}

func (r *MessageRepository) ListAll(ctx context.Context, conversationID string) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.ListAll", time.Now())()
	return r.list(ctx, "ListAll",
		`SELECT `+messageCols+` FROM messages
		 WHERE conversation_id = $1
		 ORDER BY sent_at ASC, seq ASC`, conversationID)
}

func (r *MessageRepository) CountUnseen(ctx context.Context, conversationID, receiverID string) (int, error) {
	defer logger.DeferLogDuration("msg.CountUnseen", time.Now())()
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = $1 AND receiver_id = $2 AND is_seen = false`,
		conversationID, receiverID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.CountUnseen: %w", err)
	}
	return n, nil
}
