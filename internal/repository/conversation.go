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
	"github.com/rendezvous/internal/storage"
)

const conversationCols = `id, participant_a, participant_b, last_message_id, created_at`

type ConversationRepository struct {
	pool *pgxpool.Pool
}

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

func scanConversation(s interface{ Scan(dest ...any) error }, c *model.Conversation) error {
	return s.Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.LastMessageID, &c.CreatedAt)
}

func (r *ConversationRepository) FindByPair(ctx context.Context, lo, hi string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conversation.FindByPair", time.Now())()
	c := &model.Conversation{}
	row := r.pool.QueryRow(ctx,
		`SELECT `+conversationCols+` FROM conversations WHERE participant_a = $1 AND participant_b = $2`, lo, hi)
	if err := scanConversation(row, c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("conversationRepo.FindByPair: %w", err)
	}
	return c, nil
}

// Create полагается на UNIQUE (participant_a, participant_b): повторная пара даёт storage.ErrConflict.
func (r *ConversationRepository) Create(ctx context.Context, c *model.Conversation) error {
	defer logger.DeferLogDuration("conversation.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO conversations (id, participant_a, participant_b, last_message_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.ParticipantA, c.ParticipantB, c.LastMessageID, c.CreatedAt,
	)
	if isUniqueViolation(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("conversationRepo.Create: %w", err)
	}
	return nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conversation.GetByID", time.Now())()
	c := &model.Conversation{}
	row := r.pool.QueryRow(ctx, `SELECT `+conversationCols+` FROM conversations WHERE id = $1`, id)
	if err := scanConversation(row, c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("conversationRepo.GetByID: %w", err)
	}
	return c, nil
}

func (r *ConversationRepository) SetLastMessage(ctx context.Context, conversationID, messageID string) error {
	defer logger.DeferLogDuration("conversation.SetLastMessage", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE conversations SET last_message_id = $1 WHERE id = $2`, messageID, conversationID)
	if err != nil {
		return fmt.Errorf("conversationRepo.SetLastMessage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ConversationRepository) ListByUser(ctx context.Context, userID string) ([]model.Conversation, error) {
	defer logger.DeferLogDuration("conversation.ListByUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+conversationCols+` FROM conversations
		 WHERE participant_a = $1 OR participant_b = $1
		 ORDER BY created_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("conversationRepo.ListByUser query: %w", err)
	}
	defer rows.Close()

	out := make([]model.Conversation, 0, 8)
	for rows.Next() {
		var c model.Conversation
		if err := scanConversation(rows, &c); err != nil {
			return nil, fmt.Errorf("conversationRepo.ListByUser scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversationRepo.ListByUser rows: %w", err)
	}
	return out, nil
}
