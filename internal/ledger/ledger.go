// Package ledger хранит сообщения бесед и их статусы доставки/прочтения.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rendezvous/internal/apperr"
	"github.com/rendezvous/internal/blob"
	"github.com/rendezvous/internal/keylock"
	"github.com/rendezvous/internal/logger"
	"github.com/rendezvous/internal/model"
	"github.com/rendezvous/internal/storage"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	maxTextLen      = 4096
	maxAttachments  = 10
)

type Ledger struct {
	convs storage.ConversationStore
	msgs  storage.MessageStore
	blobs blob.Store
	locks *keylock.Map
	loc   *time.Location
	now   func() time.Time
}

func New(convs storage.ConversationStore, msgs storage.MessageStore, blobs blob.Store, loc *time.Location) *Ledger {
	if loc == nil {
		loc = time.UTC
	}
	return &Ledger{
		convs: convs,
		msgs:  msgs,
		blobs: blobs,
		locks: keylock.New(),
		loc:   loc,
		now:   time.Now,
	}
}

type AppendInput struct {
	ConversationID string
	SenderID       string
	Text           string
	Attachments    []string
}

func (in *AppendInput) normalize() error {
	in.ConversationID = strings.TrimSpace(in.ConversationID)
	if in.ConversationID == "" {
		return apperr.Invalid("conversationId is required")
	}
	refs := in.Attachments[:0:0]
	for _, ref := range in.Attachments {
		if ref = strings.TrimSpace(ref); ref != "" {
			refs = append(refs, ref)
		}
	}
	in.Attachments = refs
	if strings.TrimSpace(in.Text) == "" && len(in.Attachments) == 0 {
		return apperr.Invalid("message text or attachment is required")
	}
	if len(in.Text) > maxTextLen {
		return apperr.Invalid("message is too long")
	}
	if len(in.Attachments) > maxAttachments {
		return apperr.Invalid("too many attachments")
	}
	return nil
}

// Append сохраняет сообщение и сдвигает lastMessageId беседы. Записи одной беседы сериализуются,
// поэтому порядок в ленте совпадает с порядком завершения Append.
func (l *Ledger) Append(ctx context.Context, in AppendInput) (*model.Message, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}

	unlock := l.locks.Lock(in.ConversationID)
	defer unlock()

	c, err := l.convs.GetByID(ctx, in.ConversationID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("conversation not found")
	}
	if err != nil {
		return nil, apperr.StoreUnavailable("conversation lookup failed", err)
	}
	if !c.HasParticipant(in.SenderID) {
		return nil, apperr.Forbidden("not a participant of this conversation")
	}

	m := &model.Message{
		ID:             uuid.New().String(),
		ConversationID: c.ID,
		SenderID:       in.SenderID,
		ReceiverID:     c.Other(in.SenderID),
		Text:           in.Text,
		Attachments:    in.Attachments,
		SentAt:         l.now().UTC(),
	}
	if err := l.msgs.Create(ctx, m); err != nil {
		return nil, apperr.StoreUnavailable("message store failed", err)
	}
	if err := l.convs.SetLastMessage(ctx, c.ID, m.ID); err != nil {
		// Сообщение уже сохранено; указатель догонит следующее Append.
		logger.Errorf("ledger.Append: set last message conv=%s msg=%s: %v", c.ID, m.ID, err)
	}
	return m, nil
}

type markFunc func(ctx context.Context, id string) (bool, error)

func (l *Ledger) mark(ctx context.Context, messageID, actorID string, fn markFunc) (*model.Message, bool, error) {
	if messageID == "" {
		return nil, false, apperr.Invalid("messageId is required")
	}
	m, err := l.msgs.GetByID(ctx, messageID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, apperr.NotFound("message not found")
	}
	if err != nil {
		return nil, false, apperr.StoreUnavailable("message lookup failed", err)
	}
	if m.ReceiverID != actorID {
		return nil, false, apperr.Forbidden("only the receiver can update message status")
	}
	changed, err := fn(ctx, messageID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, apperr.NotFound("message not found")
	}
	if err != nil {
		return nil, false, apperr.StoreUnavailable("message update failed", err)
	}
	return m, changed, nil
}

// MarkDelivered переводит isDelivered false→true. Повторный вызов: no-op (changed = false).
func (l *Ledger) MarkDelivered(ctx context.Context, messageID, actorID string) (*model.Message, bool, error) {
	m, changed, err := l.mark(ctx, messageID, actorID, l.msgs.MarkDelivered)
	if err != nil {
		return nil, false, err
	}
	m.IsDelivered = true
	return m, changed, nil
}

// MarkSeen переводит isSeen false→true; прочитанное считается и доставленным.
func (l *Ledger) MarkSeen(ctx context.Context, messageID, actorID string) (*model.Message, bool, error) {
	m, changed, err := l.mark(ctx, messageID, actorID, l.msgs.MarkSeen)
	if err != nil {
		return nil, false, err
	}
	m.IsSeen = true
	m.IsDelivered = true
	return m, changed, nil
}

// NormalizePage приводит page (с 1) и pageSize к допустимым значениям.
func NormalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}

// ListPage возвращает страницу сообщений от новых к старым.
func (l *Ledger) ListPage(ctx context.Context, conversationID string, page, pageSize int) ([]model.Message, error) {
	page, pageSize = NormalizePage(page, pageSize)
	msgs, err := l.msgs.ListPage(ctx, conversationID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, apperr.StoreUnavailable("message page failed", err)
	}
	return msgs, nil
}

// History: вся переписка от старых к новым.
func (l *Ledger) History(ctx context.Context, conversationID string) ([]model.Message, error) {
	msgs, err := l.msgs.ListAll(ctx, conversationID)
	if err != nil {
		return nil, apperr.StoreUnavailable("message history failed", err)
	}
	return msgs, nil
}
