// Package conversation сопоставляет неупорядоченной паре пользователей ровно одну беседу.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rendezvous/internal/apperr"
	"github.com/rendezvous/internal/keylock"
	"github.com/rendezvous/internal/logger"
	"github.com/rendezvous/internal/model"
	"github.com/rendezvous/internal/storage"
)

// Directory: каталог бесед. Создание сериализуется по ключу пары, а уникальный индекс
// хранилища ловит гонку между процессами: при ErrConflict запись перечитывается.
type Directory struct {
	convs storage.ConversationStore
	msgs  storage.MessageStore
	users storage.UserStore
	locks *keylock.Map
	loc   *time.Location
	now   func() time.Time
}

func New(convs storage.ConversationStore, msgs storage.MessageStore, users storage.UserStore, loc *time.Location) *Directory {
	if loc == nil {
		loc = time.UTC
	}
	return &Directory{
		convs: convs,
		msgs:  msgs,
		users: users,
		locks: keylock.New(),
		loc:   loc,
		now:   time.Now,
	}
}

func validatePair(a, b string) error {
	if a == "" || b == "" {
		return apperr.Invalid("participantId is required")
	}
	if a == b {
		return apperr.Invalid("cannot start a conversation with yourself")
	}
	return nil
}

// Resolve возвращает беседу пары (a, b), создавая её при отсутствии. created = true только для вызова, который её создал.
func (d *Directory) Resolve(ctx context.Context, a, b string) (*model.Conversation, bool, error) {
	if err := validatePair(a, b); err != nil {
		return nil, false, err
	}
	lo, hi := model.CanonicalPair(a, b)

	unlock := d.locks.Lock(model.PairKey(lo, hi))
	defer unlock()

	c, err := d.convs.FindByPair(ctx, lo, hi)
	if err == nil {
		return c, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, apperr.StoreUnavailable("conversation lookup failed", err)
	}

	c = &model.Conversation{
		ID:           uuid.New().String(),
		ParticipantA: lo,
		ParticipantB: hi,
		CreatedAt:    d.now().UTC(),
	}
	err = d.convs.Create(ctx, c)
	if errors.Is(err, storage.ErrConflict) {
		// Пару создал другой процесс между FindByPair и Create.
		existing, ferr := d.convs.FindByPair(ctx, lo, hi)
		if ferr != nil {
			return nil, false, apperr.StoreUnavailable("conversation lookup failed", ferr)
		}
		logger.Debugf("conversation.Resolve: reconciled concurrent create for %s", model.PairKey(lo, hi))
		return existing, false, nil
	}
	if err != nil {
		return nil, false, apperr.StoreUnavailable("conversation create failed", err)
	}
	logger.Infof("conversation created id=%s pair=%s", c.ID, model.PairKey(lo, hi))
	return c, true, nil
}

// HistoryEntry: сообщение из истории с человекочитаемыми временем и датой.
type HistoryEntry struct {
	MessageID   string   `json:"messageId"`
	Message     string   `json:"message"`
	SentAt      string   `json:"sentAt"`
	Date        string   `json:"date"`
	SenderID    string   `json:"senderId"`
	Attachments []string `json:"attachments"`
}

type CheckResult struct {
	Exists         bool           `json:"exists"`
	ConversationID string         `json:"conversationId,omitempty"`
	Messages       []HistoryEntry `json:"messages"`
}

// MarshalJSON: для существующей беседы messages всегда массив (пустой без истории),
// для отсутствующей ответ сводится к {"exists":false}.
func (r CheckResult) MarshalJSON() ([]byte, error) {
	if !r.Exists {
		return json.Marshal(struct {
			Exists bool `json:"exists"`
		}{})
	}
	type plain CheckResult
	p := plain(r)
	if p.Messages == nil {
		p.Messages = []HistoryEntry{}
	}
	return json.Marshal(p)
}

// CheckExisting ищет беседу пары без создания; при наличии отдаёт всю историю от старых к новым.
func (d *Directory) CheckExisting(ctx context.Context, a, b string) (*CheckResult, error) {
	if err := validatePair(a, b); err != nil {
		return nil, err
	}
	lo, hi := model.CanonicalPair(a, b)
	c, err := d.convs.FindByPair(ctx, lo, hi)
	if errors.Is(err, storage.ErrNotFound) {
		return &CheckResult{Exists: false}, nil
	}
	if err != nil {
		return nil, apperr.StoreUnavailable("conversation lookup failed", err)
	}

	msgs, err := d.msgs.ListAll(ctx, c.ID)
	if err != nil {
		return nil, apperr.StoreUnavailable("message history failed", err)
	}
	entries := make([]HistoryEntry, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		entries = append(entries, HistoryEntry{
			MessageID:   m.ID,
			Message:     m.Text,
			SentAt:      FormatClock(m.SentAt, d.loc),
			Date:        FormatDay(m.SentAt, d.loc),
			SenderID:    m.SenderID,
			Attachments: m.Attachments,
		})
	}
	return &CheckResult{Exists: true, ConversationID: c.ID, Messages: entries}, nil
}

func (d *Directory) Get(ctx context.Context, id string) (*model.Conversation, error) {
	if id == "" {
		return nil, apperr.Invalid("conversationId is required")
	}
	c, err := d.convs.GetByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("conversation not found")
	}
	if err != nil {
		return nil, apperr.StoreUnavailable("conversation lookup failed", err)
	}
	return c, nil
}

// Authorize возвращает беседу, если userID её участник; иначе Forbidden.
func (d *Directory) Authorize(ctx context.Context, id, userID string) (*model.Conversation, error) {
	c, err := d.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(userID) {
		return nil, apperr.Forbidden("not a participant of this conversation")
	}
	return c, nil
}

// IsParticipant: удобная обёртка над Authorize для проверок без самой беседы.
func (d *Directory) IsParticipant(ctx context.Context, id, userID string) (bool, error) {
	_, err := d.Authorize(ctx, id, userID)
	if apperr.Is(err, apperr.KindForbidden) {
		return false, nil
	}
	return err == nil, err
}
