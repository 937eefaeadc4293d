package conversation

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rendezvous/internal/apperr"
	"github.com/rendezvous/internal/storage"
)

type Participant struct {
	UserID     string `json:"user_id"`
	Name       string `json:"name"`
	ProfilePic string `json:"profilePic"`
}

type LastMessage struct {
	MessageID string `json:"messageId"`
	Message   string `json:"message"`
	SentAt    string `json:"sentAt"`

	at time.Time
}

// Summary: строка списка чатов пользователя.
type Summary struct {
	ChatID      string       `json:"chatId"`
	Participant Participant  `json:"participant"`
	LastMessage *LastMessage `json:"lastMessage"`
	UnseenCount int          `json:"unseenCount"`
}

// ListForUser собирает список чатов: собеседник, последнее сообщение и число непрочитанных.
// Чаты с более свежим последним сообщением идут первыми.
func (d *Directory) ListForUser(ctx context.Context, userID string) ([]Summary, error) {
	convs, err := d.convs.ListByUser(ctx, userID)
	if err != nil {
		return nil, apperr.StoreUnavailable("chat list failed", err)
	}
	now := d.now()
	out := make([]Summary, 0, len(convs))
	for i := range convs {
		c := &convs[i]
		s := Summary{ChatID: c.ID, Participant: Participant{UserID: c.Other(userID)}}

		u, err := d.users.GetByID(ctx, s.Participant.UserID)
		switch {
		case err == nil:
			s.Participant.Name = u.Username
			s.Participant.ProfilePic = u.ProfilePic
		case !errors.Is(err, storage.ErrNotFound):
			return nil, apperr.StoreUnavailable("participant lookup failed", err)
		}

		if c.LastMessageID != nil {
			m, err := d.msgs.GetByID(ctx, *c.LastMessageID)
			switch {
			case err == nil:
				s.LastMessage = &LastMessage{
					MessageID: m.ID,
					Message:   m.Text,
					SentAt:    FormatListStamp(m.SentAt, now, d.loc),
					at:        m.SentAt,
				}
			case !errors.Is(err, storage.ErrNotFound):
				return nil, apperr.StoreUnavailable("last message lookup failed", err)
			}
		}

		s.UnseenCount, err = d.msgs.CountUnseen(ctx, c.ID, userID)
		if err != nil {
			return nil, apperr.StoreUnavailable("unseen count failed", err)
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		li, lj := out[i].LastMessage, out[j].LastMessage
		if li == nil || lj == nil {
			return li != nil
		}
		return li.at.After(lj.at)
	})
	return out, nil
}
