package ledger

import (
	"time"

	"github.com/rendezvous/internal/blob"
	"github.com/rendezvous/internal/model"
)

// ReceivedMessage: сообщение в том виде, в каком его получает клиент.
type ReceivedMessage struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	ReceiverID     string    `json:"receiverId"`
	Message        string    `json:"message"`
	Seen           bool      `json:"seen"`
	Delivered      bool      `json:"delivered"`
	SentAt         string    `json:"sentAt"`
	Timestamp      time.Time `json:"timestamp"`
	Attachments    []string  `json:"attachments"`
}

// Present переписывает ссылки вложений в абсолютные URL относительно base (origin получателя).
func (l *Ledger) Present(m *model.Message, base string) ReceivedMessage {
	return ReceivedMessage{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Message:        m.Text,
		Seen:           m.IsSeen,
		Delivered:      m.IsDelivered,
		SentAt:         m.SentAt.In(l.loc).Format("15:04"),
		Timestamp:      m.SentAt,
		Attachments:    blob.ResolveAll(l.blobs, base, m.Attachments),
	}
}

func (l *Ledger) PresentAll(msgs []model.Message, base string) []ReceivedMessage {
	out := make([]ReceivedMessage, 0, len(msgs))
	for i := range msgs {
		out = append(out, l.Present(&msgs[i], base))
	}
	return out
}

// ResolveAttachments: то же переписывание для произвольного списка ссылок.
func (l *Ledger) ResolveAttachments(refs []string, base string) []string {
	return blob.ResolveAll(l.blobs, base, refs)
}
