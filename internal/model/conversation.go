package model

import "time"

// Conversation: беседа двух пользователей. Всегда ParticipantA < ParticipantB.
type Conversation struct {
	ID            string    `json:"id"`
	ParticipantA  string    `json:"participant_a"`
	ParticipantB  string    `json:"participant_b"`
	LastMessageID *string   `json:"last_message_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// CanonicalPair упорядочивает пару id: (a, b) и (b, a) дают одну беседу.
func CanonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// PairKey: ключ блокировки и поиска для неупорядоченной пары.
func PairKey(a, b string) string {
	lo, hi := CanonicalPair(a, b)
	return lo + ":" + hi
}

func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.ParticipantA == userID || c.ParticipantB == userID)
}

// Other возвращает второго участника.
func (c *Conversation) Other(userID string) string {
	if c.ParticipantA == userID {
		return c.ParticipantB
	}
	return c.ParticipantA
}
