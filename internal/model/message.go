package model

import "time"

// Message только дописывается: после создания меняются лишь IsDelivered и IsSeen, и только false -> true.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	ReceiverID     string    `json:"receiver_id"`
	Text           string    `json:"text"`
	Attachments    []string  `json:"attachments"`
	SentAt         time.Time `json:"sent_at"`
	IsDelivered    bool      `json:"is_delivered"`
	IsSeen         bool      `json:"is_seen"`
}
