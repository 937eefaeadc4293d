package chat

import (
	"encoding/json"
	"strings"

	"github.com/rendezvous/internal/apperr"
	"github.com/rendezvous/internal/ws"
)

// Входящие события /im.
const (
	EventCheckConversation  = "checkConversation"
	EventCreateConversation = "createConversation"
	EventJoinRoom           = "joinRoom"
	EventSendMessage        = "sendMessage"
	EventIsDelivered        = "isDelivered"
	EventMarkAsSeen         = "markAsSeen"
	EventTyping             = "typing"
	EventDeleteMessage      = "deleteMessage"
	EventDeleteChat         = "deleteChat"
)

// Исходящие события /im.
const (
	EventConversationCheck = "conversationCheckResponse"
	EventChatRoomCreated   = "chatRoomCreated"
	EventReceiveMessage    = "receiveMessage"
	EventMessageDelivered  = "messageDelivered"
	EventMessageSeen       = "messageSeen"
	EventTypingOut         = "Typing"
)

type participantRequest struct {
	ParticipantID string `json:"participantId"`
}

func (r *participantRequest) Validate() error {
	r.ParticipantID = strings.TrimSpace(r.ParticipantID)
	if r.ParticipantID == "" {
		return apperr.Invalid("participantId is required")
	}
	return nil
}

type sendMessageRequest struct {
	ConversationID string   `json:"conversationId"`
	Message        string   `json:"message"`
	Attachments    []string `json:"attachments,omitempty"`
}

func (r *sendMessageRequest) Validate() error {
	r.ConversationID = strings.TrimSpace(r.ConversationID)
	if r.ConversationID == "" {
		return apperr.Invalid("conversationId is required")
	}
	return nil
}

type markSeenRequest struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId,omitempty"`
}

func (r *markSeenRequest) Validate() error {
	r.MessageID = strings.TrimSpace(r.MessageID)
	r.ConversationID = strings.TrimSpace(r.ConversationID)
	if r.MessageID == "" {
		return apperr.Invalid("messageId is required")
	}
	return nil
}

type validator interface {
	Validate() error
}

func decode(raw json.RawMessage, into validator) error {
	if len(raw) == 0 {
		return into.Validate()
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return apperr.Invalid("malformed payload")
	}
	return into.Validate()
}

// decodeID разбирает id-only payload: строку или объект с полем key.
func decodeID(raw json.RawMessage, key string) (string, error) {
	id := ws.DecodeID(raw, key)
	if id == "" {
		return "", apperr.Invalid(key + " is required")
	}
	return id, nil
}

type sendAck struct {
	Status    string `json:"status"`
	MessageID string `json:"messageId"`
}

type statusAck struct {
	Status         string `json:"status"`
	ConversationID string `json:"conversationId"`
}

type errorAck struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusChange: тело messageDelivered / messageSeen.
type StatusChange struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	By             string `json:"by"`
}
