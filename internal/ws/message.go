package ws

import (
	"encoding/json"
	"strings"
)

const (
	EventAck       = "ack"
	EventError     = "error"
	EventAuthError = "authError"
)

// CloseAuthFailed: код закрытия после authError (диапазон 4000-4999 отдан приложениям).
const CloseAuthFailed = 4401

// Incoming: конверт от клиента. Ack задан, если клиент ждёт ответ (аналог callback).
type Incoming struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   *int64          `json:"ack,omitempty"`
}

// Outgoing: конверт от сервера. Ack заполнен только у ответов на Incoming.Ack.
type Outgoing struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
	Ack   *int64 `json:"ack,omitempty"`
}

// ErrorPayload: тело события error.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

// AuthErrorPayload: тело authError перед закрытием соединения.
type AuthErrorPayload struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// DecodeID разбирает payload, который может быть строкой ("abc") или объектом с полем key ({"key":"abc"}).
func DecodeID(raw json.RawMessage, key string) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	if v, ok := obj[key]; ok {
		if err := json.Unmarshal(v, &s); err == nil {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
