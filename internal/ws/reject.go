package ws

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

// Reject отправляет authError в уже открытое соединение, закрывает его кодом CloseAuthFailed и разрывает.
func Reject(conn *websocket.Conn, payload AuthErrorPayload, writeWait time.Duration) {
	if writeWait <= 0 {
		writeWait = defaultWriteWait
	}
	defer conn.Close()

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(Outgoing{Event: EventAuthError, Data: payload}); err != nil {
		return
	}
	deadline := time.Now().Add(writeWait)
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, bytes.TrimRight(buf.Bytes(), "\n")); err != nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(CloseAuthFailed, payload.Reason), deadline)
}
