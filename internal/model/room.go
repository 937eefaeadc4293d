package model

import "time"

// Room: комната видеозвонка. Состав участников эфемерен и живёт в хранилище присутствия.
type Room struct {
	ID               string     `json:"id"`
	CreatedBy        string     `json:"created_by"`
	ConnectionString string     `json:"connection_string"`
	Name             string     `json:"name"`
	CreatedAt        time.Time  `json:"created_at"`
	LastSessionAt    *time.Time `json:"last_session_at,omitempty"`
}

// PresenceEntry: участие одного соединения в комнате.
type PresenceEntry struct {
	SocketID string    `json:"socket_id"`
	UserID   string    `json:"user_id,omitempty"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joined_at"`
}
