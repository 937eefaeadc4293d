package repository

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rendezvous/internal/storage"
)

// NewStores собирает репозитории Postgres в набор хранилищ. Пул закрывает вызывающий.
func NewStores(pool *pgxpool.Pool) storage.Stores {
	return storage.Stores{
		Users:         NewUserRepository(pool),
		Conversations: NewConversationRepository(pool),
		Messages:      NewMessageRepository(pool),
		Rooms:         NewRoomRepository(pool),
		Close:         func() {},
	}
}

var (
	_ storage.UserStore         = (*UserRepository)(nil)
	_ storage.UserSeeder        = (*UserRepository)(nil)
	_ storage.ConversationStore = (*ConversationRepository)(nil)
	_ storage.MessageStore      = (*MessageRepository)(nil)
	_ storage.RoomStore         = (*RoomRepository)(nil)
)
