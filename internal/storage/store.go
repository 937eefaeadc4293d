package storage

import (
	"context"
	"errors"
	"time"

	"github.com/rendezvous/internal/model"
)

var (
	// ErrNotFound is returned by every store when the requested record or key does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when a unique constraint (conversation pair, room connection string) is violated.
	ErrConflict = errors.New("storage: conflict")
)

// Mutation receives the current value of a key (nil when absent) and returns the value to store.
// Returning nil deletes the key. Returning a value equal to current skips the write.
type Mutation func(current []byte) ([]byte, error)

// KV: ephemeral key-value store (присутствие в комнатах, push-подписки).
// Реализации: redis.Client, memory.KV (для -dev и тестов без Redis).
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Keys lists keys matching a glob pattern ("presence:room:*").
	Keys(ctx context.Context, pattern string) ([]string, error)
	// Update applies fn atomically with respect to other Update calls on the same key.
	Update(ctx context.Context, key string, fn Mutation) error
	Close() error
}

type UserStore interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

// UserSeeder is implemented by stores that can insert users in dev mode.
type UserSeeder interface {
	Upsert(ctx context.Context, u *model.User) error
}

type ConversationStore interface {
	// FindByPair expects a canonical pair (lo, hi).
	FindByPair(ctx context.Context, lo, hi string) (*model.Conversation, error)
	Create(ctx context.Context, c *model.Conversation) error
	GetByID(ctx context.Context, id string) (*model.Conversation, error)
	SetLastMessage(ctx context.Context, conversationID, messageID string) error
	ListByUser(ctx context.Context, userID string) ([]model.Conversation, error)
}

type MessageStore interface {
	Create(ctx context.Context, m *model.Message) error
	GetByID(ctx context.Context, id string) (*model.Message, error)
	// MarkDelivered and MarkSeen report whether the flag changed.
	MarkDelivered(ctx context.Context, id string) (bool, error)
	MarkSeen(ctx context.Context, id string) (bool, error)
	// ListPage returns messages newest-first.
	ListPage(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error)
	// ListAll returns the whole conversation oldest-first.
	ListAll(ctx context.Context, conversationID string) ([]model.Message, error)
	CountUnseen(ctx context.Context, conversationID, receiverID string) (int, error)
}

type RoomStore interface {
	Create(ctx context.Context, r *model.Room) error
	GetByID(ctx context.Context, id string) (*model.Room, error)
	GetByConnectionString(ctx context.Context, cs string) (*model.Room, error)
	ListByCreator(ctx context.Context, userID string) ([]model.Room, error)
	Rename(ctx context.Context, id, name string) error
	Delete(ctx context.Context, id string) error
	TouchSession(ctx context.Context, id string, at time.Time) error
}

// Stores bundles the document-store handles built at startup for the selected backend.
type Stores struct {
	Users         UserStore
	Conversations ConversationStore
	Messages      MessageStore
	Rooms         RoomStore
	Close         func()
}
