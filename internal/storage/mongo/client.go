// Package mongo хранит пользователей, диалоги, сообщения и комнаты в MongoDB.
package mongo

import (
	"context"
	"fmt"
	"time"

	"github.com/rendezvous/internal/storage"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type Client struct {
	DB *mongo.Database
}

func New(ctx context.Context, uri, database string) (*Client, error) {
	opts := options.Client().ApplyURI(uri).SetRetryWrites(true)
	m, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := m.Ping(ctx, nil); err != nil {
		_ = m.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return &Client{DB: m.Database(database)}, nil
}

func (c *Client) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = c.DB.Client().Disconnect(ctx)
}

// EnsureIndexes создаёт уникальные индексы, на которых держатся инварианты (одна беседа на пару, уникальный connection string).
func (c *Client) EnsureIndexes(ctx context.Context) error {
	if _, err := c.DB.Collection(conversationsCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "participantA", Value: 1}, {Key: "participantB", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "participantB", Value: 1}}},
	}); err != nil {
		return fmt.Errorf("conversations indexes: %w", err)
	}
	if _, err := c.DB.Collection(messagesCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "seq", Value: 1}}},
		{Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "receiverId", Value: 1}, {Key: "isSeen", Value: 1}}},
	}); err != nil {
		return fmt.Errorf("messages indexes: %w", err)
	}
	if _, err := c.DB.Collection(roomsCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "connectionString", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "createdBy", Value: 1}, {Key: "createdAt", Value: 1}}},
	}); err != nil {
		return fmt.Errorf("rooms indexes: %w", err)
	}
	return nil
}

// Stores возвращает набор хранилищ поверх этой базы.
func (c *Client) Stores() storage.Stores {
	return storage.Stores{
		Users:         NewUserRepository(c.DB),
		Conversations: NewConversationRepository(c.DB),
		Messages:      NewMessageRepository(c.DB),
		Rooms:         NewRoomRepository(c.DB),
		Close:         c.Close,
	}
}
