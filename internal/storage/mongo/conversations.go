package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rendezvous/internal/logger"
	"github.com/rendezvous/internal/model"
	"github.com/rendezvous/internal/storage"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const conversationsCollection = "conversations"

type conversationDocument struct {
	ID            string    `bson:"_id"`
	ParticipantA  string    `bson:"participantA"`
	ParticipantB  string    `bson:"participantB"`
	LastMessageID *string   `bson:"lastMessageId,omitempty"`
	CreatedAt     time.Time `bson:"createdAt"`
}

func (d conversationDocument) toModel() model.Conversation {
	return model.Conversation{
		ID:            d.ID,
		ParticipantA:  d.ParticipantA,
		ParticipantB:  d.ParticipantB,
		LastMessageID: d.LastMessageID,
		CreatedAt:     d.CreatedAt,
	}
}

type ConversationRepository struct {
	col *mongo.Collection
}

func NewConversationRepository(db *mongo.Database) *ConversationRepository {
	return &ConversationRepository{col: db.Collection(conversationsCollection)}
}

func (r *ConversationRepository) findOne(ctx context.Context, op string, filter bson.M) (*model.Conversation, error) {
	var doc conversationDocument
	err := r.col.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongo conversationRepo.%s: %w", op, err)
	}
	c := doc.toModel()
	return &c, nil
}

func (r *ConversationRepository) FindByPair(ctx context.Context, lo, hi string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("mongo.conversation.FindByPair", time.Now())()
	return r.findOne(ctx, "FindByPair", bson.M{"participantA": lo, "participantB": hi})
}

func (r *ConversationRepository) Create(ctx context.Context, c *model.Conversation) error {
	defer logger.DeferLogDuration("mongo.conversation.Create", time.Now())()
	_, err := r.col.InsertOne(ctx, conversationDocument{
		ID:            c.ID,
		ParticipantA:  c.ParticipantA,
		ParticipantB:  c.ParticipantB,
		LastMessageID: c.LastMessageID,
		CreatedAt:     c.CreatedAt,
	})
	if mongo.IsDuplicateKeyError(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("mongo conversationRepo.Create: %w", err)
	}
	return nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("mongo.conversation.GetByID", time.Now())()
	return r.findOne(ctx, "GetByID", bson.M{"_id": id})
}

func (r *ConversationRepository) SetLastMessage(ctx context.Context, conversationID, messageID string) error {
	defer logger.DeferLogDuration("mongo.conversation.SetLastMessage", time.Now())()
	res, err := r.col.UpdateOne(ctx, bson.M{"_id": conversationID}, bson.M{"$set": bson.M{"lastMessageId": messageID}})
	if err != nil {
		return fmt.Errorf("mongo conversationRepo.SetLastMessage: %w", err)
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *ConversationRepository) ListByUser(ctx context.Context, userID string) ([]model.Conversation, error) {
	defer logger.DeferLogDuration("mongo.conversation.ListByUser", time.Now())()
	filter := bson.M{"$or": []bson.M{{"participantA": userID}, {"participantB": userID}}}
	cursor, err := r.col.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo conversationRepo.ListByUser: %w", err)
	}
	defer cursor.Close(ctx)

	out := make([]model.Conversation, 0, 8)
	for cursor.Next(ctx) {
		var doc conversationDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongo conversationRepo.ListByUser decode: %w", err)
		}
		out = append(out, doc.toModel())
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("mongo conversationRepo.ListByUser cursor: %w", err)
	}
	return out, nil
}
