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

const messagesCollection = "messages"

type messageDocument struct {
	ID             string    `bson:"_id"`
	Seq            int64     `bson:"seq"`
	ConversationID string    `bson:"conversationId"`
	SenderID       string    `bson:"senderId"`
	ReceiverID     string    `bson:"receiverId"`
	Text           string    `bson:"text"`
	Attachments    []string  `bson:"attachments"`
	SentAt         time.Time `bson:"sentAt"`
	IsDelivered    bool      `bson:"isDelivered"`
	IsSeen         bool      `bson:"isSeen"`
}

func (d messageDocument) toModel() model.Message {
	attachments := d.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	return model.Message{
		ID:             d.ID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		ReceiverID:     d.ReceiverID,
		Text:           d.Text,
		Attachments:    attachments,
		SentAt:         d.SentAt,
		IsDelivered:    d.IsDelivered,
		IsSeen:         d.IsSeen,
	}
}

type MessageRepository struct {
	col *mongo.Collection
}

func NewMessageRepository(db *mongo.Database) *MessageRepository {
	return &MessageRepository{col: db.Collection(messagesCollection)}
}

func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("mongo.msg.Create", time.Now())()
	attachments := m.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	// seq упорядочивает сообщения с одинаковым sentAt (BSON хранит время с точностью до миллисекунды).
	_, err := r.col.InsertOne(ctx, messageDocument{
		ID:             m.ID,
		Seq:            time.Now().UnixNano(),
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Text:           m.Text,
		Attachments:    attachments,
		SentAt:         m.SentAt,
		IsDelivered:    m.IsDelivered,
		IsSeen:         m.IsSeen,
	})
	if mongo.IsDuplicateKeyError(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("mongo msgRepo.Create: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("mongo.msg.GetByID", time.Now())()
	var doc messageDocument
	err := r.col.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongo msgRepo.GetByID: %w", err)
	}
	m := doc.toModel()
	return &m, nil
}

// markFlag ставит флаг только если он ещё false; ModifiedCount = 0: уже установлен или нет документа.
func (r *MessageRepository) markFlag(ctx context.Context, op, field string, set bson.M, id string) (bool, error) {
	res, err := r.col.UpdateOne(ctx, bson.M{"_id": id, field: false}, bson.M{"$set": set})
	if err != nil {
		return false, fmt.Errorf("mongo msgRepo.%s: %w", op, err)
	}
	if res.ModifiedCount > 0 {
		return true, nil
	}
	n, err := r.col.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return false, fmt.Errorf("mongo msgRepo.%s count: %w", op, err)
	}
	if n == 0 {
		return false, storage.ErrNotFound
	}
	return false, nil
}

func (r *MessageRepository) MarkDelivered(ctx context.Context, id string) (bool, error) {
	defer logger.DeferLogDuration("mongo.msg.MarkDelivered", time.Now())()
	return r.markFlag(ctx, "MarkDelivered", "isDelivered", bson.M{"isDelivered": true}, id)
}

func (r *MessageRepository) MarkSeen(ctx context.Context, id string) (bool, error) {
	defer logger.DeferLogDuration("mongo.msg.MarkSeen", time.Now())()
	return r.markFlag(ctx, "MarkSeen", "isSeen", bson.M{"isSeen": true, "isDelivered": true}, id)
}

func (r *MessageRepository) find(ctx context.Context, op string, filter bson.M, opts *options.FindOptions) ([]model.Message, error) {
	cursor, err := r.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo msgRepo.%s: %w", op, err)
	}
	defer cursor.Close(ctx)

	out := make([]model.Message, 0, 20)
	for cursor.Next(ctx) {
		var doc messageDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongo msgRepo.%s decode: %w", op, err)
		}
		out = append(out, doc.toModel())
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("mongo msgRepo.%s cursor: %w", op, err)
	}
	return out, nil
}

func (r *MessageRepository) ListPage(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error) {
	defer logger.DeferLogDuration("mongo.msg.ListPage", time.Now())()
	opts := options.Find().
		SetSort(bson.D{{Key: "seq", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))
	return r.find(ctx, "ListPage", bson.M{"conversationId": conversationID}, opts)
}

func (r *MessageRepository) ListAll(ctx context.Context, conversationID string) ([]model.Message, error) {
	defer logger.DeferLogDuration("mongo.msg.ListAll", time.Now())()
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	return r.find(ctx, "ListAll", bson.M{"conversationId": conversationID}, opts)
}

func (r *MessageRepository) CountUnseen(ctx context.Context, conversationID, receiverID string) (int, error) {
	defer logger.DeferLogDuration("mongo.msg.CountUnseen", time.Now())()
	n, err := r.col.CountDocuments(ctx, bson.M{
		"conversationId": conversationID,
		"receiverId":     receiverID,
		"isSeen":         false,
	})
	if err != nil {
		return 0, fmt.Errorf("mongo msgRepo.CountUnseen: %w", err)
	}
	return int(n), nil
}
