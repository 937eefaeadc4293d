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

const roomsCollection = "rooms"

type roomDocument struct {
	ID               string     `bson:"_id"`
	CreatedBy        string     `bson:"createdBy"`
	ConnectionString string     `bson:"connectionString"`
	Name             string     `bson:"name"`
	CreatedAt        time.Time  `bson:"createdAt"`
	LastSessionAt    *time.Time `bson:"lastSessionAt,omitempty"`
}

func (d roomDocument) toModel() model.Room {
	return model.Room{
		ID:               d.ID,
		CreatedBy:        d.CreatedBy,
		ConnectionString: d.ConnectionString,
		Name:             d.Name,
		CreatedAt:        d.CreatedAt,
		LastSessionAt:    d.LastSessionAt,
	}
}

type RoomRepository struct {
	col *mongo.Collection
}

func NewRoomRepository(db *mongo.Database) *RoomRepository {
	return &RoomRepository{col: db.Collection(roomsCollection)}
}

func (r *RoomRepository) Create(ctx context.Context, rm *model.Room) error {
	defer logger.DeferLogDuration("mongo.room.Create", time.Now())()
	_, err := r.col.InsertOne(ctx, roomDocument{
		ID:               rm.ID,
		CreatedBy:        rm.CreatedBy,
		ConnectionString: rm.ConnectionString,
		Name:             rm.Name,
		CreatedAt:        rm.CreatedAt,
		LastSessionAt:    rm.LastSessionAt,
	})
	if mongo.IsDuplicateKeyError(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("mongo roomRepo.Create: %w", err)
	}
	return nil
}

func (r *RoomRepository) findOne(ctx context.Context, op string, filter bson.M) (*model.Room, error) {
	var doc roomDocument
	err := r.col.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongo roomRepo.%s: %w", op, err)
	}
	rm := doc.toModel()
	return &rm, nil
}

func (r *RoomRepository) GetByID(ctx context.Context, id string) (*model.Room, error) {
	defer logger.DeferLogDuration("mongo.room.GetByID", time.Now())()
	return r.findOne(ctx, "GetByID", bson.M{"_id": id})
}

func (r *RoomRepository) GetByConnectionString(ctx context.Context, cs string) (*model.Room, error) {
	defer logger.DeferLogDuration("mongo.room.GetByConnectionString", time.Now())()
	return r.findOne(ctx, "GetByConnectionString", bson.M{"connectionString": cs})
}

func (r *RoomRepository) ListByCreator(ctx context.Context, userID string) ([]model.Room, error) {
	defer logger.DeferLogDuration("mongo.room.ListByCreator", time.Now())()
	cursor, err := r.col.Find(ctx, bson.M{"createdBy": userID}, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo roomRepo.ListByCreator: %w", err)
	}
	defer cursor.Close(ctx)

	rooms := make([]model.Room, 0, 4)
	for cursor.Next(ctx) {
		var doc roomDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongo roomRepo.ListByCreator decode: %w", err)
		}
		rooms = append(rooms, doc.toModel())
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("mongo roomRepo.ListByCreator cursor: %w", err)
	}
	return rooms, nil
}

func (r *RoomRepository) update(ctx context.Context, op, id string, set bson.M) error {
	res, err := r.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("mongo roomRepo.%s: %w", op, err)
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *RoomRepository) Rename(ctx context.Context, id, name string) error {
	defer logger.DeferLogDuration("mongo.room.Rename", time.Now())()
	return r.update(ctx, "Rename", id, bson.M{"name": name})
}

func (r *RoomRepository) TouchSession(ctx context.Context, id string, at time.Time) error {
	defer logger.DeferLogDuration("mongo.room.TouchSession", time.Now())()
	return r.update(ctx, "TouchSession", id, bson.M{"lastSessionAt": at})
}

func (r *RoomRepository) Delete(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("mongo.room.Delete", time.Now())()
	res, err := r.col.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("mongo roomRepo.Delete: %w", err)
	}
	if res.DeletedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

var (
	_ storage.UserStore         = (*UserRepository)(nil)
	_ storage.UserSeeder        = (*UserRepository)(nil)
	_ storage.ConversationStore = (*ConversationRepository)(nil)
	_ storage.MessageStore      = (*MessageRepository)(nil)
	_ storage.RoomStore         = (*RoomRepository)(nil)
)
