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

const usersCollection = "users"

type userDocument struct {
	ID         string    `bson:"_id"`
	Email      string    `bson:"email"`
	Username   string    `bson:"username"`
	ProfilePic string    `bson:"profilePic"`
	CreatedAt  time.Time `bson:"createdAt"`
}

func (d userDocument) toModel() *model.User {
	return &model.User{ID: d.ID, Email: d.Email, Username: d.Username, ProfilePic: d.ProfilePic, CreatedAt: d.CreatedAt}
}

type UserRepository struct {
	col *mongo.Collection
}

func NewUserRepository(db *mongo.Database) *UserRepository {
	return &UserRepository{col: db.Collection(usersCollection)}
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	defer logger.DeferLogDuration("mongo.user.GetByID", time.Now())()
	var doc userDocument
	err := r.col.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongo userRepo.GetByID: %w", err)
	}
	return doc.toModel(), nil
}

func (r *UserRepository) Upsert(ctx context.Context, u *model.User) error {
	defer logger.DeferLogDuration("mongo.user.Upsert", time.Now())()
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := r.col.UpdateOne(ctx,
		bson.M{"_id": u.ID},
		bson.M{
			"$set":         bson.M{"email": u.Email, "username": u.Username, "profilePic": u.ProfilePic},
			"$setOnInsert": bson.M{"createdAt": createdAt},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongo userRepo.Upsert: %w", err)
	}
	return nil
}
