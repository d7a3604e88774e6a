package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/hewjoe/storied-life/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoRepository implements Repository using MongoDB. Documents carry no
// lock, so Sync is optimistic: the replace only matches when updatedAt is
// unchanged since the read, and a lost race surfaces as ErrConflict.
type MongoRepository struct {
	col *mongo.Collection
}

// NewMongoRepository creates a new repository for the given collection
func NewMongoRepository(col *mongo.Collection) *MongoRepository {
	return &MongoRepository{col: col}
}

// EnsureIndexes creates the unique indexes Sync relies on.
func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "provider", Value: 1}, {Key: "externalId", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_provider_external_id").
				SetPartialFilterExpression(bson.M{"externalId": bson.M{"$type": "string"}}),
		},
		{
			Keys: bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_email").
				SetPartialFilterExpression(bson.M{"email": bson.M{"$type": "string"}}),
		},
	})
	if err != nil {
		return fmt.Errorf("create user indexes: %w", err)
	}
	return nil
}

func (r *MongoRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *MongoRepository) Sync(ctx context.Context, l Lookup, apply ApplyFunc) (*models.User, error) {
	byExternal, err := r.findOne(ctx, bson.M{"provider": l.Provider, "externalId": l.ExternalID})
	if err != nil {
		return nil, err
	}
	var byEmail *models.User
	if l.Email != "" {
		if byEmail, err = r.findOne(ctx, bson.M{"email": l.Email}); err != nil {
			return nil, err
		}
	}

	next, err := apply(byExternal, byEmail)
	if err != nil {
		return nil, err
	}

	prev := existing(byExternal, byEmail)
	if prev == nil || prev.ID != next.ID {
		if _, err := r.col.InsertOne(ctx, next); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return nil, ErrConflict
			}
			return nil, fmt.Errorf("insert user: %w", err)
		}
		return next, nil
	}

	filter := bson.M{"_id": prev.ID, "updatedAt": prev.UpdatedAt}
	res, err := r.col.ReplaceOne(ctx, filter, next)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("replace user: %w", err)
	}
	if res.MatchedCount == 0 {
		return nil, ErrConflict
	}
	return next, nil
}

func (r *MongoRepository) findOne(ctx context.Context, filter bson.M) (*models.User, error) {
	var u models.User
	if err := r.col.FindOne(ctx, filter).Decode(&u); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}
