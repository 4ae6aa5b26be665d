package repository

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"vehicle-guard/internal/models"
	"vehicle-guard/pkg/database"
)

type CommandRepository struct {
	collection *mongo.Collection
}

func NewCommandRepository(db *mongo.Database) *CommandRepository {
	return &CommandRepository{
		collection: db.Collection(database.CollectionRemoteCommands),
	}
}

func (r *CommandRepository) Insert(ctx context.Context, cmd *models.Command) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := r.collection.InsertOne(ctx, cmd)
	return err
}

// Update replaces the stored command with its current lifecycle state.
func (r *CommandRepository) Update(ctx context.Context, cmd *models.Command) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	result, err := r.collection.ReplaceOne(ctx, bson.M{"_id": cmd.ID}, cmd)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *CommandRepository) Get(ctx context.Context, id string) (*models.Command, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var cmd models.Command
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&cmd)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return &cmd, nil
}

func (r *CommandRepository) FindByVehicle(ctx context.Context, vehicleID string, limit int64) ([]*models.Command, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cursor, err := r.collection.Find(ctx, bson.M{"vehicle_id": vehicleID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var cmds []*models.Command
	for cursor.Next(ctx) {
		var cmd models.Command
		if err := cursor.Decode(&cmd); err != nil {
			return nil, err
		}
		cmds = append(cmds, &cmd)
	}
	return cmds, cursor.Err()
}
