package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"vehicle-guard/internal/models"
	"vehicle-guard/pkg/database"
)

const duplicateKeyCode = 11000

// VehicleStateRepository persists the latest snapshot per vehicle.
// Documents are keyed by vehicle id and never move to a lower sequence.
type VehicleStateRepository struct {
	collection *mongo.Collection
}

func NewVehicleStateRepository(db *mongo.Database) *VehicleStateRepository {
	return &VehicleStateRepository{
		collection: db.Collection(database.CollectionVehicleStatus),
	}
}

func (r *VehicleStateRepository) LoadState(ctx context.Context, vehicleID string) (*models.VehicleState, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var state models.VehicleState
	err := r.collection.FindOne(ctx, bson.M{"_id": vehicleID}).Decode(&state)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return &state, nil
}

func (r *VehicleStateRepository) UpsertState(ctx context.Context, state *models.VehicleState) error {
	return r.UpsertStates(ctx, []*models.VehicleState{state})
}

// UpsertStates writes every snapshot in one unordered bulk write. A snapshot
// older than the stored one matches no document, and its upsert then collides
// on _id; those collisions are expected and ignored.
func (r *VehicleStateRepository) UpsertStates(ctx context.Context, states []*models.VehicleState) error {
	if len(states) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	writes := make([]mongo.WriteModel, 0, len(states))
	for _, st := range states {
		writes = append(writes, mongo.NewReplaceOneModel().
			SetFilter(staleGuard(st)).
			SetReplacement(st).
			SetUpsert(true))
	}

	_, err := r.collection.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
	if err != nil && !onlyDuplicateKeys(err) {
		return fmt.Errorf("bulk upsert of %d vehicle states: %w", len(states), err)
	}
	return nil
}

// Count returns the number of vehicles with a stored snapshot.
func (r *VehicleStateRepository) Count(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return r.collection.CountDocuments(ctx, bson.M{})
}

func staleGuard(st *models.VehicleState) bson.M {
	return bson.M{
		"_id":      st.VehicleID,
		"sequence": bson.M{"$lt": st.Sequence},
	}
}

func onlyDuplicateKeys(err error) bool {
	var bulkErr mongo.BulkWriteException
	if !errors.As(err, &bulkErr) {
		return false
	}
	if bulkErr.WriteConcernError != nil || len(bulkErr.WriteErrors) == 0 {
		return false
	}
	for _, we := range bulkErr.WriteErrors {
		if we.Code != duplicateKeyCode {
			return false
		}
	}
	return true
}
