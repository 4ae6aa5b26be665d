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

type AlertRepository struct {
	collection *mongo.Collection
}

func NewAlertRepository(db *mongo.Database) *AlertRepository {
	return &AlertRepository{
		collection: db.Collection(database.CollectionAlerts),
	}
}

func (r *AlertRepository) Insert(ctx context.Context, alert *models.AlertEvent) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := r.collection.InsertOne(ctx, alert)
	if mongo.IsDuplicateKeyError(err) {
		// A retried insert that already landed.
		return nil
	}
	return err
}

func (r *AlertRepository) Get(ctx context.Context, id string) (*models.AlertEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var alert models.AlertEvent
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&alert)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return &alert, nil
}

// MarkRead sets the read flag once; repeated calls keep the first read_at.
func (r *AlertRepository) MarkRead(ctx context.Context, id string, at time.Time) (*models.AlertEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "read": false},
		bson.M{"$set": bson.M{"read": true, "read_at": at}},
	); err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

// Acknowledge implies read. Both timestamps are written at most once.
func (r *AlertRepository) Acknowledge(ctx context.Context, id string, at time.Time) (*models.AlertEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "read": false},
		bson.M{"$set": bson.M{"read": true, "read_at": at}},
	); err != nil {
		return nil, err
	}
	if _, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "acknowledged": false},
		bson.M{"$set": bson.M{"acknowledged": true, "acknowledged_at": at}},
	); err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

// Find returns matching alerts, most recent first.
func (r *AlertRepository) Find(ctx context.Context, filter models.AlertFilter) ([]*models.AlertEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(filter.Limit)
	}
	cursor, err := r.collection.Find(ctx, alertQuery(filter), opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var alerts []*models.AlertEvent
	for cursor.Next(ctx) {
		var alert models.AlertEvent
		if err := cursor.Decode(&alert); err != nil {
			return nil, err
		}
		alerts = append(alerts, &alert)
	}
	return alerts, cursor.Err()
}

type groupCount struct {
	Key   string `bson:"_id"`
	Count int64  `bson:"count"`
}

type statsResult struct {
	Totals []struct {
		Total          int64 `bson:"total"`
		Unread         int64 `bson:"unread"`
		Unacknowledged int64 `bson:"unacknowledged"`
	} `bson:"totals"`
	ByType     []groupCount `bson:"by_type"`
	BySeverity []groupCount `bson:"by_severity"`
}

// Stats aggregates counters in a single $facet pass.
func (r *AlertRepository) Stats(ctx context.Context, vehicleIDs []string) (*models.AlertStatistics, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cursor, err := r.collection.Aggregate(ctx, statsPipeline(vehicleIDs))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	stats := &models.AlertStatistics{
		ByType:     make(map[models.AlertType]int64),
		BySeverity: make(map[models.Severity]int64),
	}
	if !cursor.Next(ctx) {
		return stats, cursor.Err()
	}

	var res statsResult
	if err := cursor.Decode(&res); err != nil {
		return nil, err
	}
	if len(res.Totals) > 0 {
		stats.Total = res.Totals[0].Total
		stats.Unread = res.Totals[0].Unread
		stats.Unacknowledged = res.Totals[0].Unacknowledged
	}
	for _, g := range res.ByType {
		stats.ByType[models.AlertType(g.Key)] = g.Count
	}
	for _, g := range res.BySeverity {
		stats.BySeverity[models.Severity(g.Key)] = g.Count
	}
	return stats, nil
}

func alertQuery(f models.AlertFilter) bson.M {
	query := bson.M{}
	if len(f.VehicleIDs) > 0 {
		query["vehicle_id"] = bson.M{"$in": f.VehicleIDs}
	}
	if f.Type != "" {
		query["type"] = f.Type
	}
	if f.Severity != "" {
		query["severity"] = f.Severity
	}
	if f.UnreadOnly {
		query["read"] = false
	}
	return query
}

func countIf(field string, value bool) bson.M {
	return bson.M{"$sum": bson.M{"$cond": bson.A{bson.M{"$eq": bson.A{"$" + field, value}}, 1, 0}}}
}

func statsPipeline(vehicleIDs []string) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: alertQuery(models.AlertFilter{VehicleIDs: vehicleIDs})}},
		{{Key: "$facet", Value: bson.M{
			"totals": bson.A{
				bson.M{"$group": bson.M{
					"_id":            nil,
					"total":          bson.M{"$sum": 1},
					"unread":         countIf("read", false),
					"unacknowledged": countIf("acknowledged", false),
				}},
			},
			"by_type": bson.A{
				bson.M{"$group": bson.M{"_id": "$type", "count": bson.M{"$sum": 1}}},
			},
			"by_severity": bson.A{
				bson.M{"$group": bson.M{"_id": "$severity", "count": bson.M{"$sum": 1}}},
			},
		}}},
	}
}
