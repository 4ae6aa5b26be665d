package repository

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"vehicle-guard/internal/models"
)

func TestStaleGuard(t *testing.T) {
	st := &models.VehicleState{VehicleID: "V1", Sequence: 7, UpdatedAt: time.Now()}
	assert.Equal(t, bson.M{"_id": "V1", "sequence": bson.M{"$lt": uint64(7)}}, staleGuard(st))
}

func TestOnlyDuplicateKeys(t *testing.T) {
	dup := mongo.BulkWriteException{WriteErrors: []mongo.BulkWriteError{
		{WriteError: mongo.WriteError{Code: duplicateKeyCode}},
		{WriteError: mongo.WriteError{Code: duplicateKeyCode}},
	}}
	assert.True(t, onlyDuplicateKeys(dup))

	mixed := mongo.BulkWriteException{WriteErrors: []mongo.BulkWriteError{
		{WriteError: mongo.WriteError{Code: duplicateKeyCode}},
		{WriteError: mongo.WriteError{Code: 121}},
	}}
	assert.False(t, onlyDuplicateKeys(mixed))

	concern := mongo.BulkWriteException{
		WriteConcernError: &mongo.WriteConcernError{Code: 64},
		WriteErrors:       []mongo.BulkWriteError{{WriteError: mongo.WriteError{Code: duplicateKeyCode}}},
	}
	assert.False(t, onlyDuplicateKeys(concern))

	assert.False(t, onlyDuplicateKeys(errors.New("connection reset")))
	assert.False(t, onlyDuplicateKeys(mongo.BulkWriteException{}))
}

func TestAlertQuery(t *testing.T) {
	tests := []struct {
		name   string
		filter models.AlertFilter
		want   bson.M
	}{
		{name: "empty", filter: models.AlertFilter{}, want: bson.M{}},
		{
			name:   "vehicles",
			filter: models.AlertFilter{VehicleIDs: []string{"V1", "V2"}},
			want:   bson.M{"vehicle_id": bson.M{"$in": []string{"V1", "V2"}}},
		},
		{
			name: "all fields",
			filter: models.AlertFilter{
				Type:       models.AlertLowBattery,
				Severity:   models.SeverityMedium,
				UnreadOnly: true,
			},
			want: bson.M{"type": models.AlertLowBattery, "severity": models.SeverityMedium, "read": false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, alertQuery(tt.filter))
		})
	}
}

func TestStatsPipeline(t *testing.T) {
	p := statsPipeline([]string{"V1"})
	assert.Len(t, p, 2)
	assert.Equal(t, "$match", p[0][0].Key)
	assert.Equal(t, bson.M{"vehicle_id": bson.M{"$in": []string{"V1"}}}, p[0][0].Value)
	assert.Equal(t, "$facet", p[1][0].Key)

	facets, ok := p[1][0].Value.(bson.M)
	assert.True(t, ok)
	assert.Contains(t, facets, "totals")
	assert.Contains(t, facets, "by_type")
	assert.Contains(t, facets, "by_severity")
}
