package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ukydev/schoolbus-tracking/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoVehicleCollection stores the registry and the embedded live position
// in the vehicles collection.
type MongoVehicleCollection struct {
	Collection *mongo.Collection
}

// FindVehicleByID finds a vehicle by its ID.
func (c *MongoVehicleCollection) FindVehicleByID(ctx context.Context, id string) (*models.Vehicle, error) {
	if c.Collection == nil {
		return nil, fmt.Errorf("mongo collection is nil")
	}

	var vehicle models.Vehicle
	err := c.Collection.FindOne(ctx, bson.M{"_id": id}).Decode(&vehicle)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return &vehicle, nil
}

// FindVehicleByDriver finds the vehicle assigned to a driver.
func (c *MongoVehicleCollection) FindVehicleByDriver(ctx context.Context, driverID string) (*models.Vehicle, error) {
	if c.Collection == nil {
		return nil, fmt.Errorf("mongo collection is nil")
	}
	if driverID == "" {
		return nil, models.ErrNotFound
	}

	opts := options.FindOne().SetSort(bson.D{{Key: "_id", Value: 1}})
	var vehicle models.Vehicle
	err := c.Collection.FindOne(ctx, bson.M{"driver_id": driverID}, opts).Decode(&vehicle)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return &vehicle, nil
}

// GetPosition returns the vehicle record with its last known position.
func (c *MongoVehicleCollection) GetPosition(ctx context.Context, vehicleID string) (*models.Vehicle, error) {
	return c.FindVehicleByID(ctx, vehicleID)
}

// UpsertPosition writes the fix with a single pipeline update so the
// timestamp ordering and the tracking start are decided by the database:
// updated_at = max(now, previous+1ms), tracking_started_at is kept while the
// vehicle is already tracking.
func (c *MongoVehicleCollection) UpsertPosition(ctx context.Context, vehicleID string, pos models.Position) (*models.Vehicle, error) {
	if c.Collection == nil {
		return nil, fmt.Errorf("mongo collection is nil")
	}
	if err := models.ValidateCoordinates(&pos.Lat, &pos.Lng); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	fix := bson.D{
		{Key: "lat", Value: pos.Lat},
		{Key: "lng", Value: pos.Lng},
		{Key: "geohash", Value: pos.Geohash},
	}
	if pos.Heading != nil {
		fix = append(fix, bson.E{Key: "heading", Value: *pos.Heading})
	}
	if pos.Speed != nil {
		fix = append(fix, bson.E{Key: "speed", Value: *pos.Speed})
	}

	updatedAt := bson.D{{Key: "$max", Value: bson.A{
		now,
		bson.D{{Key: "$add", Value: bson.A{"$current_location.updated_at", 1}}},
	}}}
	startedAt := bson.D{{Key: "$cond", Value: bson.A{
		bson.D{{Key: "$eq", Value: bson.A{"$is_tracking", true}}},
		bson.D{{Key: "$ifNull", Value: bson.A{"$tracking_started_at", now}}},
		now,
	}}}

	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "current_location", Value: bson.D{{Key: "$mergeObjects", Value: bson.A{
				bson.D{{Key: "$literal", Value: fix}},
				bson.D{{Key: "updated_at", Value: updatedAt}},
			}}}},
			{Key: "tracking_started_at", Value: startedAt},
			{Key: "is_tracking", Value: true},
		}}},
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var vehicle models.Vehicle
	err := c.Collection.FindOneAndUpdate(ctx, bson.M{"_id": vehicleID}, update, opts).Decode(&vehicle)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("upsert position for %s: %w", vehicleID, err)
	}
	return &vehicle, nil
}

// StopTracking clears the tracking flag; the last position is retained.
func (c *MongoVehicleCollection) StopTracking(ctx context.Context, vehicleID string) (*models.Vehicle, error) {
	if c.Collection == nil {
		return nil, fmt.Errorf("mongo collection is nil")
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var vehicle models.Vehicle
	err := c.Collection.FindOneAndUpdate(ctx,
		bson.M{"_id": vehicleID},
		bson.M{"$set": bson.M{"is_tracking": false}},
		opts,
	).Decode(&vehicle)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("stop tracking for %s: %w", vehicleID, err)
	}
	return &vehicle, nil
}

// ListTracking returns every vehicle currently flagged as tracking.
func (c *MongoVehicleCollection) ListTracking(ctx context.Context) ([]models.Vehicle, error) {
	return c.findVehicles(ctx, bson.M{"is_tracking": true})
}

// ListStale returns tracking vehicles whose last fix is older than cutoff.
func (c *MongoVehicleCollection) ListStale(ctx context.Context, cutoff time.Time) ([]models.Vehicle, error) {
	return c.findVehicles(ctx, staleFilter(cutoff))
}

// StopIfStale clears the tracking flag only while the record is still stale.
func (c *MongoVehicleCollection) StopIfStale(ctx context.Context, vehicleID string, cutoff time.Time) (bool, error) {
	if c.Collection == nil {
		return false, fmt.Errorf("mongo collection is nil")
	}

	filter := staleFilter(cutoff)
	filter["_id"] = vehicleID
	result, err := c.Collection.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"is_tracking": false}})
	if err != nil {
		return false, fmt.Errorf("stop stale vehicle %s: %w", vehicleID, err)
	}
	return result.ModifiedCount == 1, nil
}

func staleFilter(cutoff time.Time) bson.M {
	return bson.M{
		"is_tracking":                 true,
		"current_location.updated_at": bson.M{"$lt": cutoff},
	}
}

func (c *MongoVehicleCollection) findVehicles(ctx context.Context, filter bson.M) ([]models.Vehicle, error) {
	if c.Collection == nil {
		return nil, fmt.Errorf("mongo collection is nil")
	}

	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := c.Collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	vehicles := []models.Vehicle{}
	if err := cursor.All(ctx, &vehicles); err != nil {
		return nil, err
	}
	return vehicles, nil
}
