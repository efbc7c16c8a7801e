package db

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	VehiclesCollection = "vehicles"
	UsersCollection    = "users"
)

// ConnectMongo connects to MongoDB and verifies the connection with a ping.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo.Connect error: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo.Ping error: %w", err)
	}
	return client, nil
}

// EnsureIndexes creates the indexes the tracking queries rely on.
func EnsureIndexes(ctx context.Context, database *mongo.Database) error {
	_, err := database.Collection(VehiclesCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "is_tracking", Value: 1}, {Key: "current_location.updated_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create vehicles index: %w", err)
	}
	_, err = database.Collection(VehiclesCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "driver_id", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create driver index: %w", err)
	}
	_, err = database.Collection(UsersCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create users index: %w", err)
	}
	return nil
}
