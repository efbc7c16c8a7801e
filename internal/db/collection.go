package db

import (
	"context"
	"time"

	"github.com/ukydev/schoolbus-tracking/internal/models"
)

// VehicleRegistry resolves vehicle records maintained by the fleet registry.
type VehicleRegistry interface {
	FindVehicleByID(ctx context.Context, id string) (*models.Vehicle, error)
	// FindVehicleByDriver returns the vehicle assigned to driverID, the lowest
	// id first when several are.
	FindVehicleByDriver(ctx context.Context, driverID string) (*models.Vehicle, error)
}

// VehicleStateStore is the durable per-vehicle location state. Every method
// touches a single vehicle record; unknown ids yield models.ErrNotFound.
type VehicleStateStore interface {
	// UpsertPosition replaces the current fix, stamps updated_at (strictly
	// increasing per vehicle) and marks the vehicle as tracking.
	UpsertPosition(ctx context.Context, vehicleID string, pos models.Position) (*models.Vehicle, error)
	// StopTracking clears the tracking flag. Stopping a stopped vehicle is a no-op.
	StopTracking(ctx context.Context, vehicleID string) (*models.Vehicle, error)
	GetPosition(ctx context.Context, vehicleID string) (*models.Vehicle, error)
	ListTracking(ctx context.Context) ([]models.Vehicle, error)
	ListStale(ctx context.Context, cutoff time.Time) ([]models.Vehicle, error)
	// StopIfStale clears the tracking flag only if the last fix is older than
	// cutoff. It reports whether the flag was cleared.
	StopIfStale(ctx context.Context, vehicleID string, cutoff time.Time) (bool, error)
}

// VehicleCollection is implemented by every store backend.
type VehicleCollection interface {
	VehicleRegistry
	VehicleStateStore
}

// UserCollection defines the user lookups needed for login.
type UserCollection interface {
	InsertUser(ctx context.Context, user models.User) error
	FindUserByID(ctx context.Context, id string) (*models.User, error)
	FindUserByUsername(ctx context.Context, username string) (*models.User, error)
	UpdateLastLogin(ctx context.Context, id string) error
}
