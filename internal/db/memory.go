package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ukydev/schoolbus-tracking/internal/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MemoryStore keeps vehicles and users in process memory. It implements the
// same contracts as the Mongo collections and is used for development runs
// and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	vehicles map[string]*models.Vehicle
	users    map[primitive.ObjectID]models.User
	now      func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vehicles: make(map[string]*models.Vehicle),
		users:    make(map[primitive.ObjectID]models.User),
		now:      time.Now,
	}
}

// AddVehicle registers a vehicle, replacing any record with the same id.
func (s *MemoryStore) AddVehicle(vehicle models.Vehicle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if vehicle.CreatedAt.IsZero() {
		vehicle.CreatedAt = s.now().UTC()
	}
	s.vehicles[vehicle.ID] = cloneVehicle(&vehicle)
}

func (s *MemoryStore) FindVehicleByID(_ context.Context, id string) (*models.Vehicle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vehicle, ok := s.vehicles[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cloneVehicle(vehicle), nil
}

func (s *MemoryStore) FindVehicleByDriver(_ context.Context, driverID string) (*models.Vehicle, error) {
	if driverID == "" {
		return nil, models.ErrNotFound
	}
	assigned := s.filter(func(v *models.Vehicle) bool { return v.DriverID == driverID })
	if len(assigned) == 0 {
		return nil, models.ErrNotFound
	}
	return &assigned[0], nil
}

func (s *MemoryStore) GetPosition(ctx context.Context, vehicleID string) (*models.Vehicle, error) {
	return s.FindVehicleByID(ctx, vehicleID)
}

func (s *MemoryStore) UpsertPosition(_ context.Context, vehicleID string, pos models.Position) (*models.Vehicle, error) {
	if err := models.ValidateCoordinates(&pos.Lat, &pos.Lng); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	vehicle, ok := s.vehicles[vehicleID]
	if !ok {
		return nil, models.ErrNotFound
	}

	// Millisecond resolution matches what Mongo persists.
	now := s.now().UTC().Truncate(time.Millisecond)
	if prev := vehicle.CurrentLocation; prev != nil && !now.After(prev.UpdatedAt) {
		now = prev.UpdatedAt.Add(time.Millisecond)
	}
	if !vehicle.IsTracking || vehicle.TrackingStartedAt == nil {
		started := now
		vehicle.TrackingStartedAt = &started
	}

	fix := clonePosition(&pos)
	fix.UpdatedAt = now
	vehicle.CurrentLocation = fix
	vehicle.IsTracking = true

	return cloneVehicle(vehicle), nil
}

func (s *MemoryStore) StopTracking(_ context.Context, vehicleID string) (*models.Vehicle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vehicle, ok := s.vehicles[vehicleID]
	if !ok {
		return nil, models.ErrNotFound
	}
	vehicle.IsTracking = false
	return cloneVehicle(vehicle), nil
}

func (s *MemoryStore) ListTracking(_ context.Context) ([]models.Vehicle, error) {
	return s.filter(func(v *models.Vehicle) bool { return v.IsTracking }), nil
}

func (s *MemoryStore) ListStale(_ context.Context, cutoff time.Time) ([]models.Vehicle, error) {
	return s.filter(func(v *models.Vehicle) bool { return isStale(v, cutoff) }), nil
}

func (s *MemoryStore) StopIfStale(_ context.Context, vehicleID string, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vehicle, ok := s.vehicles[vehicleID]
	if !ok || !isStale(vehicle, cutoff) {
		return false, nil
	}
	vehicle.IsTracking = false
	return true, nil
}

func (s *MemoryStore) InsertUser(_ context.Context, user models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.ID.IsZero() {
		user.ID = primitive.NewObjectID()
	}
	now := s.now()
	user.CreatedAt = now
	user.UpdatedAt = now
	user.IsActive = true
	s.users[user.ID] = user
	return nil
}

func (s *MemoryStore) FindUserByID(_ context.Context, id string) (*models.User, error) {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[objectID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &user, nil
}

func (s *MemoryStore) FindUserByUsername(_ context.Context, username string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, user := range s.users {
		if user.Username == username {
			u := user
			return &u, nil
		}
	}
	return nil, ErrUserNotFound
}

func (s *MemoryStore) UpdateLastLogin(_ context.Context, id string) error {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[objectID]
	if !ok {
		return ErrUserNotFound
	}
	now := s.now()
	user.LastLogin = &now
	user.UpdatedAt = now
	s.users[objectID] = user
	return nil
}

func (s *MemoryStore) filter(keep func(*models.Vehicle) bool) []models.Vehicle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []models.Vehicle{}
	for _, v := range s.vehicles {
		if keep(v) {
			out = append(out, *cloneVehicle(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func isStale(v *models.Vehicle, cutoff time.Time) bool {
	return v.IsTracking && v.CurrentLocation != nil && v.CurrentLocation.UpdatedAt.Before(cutoff)
}

func cloneVehicle(v *models.Vehicle) *models.Vehicle {
	out := *v
	out.CurrentLocation = clonePosition(v.CurrentLocation)
	if v.TrackingStartedAt != nil {
		t := *v.TrackingStartedAt
		out.TrackingStartedAt = &t
	}
	return &out
}

func clonePosition(p *models.Position) *models.Position {
	if p == nil {
		return nil
	}
	out := *p
	if p.Heading != nil {
		h := *p.Heading
		out.Heading = &h
	}
	if p.Speed != nil {
		s := *p.Speed
		out.Speed = &s
	}
	return &out
}
