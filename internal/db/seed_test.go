package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const seedJSON = `{
  "users": [
    {"id": "665f1c2e9b1d4a0001a1b2c3", "username": "driver1", "password": "secret123", "role": "driver"},
    {"username": "parent1", "password": "secret456", "role": "parent"}
  ],
  "vehicles": [
    {"id": "bus-1", "bus_number": "SB-01", "capacity": 40, "route_id": "north", "driver_id": "665f1c2e9b1d4a0001a1b2c3"}
  ]
}`

func plainHash(p string) (string, error) { return "hashed:" + p, nil }

func writeSeed(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadSeed(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := LoadSeed(ctx, store, writeSeed(t, seedJSON), plainHash)
	require.NoError(t, err)

	driver, err := store.FindUserByUsername(ctx, "driver1")
	require.NoError(t, err)
	assert.Equal(t, "665f1c2e9b1d4a0001a1b2c3", driver.ID.Hex())
	assert.Equal(t, "hashed:secret123", driver.PasswordHash)

	parent, err := store.FindUserByUsername(ctx, "parent1")
	require.NoError(t, err)
	assert.False(t, parent.ID.IsZero())

	bus, err := store.FindVehicleByID(ctx, "bus-1")
	require.NoError(t, err)
	assert.Equal(t, driver.ID.Hex(), bus.DriverID)
	assert.Equal(t, 40, bus.Capacity)
	assert.False(t, bus.IsTracking)
}

func TestLoadSeed_Errors(t *testing.T) {
	ctx := context.Background()

	err := LoadSeed(ctx, NewMemoryStore(), filepath.Join(t.TempDir(), "missing.json"), plainHash)
	assert.Error(t, err)

	err = LoadSeed(ctx, NewMemoryStore(), writeSeed(t, "{not json"), plainHash)
	assert.Error(t, err)

	err = LoadSeed(ctx, NewMemoryStore(), writeSeed(t, `{"users":[{"username":"x","password":"y","role":"pilot"}]}`), plainHash)
	assert.Error(t, err)

	err = LoadSeed(ctx, NewMemoryStore(), writeSeed(t, `{"vehicles":[{"capacity":10}]}`), plainHash)
	assert.Error(t, err)
}
