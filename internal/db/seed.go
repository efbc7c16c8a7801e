package db

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ukydev/schoolbus-tracking/internal/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Seed is the fixture format accepted by LoadSeed.
type Seed struct {
	Vehicles []models.Vehicle `json:"vehicles"`
	Users    []SeedUser       `json:"users"`
}

// SeedUser carries a plain-text password that is hashed on load.
type SeedUser struct {
	ID        string      `json:"id"`
	Username  string      `json:"username"`
	Password  string      `json:"password"`
	Role      models.Role `json:"role"`
	FirstName string      `json:"first_name"`
	LastName  string      `json:"last_name"`
}

// LoadSeed reads a fixture file into the memory store.
func LoadSeed(ctx context.Context, store *MemoryStore, path string, hash func(string) (string, error)) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}

	var seed Seed
	if err := json.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}

	for _, su := range seed.Users {
		if !models.IsValidRole(su.Role) {
			return fmt.Errorf("seed user %q: invalid role %q", su.Username, su.Role)
		}
		user := models.User{
			Username:  su.Username,
			Role:      su.Role,
			FirstName: su.FirstName,
			LastName:  su.LastName,
		}
		if su.ID != "" {
			id, err := primitive.ObjectIDFromHex(su.ID)
			if err != nil {
				return fmt.Errorf("seed user %q: %w", su.Username, err)
			}
			user.ID = id
		}
		user.PasswordHash, err = hash(su.Password)
		if err != nil {
			return fmt.Errorf("seed user %q: %w", su.Username, err)
		}
		if err := store.InsertUser(ctx, user); err != nil {
			return err
		}
	}

	for _, v := range seed.Vehicles {
		if v.ID == "" {
			return fmt.Errorf("seed vehicle without id")
		}
		store.AddVehicle(v)
	}
	return nil
}
