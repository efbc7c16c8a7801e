package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/schoolbus-tracking/internal/auth"
	"github.com/ukydev/schoolbus-tracking/internal/db"
	"github.com/ukydev/schoolbus-tracking/internal/models"
)

// DriverVehicleFinder resolves the bus a driver is assigned to.
type DriverVehicleFinder interface {
	FindVehicleByDriver(ctx context.Context, driverID string) (*models.Vehicle, error)
}

// AuthHandler handles authentication requests
type AuthHandler struct {
	authService    *auth.Service
	userCollection db.UserCollection
	vehicles       DriverVehicleFinder
}

// NewAuthHandler creates a new authentication handler. With a nil vehicles
// finder, driver tokens are issued without a vehicle binding.
func NewAuthHandler(authService *auth.Service, userCollection db.UserCollection, vehicles DriverVehicleFinder) *AuthHandler {
	return &AuthHandler{
		authService:    authService,
		userCollection: userCollection,
		vehicles:       vehicles,
	}
}

// Login handles user login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	var loginReq models.LoginRequest
	if err := json.Unmarshal(body, &loginReq); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	if loginReq.Username == "" || loginReq.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	user, err := h.userCollection.FindUserByUsername(r.Context(), loginReq.Username)
	if err != nil {
		writeError(w, http.StatusUnauthorized, auth.ErrInvalidCredentials.Error())
		return
	}

	if !user.IsActive {
		writeError(w, http.StatusUnauthorized, "Account is deactivated")
		return
	}

	if !h.authService.CheckPassword(loginReq.Password, user.PasswordHash) {
		writeError(w, http.StatusUnauthorized, auth.ErrInvalidCredentials.Error())
		return
	}

	vehicleID := h.assignedVehicle(r.Context(), user)
	token, err := h.authService.GenerateVehicleToken(user, vehicleID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	refreshToken, err := h.authService.GenerateRefreshToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to generate refresh token")
		return
	}

	if err := h.userCollection.UpdateLastLogin(r.Context(), user.ID.Hex()); err != nil {
		log.WithError(err).WithField("user_id", user.ID.Hex()).Warn("Failed to update last login")
	}

	log.WithFields(log.Fields{"user_id": user.ID.Hex(), "role": user.Role, "vehicle_id": vehicleID}).Info("User logged in")
	writeJSON(w, http.StatusOK, models.LoginResponse{
		Token:        token,
		RefreshToken: refreshToken,
		User:         *user,
		VehicleID:    vehicleID,
	})
}

// assignedVehicle returns the driver's bus, or "" when the driver has none
// or the registry cannot answer; the token then falls back to the registry
// check on every report.
func (h *AuthHandler) assignedVehicle(ctx context.Context, user *models.User) string {
	if h.vehicles == nil || user.Role != models.RoleDriver {
		return ""
	}
	vehicle, err := h.vehicles.FindVehicleByDriver(ctx, user.ID.Hex())
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			log.WithError(err).WithField("user_id", user.ID.Hex()).Warn("Vehicle lookup failed at login")
		}
		return ""
	}
	return vehicle.ID
}
