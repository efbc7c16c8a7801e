package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/ukydev/schoolbus-tracking/internal/middleware"
	"github.com/ukydev/schoolbus-tracking/internal/models"
	"github.com/ukydev/schoolbus-tracking/internal/tracking"
)

// TrackingService is the subset of tracking.Service the HTTP layer uses.
type TrackingService interface {
	ReportPosition(ctx context.Context, operatorID string, report tracking.PositionReport) (*models.VehiclePosition, error)
	Stop(ctx context.Context, operatorID, vehicleID string) error
	Snapshot(ctx context.Context, vehicleID string) (*models.Snapshot, error)
	ListTracking(ctx context.Context) ([]models.VehiclePosition, error)
}

// TrackingHandler serves the ingestion and read endpoints.
type TrackingHandler struct {
	service TrackingService
}

// NewTrackingHandler creates a new tracking handler
func NewTrackingHandler(service TrackingService) *TrackingHandler {
	return &TrackingHandler{service: service}
}

type locationResponse struct {
	Success  bool                    `json:"success"`
	Location *models.VehiclePosition `json:"location"`
}

type stopRequest struct {
	VehicleID string `json:"vehicleId"`
}

// ReportLocation ingests a position report from the vehicle's driver.
func (h *TrackingHandler) ReportLocation(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "User context not found")
		return
	}

	var report tracking.PositionReport
	if err := decodeBody(r, &report); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	if !claims.CanOperate(report.VehicleID) {
		writeServiceError(w, models.ErrForbidden)
		return
	}

	location, err := h.service.ReportPosition(r.Context(), claims.UserID, report)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, locationResponse{Success: true, Location: location})
}

// StopTracking ends the tracking session of the driver's vehicle.
func (h *TrackingHandler) StopTracking(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "User context not found")
		return
	}

	var req stopRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	if !claims.CanOperate(req.VehicleID) {
		writeServiceError(w, models.ErrForbidden)
		return
	}

	if err := h.service.Stop(r.Context(), claims.UserID, req.VehicleID); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// GetVehicle returns the current record of one vehicle.
func (h *TrackingHandler) GetVehicle(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ListVehicles returns every vehicle currently tracking.
func (h *TrackingHandler) ListVehicles(w http.ResponseWriter, r *http.Request) {
	positions, err := h.service.ListTracking(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}
