package models

import (
	"time"
)

// Vehicle is a bus as kept by the fleet registry. The tracking fields are
// owned by the tracking core; everything else is maintained elsewhere.
type Vehicle struct {
	ID                string     `bson:"_id" json:"id"`
	BusNumber         string     `bson:"bus_number" json:"bus_number"`
	Capacity          int        `bson:"capacity" json:"capacity"`
	RouteID           string     `bson:"route_id,omitempty" json:"route_id,omitempty"`
	DriverID          string     `bson:"driver_id" json:"driver_id"`
	CurrentLocation   *Position  `bson:"current_location,omitempty" json:"current_location,omitempty"`
	IsTracking        bool       `bson:"is_tracking" json:"is_tracking"`
	TrackingStartedAt *time.Time `bson:"tracking_started_at,omitempty" json:"tracking_started_at,omitempty"`
	CreatedAt         time.Time  `bson:"created_at" json:"created_at"`
}

// PositionView projects the vehicle onto its live-location view. The second
// return is false when no fix has been ingested yet.
func (v *Vehicle) PositionView() (VehiclePosition, bool) {
	view := VehiclePosition{VehicleID: v.ID, IsTracking: v.IsTracking}
	if !v.CurrentLocation.HasFix() {
		return view, false
	}
	view.Lat = v.CurrentLocation.Lat
	view.Lng = v.CurrentLocation.Lng
	view.Heading = v.CurrentLocation.Heading
	view.Speed = v.CurrentLocation.Speed
	view.UpdatedAt = v.CurrentLocation.UpdatedAt
	return view, true
}

// Snapshot is the on-demand read model used to reconcile after (re)connecting.
type Snapshot struct {
	VehicleID       string           `json:"vehicleId"`
	DriverID        string           `json:"driverId"`
	RouteID         string           `json:"routeId,omitempty"`
	CurrentLocation *VehiclePosition `json:"currentLocation"`
	IsTracking      bool             `json:"isTracking"`
}

// Snapshot builds the read model for the vehicle.
func (v *Vehicle) Snapshot() Snapshot {
	snap := Snapshot{
		VehicleID:  v.ID,
		DriverID:   v.DriverID,
		RouteID:    v.RouteID,
		IsTracking: v.IsTracking,
	}
	if view, ok := v.PositionView(); ok {
		snap.CurrentLocation = &view
	}
	return snap
}
