// Package tracking implements position ingestion, stop and the read paths of
// live vehicle tracking.
package tracking

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/schoolbus-tracking/internal/db"
	"github.com/ukydev/schoolbus-tracking/internal/hub"
	"github.com/ukydev/schoolbus-tracking/internal/models"
)

// PositionReport is a raw position report from an operator device. Speed is
// in meters per second.
type PositionReport struct {
	VehicleID string   `json:"vehicleId"`
	Lat       *float64 `json:"lat"`
	Lng       *float64 `json:"lng"`
	Heading   *float64 `json:"heading,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
}

// TrackingStopped is the payload of the stop event.
type TrackingStopped struct {
	VehicleID string `json:"vehicleId"`
}

// Broadcaster fans an event out to hub rooms.
type Broadcaster interface {
	Broadcast(evt hub.Event, rooms ...string) int
}

// Relay forwards events to collaborators outside this process.
type Relay interface {
	Publish(ctx context.Context, vehicleID string, evt hub.Event) error
}

// Service ties the vehicle state store to the broadcast hub. Writes to one
// vehicle and their events are serialized, so subscribers see events in the
// order the store applied them.
type Service struct {
	vehicles   db.VehicleCollection
	hub        Broadcaster
	relay      Relay
	staleAfter time.Duration
	now        func() time.Time

	locks sync.Map // vehicle id -> *sync.Mutex
}

// NewService creates the tracking service. relay may be nil; staleAfter <= 0
// disables the staleness sweep.
func NewService(vehicles db.VehicleCollection, broadcaster Broadcaster, relay Relay, staleAfter time.Duration) *Service {
	return &Service{
		vehicles:   vehicles,
		hub:        broadcaster,
		relay:      relay,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// ReportPosition stores the reported fix for the operator's vehicle and
// broadcasts it.
func (s *Service) ReportPosition(ctx context.Context, operatorID string, report PositionReport) (*models.VehiclePosition, error) {
	if report.VehicleID == "" {
		return nil, fmt.Errorf("%w: vehicleId is required", models.ErrInvalidPosition)
	}
	if err := models.ValidateCoordinates(report.Lat, report.Lng); err != nil {
		return nil, err
	}

	var speedKmh *float64
	if report.Speed != nil {
		v := *report.Speed * models.MetersPerSecondToKmh
		speedKmh = &v
	}
	pos, err := models.NewPosition(*report.Lat, *report.Lng, report.Heading, speedKmh)
	if err != nil {
		return nil, err
	}

	if err := s.authorize(ctx, operatorID, report.VehicleID); err != nil {
		return nil, err
	}

	view, err := s.upsert(ctx, report.VehicleID, pos)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"vehicle_id": report.VehicleID,
		"lat":        view.Lat,
		"lng":        view.Lng,
	}).Debug("Position ingested")
	return view, nil
}

func (s *Service) upsert(ctx context.Context, vehicleID string, pos models.Position) (*models.VehiclePosition, error) {
	unlock := s.lockVehicle(vehicleID)
	defer unlock()

	vehicle, err := s.vehicles.UpsertPosition(ctx, vehicleID, pos)
	if err != nil {
		return nil, err
	}
	view, _ := vehicle.PositionView()
	s.publish(ctx, vehicleID, hub.Event{Name: hub.EventLocationUpdate, Payload: view})
	return &view, nil
}

// Stop clears the tracking flag of the operator's vehicle and broadcasts the
// stop event. Stopping a stopped vehicle succeeds.
func (s *Service) Stop(ctx context.Context, operatorID, vehicleID string) error {
	if vehicleID == "" {
		return fmt.Errorf("%w: vehicleId is required", models.ErrInvalidPosition)
	}
	if err := s.authorize(ctx, operatorID, vehicleID); err != nil {
		return err
	}
	if err := s.stop(ctx, vehicleID); err != nil {
		return err
	}

	log.WithField("vehicle_id", vehicleID).Info("Tracking stopped")
	return nil
}

// Snapshot returns the current record of a vehicle.
func (s *Service) Snapshot(ctx context.Context, vehicleID string) (*models.Snapshot, error) {
	vehicle, err := s.vehicles.GetPosition(ctx, vehicleID)
	if err != nil {
		return nil, err
	}
	snap := vehicle.Snapshot()
	return &snap, nil
}

// ListTracking returns the live position of every tracking vehicle.
func (s *Service) ListTracking(ctx context.Context) ([]models.VehiclePosition, error) {
	vehicles, err := s.vehicles.ListTracking(ctx)
	if err != nil {
		return nil, err
	}

	positions := make([]models.VehiclePosition, 0, len(vehicles))
	for i := range vehicles {
		if view, ok := vehicles[i].PositionView(); ok {
			positions = append(positions, view)
		}
	}
	return positions, nil
}

// SweepStale stops every tracking vehicle whose last fix is older than the
// staleness timeout and returns how many were stopped.
func (s *Service) SweepStale(ctx context.Context) (int, error) {
	if s.staleAfter <= 0 {
		return 0, nil
	}

	cutoff := s.now().Add(-s.staleAfter)
	stale, err := s.vehicles.ListStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale vehicles: %w", err)
	}

	stopped := 0
	for _, v := range stale {
		ok, err := s.stopIfStale(ctx, v.ID, cutoff)
		if err != nil {
			log.WithError(err).WithField("vehicle_id", v.ID).Warn("Failed to stop stale vehicle")
			continue
		}
		// A report may have landed since the listing.
		if !ok {
			continue
		}
		stopped++
		log.WithFields(log.Fields{
			"vehicle_id":   v.ID,
			"last_seen_at": v.CurrentLocation.UpdatedAt,
		}).Info("Stale vehicle marked offline")
	}
	return stopped, nil
}

// RunStaleSweeper runs SweepStale every interval until ctx is cancelled.
func (s *Service) RunStaleSweeper(ctx context.Context, interval time.Duration) {
	if s.staleAfter <= 0 || interval <= 0 {
		log.Info("Stale sweeper disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepStale(ctx); err != nil {
				log.WithError(err).Error("Stale sweep failed")
			}
		}
	}
}

func (s *Service) stop(ctx context.Context, vehicleID string) error {
	unlock := s.lockVehicle(vehicleID)
	defer unlock()

	if _, err := s.vehicles.StopTracking(ctx, vehicleID); err != nil {
		return err
	}
	s.publish(ctx, vehicleID, hub.Event{Name: hub.EventTrackingStopped, Payload: TrackingStopped{VehicleID: vehicleID}})
	return nil
}

func (s *Service) stopIfStale(ctx context.Context, vehicleID string, cutoff time.Time) (bool, error) {
	unlock := s.lockVehicle(vehicleID)
	defer unlock()

	ok, err := s.vehicles.StopIfStale(ctx, vehicleID, cutoff)
	if err != nil || !ok {
		return false, err
	}
	s.publish(ctx, vehicleID, hub.Event{Name: hub.EventTrackingStopped, Payload: TrackingStopped{VehicleID: vehicleID}})
	return true, nil
}

// lockVehicle holds the vehicle's mutex until the returned func is called.
// Mutexes live as long as the service.
func (s *Service) lockVehicle(vehicleID string) func() {
	m, _ := s.locks.LoadOrStore(vehicleID, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *Service) authorize(ctx context.Context, operatorID, vehicleID string) error {
	vehicle, err := s.vehicles.FindVehicleByID(ctx, vehicleID)
	if err != nil {
		return err
	}
	if operatorID == "" || vehicle.DriverID != operatorID {
		log.WithFields(log.Fields{
			"vehicle_id":  vehicleID,
			"operator_id": operatorID,
		}).Warn("Operator is not the driver of record")
		return models.ErrForbidden
	}
	return nil
}

// publish is best effort: delivery problems never reach the ingesting caller.
func (s *Service) publish(ctx context.Context, vehicleID string, evt hub.Event) {
	s.hub.Broadcast(evt, hub.VehicleRoom(vehicleID), hub.AllVehiclesRoom)

	if s.relay == nil {
		return
	}
	if err := s.relay.Publish(ctx, vehicleID, evt); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"vehicle_id": vehicleID,
			"event":      evt.Name,
		}).Warn("Failed to relay event")
	}
}
