package handlers

import (
	"net/http"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/schoolbus-tracking/internal/models"
	"google.golang.org/protobuf/proto"
)

const gtfsRealtimeVersion = "2.0"

// GTFSRealtimeFeed serves the tracking fleet as a GTFS-Realtime
// VehiclePositions feed.
func (h *TrackingHandler) GTFSRealtimeFeed(w http.ResponseWriter, r *http.Request) {
	positions, err := h.service.ListTracking(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	body, err := proto.Marshal(BuildVehicleFeed(positions, time.Now()))
	if err != nil {
		log.WithError(err).Error("Failed to encode GTFS-RT feed")
		writeError(w, http.StatusInternalServerError, "Failed to encode feed")
		return
	}

	w.Header().Set("Content-Type", "application/x-protobuf")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// BuildVehicleFeed converts live positions into a full-dataset feed. Speeds
// are converted back to meters per second as GTFS-RT requires.
func BuildVehicleFeed(positions []models.VehiclePosition, now time.Time) *gtfs.FeedMessage {
	feed := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: proto.String(gtfsRealtimeVersion),
			Incrementality:      gtfs.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(uint64(now.Unix())),
		},
	}

	for _, p := range positions {
		pos := &gtfs.Position{
			Latitude:  proto.Float32(float32(p.Lat)),
			Longitude: proto.Float32(float32(p.Lng)),
		}
		if p.Heading != nil {
			pos.Bearing = proto.Float32(float32(*p.Heading))
		}
		if p.Speed != nil {
			pos.Speed = proto.Float32(float32(*p.Speed / models.MetersPerSecondToKmh))
		}

		feed.Entity = append(feed.Entity, &gtfs.FeedEntity{
			Id: proto.String(p.VehicleID),
			Vehicle: &gtfs.VehiclePosition{
				Vehicle:   &gtfs.VehicleDescriptor{Id: proto.String(p.VehicleID)},
				Position:  pos,
				Timestamp: proto.Uint64(uint64(p.UpdatedAt.Unix())),
			},
		})
	}
	return feed
}
