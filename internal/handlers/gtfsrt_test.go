package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/schoolbus-tracking/internal/models"
	"google.golang.org/protobuf/proto"
)

func TestBuildVehicleFeed(t *testing.T) {
	now := time.Date(2026, 3, 1, 7, 30, 0, 0, time.UTC)
	positions := []models.VehiclePosition{
		{VehicleID: "bus-1", Lat: 28.61, Lng: 77.20, Heading: f64(90), Speed: f64(45), UpdatedAt: now.Add(-time.Second), IsTracking: true},
		{VehicleID: "bus-2", Lat: -33.86, Lng: 151.20, UpdatedAt: now, IsTracking: true},
	}

	feed := BuildVehicleFeed(positions, now)

	assert.Equal(t, "2.0", feed.GetHeader().GetGtfsRealtimeVersion())
	assert.Equal(t, gtfs.FeedHeader_FULL_DATASET, feed.GetHeader().GetIncrementality())
	assert.Equal(t, uint64(now.Unix()), feed.GetHeader().GetTimestamp())
	require.Len(t, feed.GetEntity(), 2)

	first := feed.GetEntity()[0]
	assert.Equal(t, "bus-1", first.GetId())
	assert.Equal(t, "bus-1", first.GetVehicle().GetVehicle().GetId())
	assert.InDelta(t, 28.61, first.GetVehicle().GetPosition().GetLatitude(), 1e-4)
	assert.InDelta(t, 90, first.GetVehicle().GetPosition().GetBearing(), 1e-6)
	assert.InDelta(t, 12.5, first.GetVehicle().GetPosition().GetSpeed(), 1e-4)

	second := feed.GetEntity()[1]
	assert.Nil(t, second.GetVehicle().GetPosition().Speed)
	assert.Nil(t, second.GetVehicle().GetPosition().Bearing)
}

func TestTrackingHandler_GTFSRealtimeFeed(t *testing.T) {
	service := new(MockTrackingService)
	handler := NewTrackingHandler(service)
	service.On("ListTracking", mock.Anything).Return([]models.VehiclePosition{
		{VehicleID: "bus-1", Lat: 1, Lng: 2, UpdatedAt: time.Now(), IsTracking: true},
	}, nil)

	w := httptest.NewRecorder()
	handler.GTFSRealtimeFeed(w, httptest.NewRequest("GET", "/api/tracking/gtfs-rt", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-protobuf", w.Header().Get("Content-Type"))

	var feed gtfs.FeedMessage
	require.NoError(t, proto.Unmarshal(w.Body.Bytes(), &feed))
	require.Len(t, feed.GetEntity(), 1)
	assert.Equal(t, "bus-1", feed.GetEntity()[0].GetId())
}
