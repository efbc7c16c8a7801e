package tracking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/schoolbus-tracking/internal/db"
	"github.com/ukydev/schoolbus-tracking/internal/hub"
	"github.com/ukydev/schoolbus-tracking/internal/models"
)

type MockRelay struct {
	mock.Mock
}

func (m *MockRelay) Publish(ctx context.Context, vehicleID string, evt hub.Event) error {
	args := m.Called(ctx, vehicleID, evt)
	return args.Error(0)
}

func f(v float64) *float64 { return &v }

type fixture struct {
	store   *db.MemoryStore
	hub     *hub.Hub
	service *Service
}

func newFixture(t *testing.T, relay Relay) *fixture {
	t.Helper()
	store := db.NewMemoryStore()
	store.AddVehicle(models.Vehicle{ID: "bus-1", DriverID: "driver-1", Capacity: 40})
	store.AddVehicle(models.Vehicle{ID: "bus-2", DriverID: "driver-2", Capacity: 30})
	h := hub.New(16)
	return &fixture{store: store, hub: h, service: NewService(store, h, relay, 10*time.Minute)}
}

func (fx *fixture) subscribe(t *testing.T, rooms ...string) *hub.Session {
	t.Helper()
	s := fx.hub.Connect()
	for _, room := range rooms {
		require.NoError(t, fx.hub.Join(s.ID(), room))
	}
	return s
}

func drain(s *hub.Session) []hub.Event {
	var out []hub.Event
	for {
		select {
		case evt := <-s.Events():
			out = append(out, evt)
		default:
			return out
		}
	}
}

func TestReportPosition_BroadcastsToVehicleSubscribersOnly(t *testing.T) {
	fx := newFixture(t, nil)
	viewer := fx.subscribe(t, hub.VehicleRoom("bus-1"))
	other := fx.subscribe(t, hub.VehicleRoom("bus-2"))
	ctx := context.Background()

	loc, err := fx.service.ReportPosition(ctx, "driver-1", PositionReport{
		VehicleID: "bus-1", Lat: f(28.61), Lng: f(77.20), Speed: f(12.5),
	})
	require.NoError(t, err)
	assert.True(t, loc.IsTracking)
	require.NotNil(t, loc.Speed)
	assert.InDelta(t, 45.0, *loc.Speed, 1e-9)

	events := drain(viewer)
	require.Len(t, events, 1)
	assert.Equal(t, hub.EventLocationUpdate, events[0].Name)
	payload, ok := events[0].Payload.(models.VehiclePosition)
	require.True(t, ok)
	assert.Equal(t, "bus-1", payload.VehicleID)
	assert.Equal(t, 28.61, payload.Lat)
	assert.Equal(t, 77.20, payload.Lng)
	assert.True(t, payload.IsTracking)
	assert.InDelta(t, 45.0, *payload.Speed, 1e-9)

	assert.Empty(t, drain(other))

	stored, err := fx.service.Snapshot(ctx, "bus-1")
	require.NoError(t, err)
	require.NotNil(t, stored.CurrentLocation)
	assert.Equal(t, *payload.Speed, *stored.CurrentLocation.Speed)
}

func TestReportPosition_Errors(t *testing.T) {
	fx := newFixture(t, nil)
	fleet := fx.subscribe(t, hub.AllVehiclesRoom)
	ctx := context.Background()

	tests := []struct {
		name     string
		operator string
		report   PositionReport
		wantErr  error
	}{
		{"missing vehicle id", "driver-1", PositionReport{Lat: f(1), Lng: f(1)}, models.ErrInvalidPosition},
		{"missing lat", "driver-1", PositionReport{VehicleID: "bus-1", Lng: f(1)}, models.ErrInvalidPosition},
		{"lat out of range", "driver-1", PositionReport{VehicleID: "bus-1", Lat: f(91), Lng: f(1)}, models.ErrInvalidPosition},
		{"negative speed", "driver-1", PositionReport{VehicleID: "bus-1", Lat: f(1), Lng: f(1), Speed: f(-2)}, models.ErrInvalidPosition},
		{"unknown vehicle", "driver-1", PositionReport{VehicleID: "bus-404", Lat: f(1), Lng: f(1)}, models.ErrNotFound},
		{"not the driver", "driver-2", PositionReport{VehicleID: "bus-1", Lat: f(1), Lng: f(1)}, models.ErrForbidden},
		{"anonymous operator", "", PositionReport{VehicleID: "bus-1", Lat: f(1), Lng: f(1)}, models.ErrForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fx.service.ReportPosition(ctx, tt.operator, tt.report)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	assert.Empty(t, drain(fleet))
	snap, err := fx.service.Snapshot(ctx, "bus-1")
	require.NoError(t, err)
	assert.Nil(t, snap.CurrentLocation)
	assert.False(t, snap.IsTracking)
}

func TestStop_NotifiesVehicleAndFleetRooms(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	_, err := fx.service.ReportPosition(ctx, "driver-1", PositionReport{VehicleID: "bus-1", Lat: f(28.61), Lng: f(77.20)})
	require.NoError(t, err)

	vehicleViewer := fx.subscribe(t, hub.VehicleRoom("bus-1"))
	fleetViewer := fx.subscribe(t, hub.AllVehiclesRoom)
	both := fx.subscribe(t, hub.VehicleRoom("bus-1"), hub.AllVehiclesRoom)

	require.NoError(t, fx.service.Stop(ctx, "driver-1", "bus-1"))

	want := hub.Event{Name: hub.EventTrackingStopped, Payload: TrackingStopped{VehicleID: "bus-1"}}
	assert.Equal(t, []hub.Event{want}, drain(vehicleViewer))
	assert.Equal(t, []hub.Event{want}, drain(fleetViewer))
	assert.Equal(t, []hub.Event{want}, drain(both))

	snap, err := fx.service.Snapshot(ctx, "bus-1")
	require.NoError(t, err)
	assert.False(t, snap.IsTracking)
	require.NotNil(t, snap.CurrentLocation)
	assert.Equal(t, 28.61, snap.CurrentLocation.Lat)
	assert.Equal(t, 77.20, snap.CurrentLocation.Lng)

	// Stopping again is still a success.
	require.NoError(t, fx.service.Stop(ctx, "driver-1", "bus-1"))
}

func TestStop_Errors(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, fx.service.Stop(ctx, "driver-2", "bus-1"), models.ErrForbidden)
	assert.ErrorIs(t, fx.service.Stop(ctx, "driver-1", "bus-404"), models.ErrNotFound)
	assert.ErrorIs(t, fx.service.Stop(ctx, "driver-1", ""), models.ErrInvalidPosition)
}

func TestReportPosition_LastWriterWins(t *testing.T) {
	fx := newFixture(t, nil)
	viewer := fx.subscribe(t, hub.VehicleRoom("bus-1"))
	ctx := context.Background()

	_, err := fx.service.ReportPosition(ctx, "driver-1", PositionReport{VehicleID: "bus-1", Lat: f(10), Lng: f(10)})
	require.NoError(t, err)
	_, err = fx.service.ReportPosition(ctx, "driver-1", PositionReport{VehicleID: "bus-1", Lat: f(20), Lng: f(21)})
	require.NoError(t, err)

	snap, err := fx.service.Snapshot(ctx, "bus-1")
	require.NoError(t, err)
	assert.Equal(t, 20.0, snap.CurrentLocation.Lat)
	assert.Equal(t, 21.0, snap.CurrentLocation.Lng)

	events := drain(viewer)
	require.Len(t, events, 2)
	first := events[0].Payload.(models.VehiclePosition)
	second := events[1].Payload.(models.VehiclePosition)
	assert.Equal(t, 10.0, first.Lat)
	assert.Equal(t, 20.0, second.Lat)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
}

func TestReportPosition_ConcurrentVehicles(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			vehicle, driver := "bus-1", "driver-1"
			if i%2 == 0 {
				vehicle, driver = "bus-2", "driver-2"
			}
			_, err := fx.service.ReportPosition(ctx, driver, PositionReport{VehicleID: vehicle, Lat: f(float64(i)), Lng: f(float64(i))})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	positions, err := fx.service.ListTracking(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 2)
	for _, p := range positions {
		assert.Equal(t, p.Lat, p.Lng)
	}
}

// gatedStore holds UpsertPosition after the write until released.
type gatedStore struct {
	*db.MemoryStore
	written chan struct{}
	release chan struct{}
}

func (g *gatedStore) UpsertPosition(ctx context.Context, vehicleID string, pos models.Position) (*models.Vehicle, error) {
	v, err := g.MemoryStore.UpsertPosition(ctx, vehicleID, pos)
	close(g.written)
	<-g.release
	return v, err
}

func eventNames(events []hub.Event) []string {
	names := make([]string, 0, len(events))
	for _, evt := range events {
		names = append(names, evt.Name)
	}
	return names
}

func TestStop_WaitsForInFlightReport(t *testing.T) {
	store := &gatedStore{
		MemoryStore: db.NewMemoryStore(),
		written:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	store.AddVehicle(models.Vehicle{ID: "bus-1", DriverID: "driver-1"})
	h := hub.New(16)
	service := NewService(store, h, nil, 10*time.Minute)
	viewer := h.Connect()
	require.NoError(t, h.Join(viewer.ID(), hub.VehicleRoom("bus-1")))
	ctx := context.Background()

	reported := make(chan error, 1)
	go func() {
		_, err := service.ReportPosition(ctx, "driver-1", PositionReport{VehicleID: "bus-1", Lat: f(1), Lng: f(1)})
		reported <- err
	}()
	<-store.written

	stopped := make(chan error, 1)
	go func() { stopped <- service.Stop(ctx, "driver-1", "bus-1") }()

	select {
	case <-stopped:
		t.Fatal("stop finished while a report for the same bus was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(store.release)
	require.NoError(t, <-reported)
	require.NoError(t, <-stopped)

	assert.Equal(t, []string{hub.EventLocationUpdate, hub.EventTrackingStopped}, eventNames(drain(viewer)))
	snap, err := service.Snapshot(ctx, "bus-1")
	require.NoError(t, err)
	assert.False(t, snap.IsTracking)
}

// staleGateStore holds StopIfStale before the check until released.
type staleGateStore struct {
	*db.MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (g *staleGateStore) StopIfStale(ctx context.Context, vehicleID string, cutoff time.Time) (bool, error) {
	close(g.entered)
	<-g.release
	return g.MemoryStore.StopIfStale(ctx, vehicleID, cutoff)
}

func TestSweepStale_ReportWaitsForSweep(t *testing.T) {
	store := &staleGateStore{
		MemoryStore: db.NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	store.AddVehicle(models.Vehicle{ID: "bus-1", DriverID: "driver-1"})
	h := hub.New(16)
	service := NewService(store, h, nil, 10*time.Minute)
	ctx := context.Background()

	_, err := service.ReportPosition(ctx, "driver-1", PositionReport{VehicleID: "bus-1", Lat: f(1), Lng: f(1)})
	require.NoError(t, err)
	viewer := h.Connect()
	require.NoError(t, h.Join(viewer.ID(), hub.VehicleRoom("bus-1")))

	service.now = func() time.Time { return time.Now().Add(time.Hour) }
	swept := make(chan int, 1)
	go func() {
		n, _ := service.SweepStale(ctx)
		swept <- n
	}()
	<-store.entered

	reported := make(chan error, 1)
	go func() {
		_, err := service.ReportPosition(ctx, "driver-1", PositionReport{VehicleID: "bus-1", Lat: f(2), Lng: f(2)})
		reported <- err
	}()

	select {
	case <-reported:
		t.Fatal("report finished while the sweep held the bus")
	case <-time.After(50 * time.Millisecond):
	}

	close(store.release)
	assert.Equal(t, 1, <-swept)
	require.NoError(t, <-reported)

	assert.Equal(t, []string{hub.EventTrackingStopped, hub.EventLocationUpdate}, eventNames(drain(viewer)))
	snap, err := service.Snapshot(ctx, "bus-1")
	require.NoError(t, err)
	assert.True(t, snap.IsTracking)
}

func TestListTracking(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	positions, err := fx.service.ListTracking(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)

	_, err = fx.service.ReportPosition(ctx, "driver-1", PositionReport{VehicleID: "bus-1", Lat: f(1), Lng: f(2)})
	require.NoError(t, err)
	_, err = fx.service.ReportPosition(ctx, "driver-2", PositionReport{VehicleID: "bus-2", Lat: f(3), Lng: f(4)})
	require.NoError(t, err)
	require.NoError(t, fx.service.Stop(ctx, "driver-2", "bus-2"))

	positions, err = fx.service.ListTracking(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "bus-1", positions[0].VehicleID)
	assert.True(t, positions[0].IsTracking)
}

func TestSnapshot_NotFound(t *testing.T) {
	fx := newFixture(t, nil)
	_, err := fx.service.Snapshot(context.Background(), "bus-404")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSweepStale(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	_, err := fx.service.ReportPosition(ctx, "driver-1", PositionReport{VehicleID: "bus-1", Lat: f(1), Lng: f(1)})
	require.NoError(t, err)
	fleet := fx.subscribe(t, hub.AllVehiclesRoom)

	stopped, err := fx.service.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stopped)
	assert.Empty(t, drain(fleet))

	fx.service.now = func() time.Time { return time.Now().Add(time.Hour) }
	stopped, err = fx.service.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stopped)
	assert.Equal(t, []hub.Event{{Name: hub.EventTrackingStopped, Payload: TrackingStopped{VehicleID: "bus-1"}}}, drain(fleet))

	snap, err := fx.service.Snapshot(ctx, "bus-1")
	require.NoError(t, err)
	assert.False(t, snap.IsTracking)
	assert.NotNil(t, snap.CurrentLocation)

	stopped, err = fx.service.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stopped)
}

func TestSweepStale_Disabled(t *testing.T) {
	store := db.NewMemoryStore()
	service := NewService(store, hub.New(4), nil, 0)

	stopped, err := service.SweepStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stopped)

	// Returns immediately when disabled.
	service.RunStaleSweeper(context.Background(), time.Second)
}

func TestRunStaleSweeper_StopsOnCancel(t *testing.T) {
	fx := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		fx.service.RunStaleSweeper(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}

func TestRelay(t *testing.T) {
	relay := new(MockRelay)
	fx := newFixture(t, relay)
	ctx := context.Background()

	relay.On("Publish", ctx, "bus-1", mock.MatchedBy(func(evt hub.Event) bool {
		return evt.Name == hub.EventLocationUpdate
	})).Return(errors.New("nats down")).Once()
	relay.On("Publish", ctx, "bus-1", hub.Event{Name: hub.EventTrackingStopped, Payload: TrackingStopped{VehicleID: "bus-1"}}).Return(nil).Once()

	// Relay failures do not reach the operator.
	_, err := fx.service.ReportPosition(ctx, "driver-1", PositionReport{VehicleID: "bus-1", Lat: f(1), Lng: f(1)})
	require.NoError(t, err)
	require.NoError(t, fx.service.Stop(ctx, "driver-1", "bus-1"))

	relay.AssertExpectations(t)
}
