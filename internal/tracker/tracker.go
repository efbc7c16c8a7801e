package tracker

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/schoolbus-tracking/internal/models"
	"github.com/ukydev/schoolbus-tracking/internal/tracking"
)

// Fix is one sample from the device. Speed is in m/s.
type Fix struct {
	Lat     float64
	Lng     float64
	Heading *float64
	Speed   *float64
}

// PositionSource is sampled on every tick.
type PositionSource interface {
	Sample(ctx context.Context) (Fix, error)
}

// API is the server surface the tracker depends on; *Client implements it.
type API interface {
	UserID() string
	Snapshot(ctx context.Context, vehicleID string) (*models.Snapshot, error)
	Report(ctx context.Context, report tracking.PositionReport) (*models.VehiclePosition, error)
	Stop(ctx context.Context, vehicleID string) error
}

// Tracker runs at most one sampling loop for its vehicle. The server side
// "is tracking" flag is durable; the loop is not, so Resume reconciles the
// two after a restart.
type Tracker struct {
	api       API
	vehicleID string
	source    PositionSource
	interval  time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a tracker for one vehicle.
func New(api API, vehicleID string, source PositionSource, interval time.Duration) *Tracker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Tracker{
		api:       api,
		vehicleID: vehicleID,
		source:    source,
		interval:  interval,
	}
}

// Start launches the sampling loop, cancelling a running one first. There is
// no start call on the server: the first report marks the vehicle as tracking.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLoopLocked()

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.cancel = cancel
	t.done = done

	go t.run(loopCtx, done)
	log.WithField("vehicle_id", t.vehicleID).Info("Tracking loop started")
}

// Stop cancels the local loop and tells the server tracking has ended.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	t.stopLoopLocked()
	t.mu.Unlock()

	if err := t.api.Stop(ctx, t.vehicleID); err != nil {
		return err
	}
	log.WithField("vehicle_id", t.vehicleID).Info("Tracking stopped")
	return nil
}

// Resume restarts the loop when the server still reports the vehicle as
// tracking and this operator is its driver of record. It reports whether the
// loop was restarted.
func (t *Tracker) Resume(ctx context.Context) (bool, error) {
	snap, err := t.api.Snapshot(ctx, t.vehicleID)
	if err != nil {
		return false, err
	}
	if !snap.IsTracking || snap.DriverID != t.api.UserID() {
		return false, nil
	}

	t.Start(ctx)
	log.WithField("vehicle_id", t.vehicleID).Info("Resumed tracking")
	return true, nil
}

// Running reports whether a sampling loop is active.
func (t *Tracker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done == nil {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

func (t *Tracker) stopLoopLocked() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
	t.cancel = nil
	t.done = nil
}

func (t *Tracker) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		t.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *Tracker) tick(ctx context.Context) {
	logger := log.WithField("vehicle_id", t.vehicleID)

	fix, err := t.source.Sample(ctx)
	if err != nil {
		logger.WithError(err).Warn("Position sample failed")
		return
	}
	if ctx.Err() != nil {
		return
	}

	lat, lng := fix.Lat, fix.Lng
	_, err = t.api.Report(ctx, tracking.PositionReport{
		VehicleID: t.vehicleID,
		Lat:       &lat,
		Lng:       &lng,
		Heading:   fix.Heading,
		Speed:     fix.Speed,
	})
	if err != nil && ctx.Err() == nil {
		logger.WithError(err).Warn("Position report failed")
	}
}
