package mqttbridge

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/ukydev/schoolbus-tracking/internal/auth"
	"github.com/ukydev/schoolbus-tracking/internal/models"
	"github.com/ukydev/schoolbus-tracking/internal/tracking"
)

type MockReporter struct {
	mock.Mock
}

func (m *MockReporter) ReportPosition(ctx context.Context, operatorID string, report tracking.PositionReport) (*models.VehiclePosition, error) {
	args := m.Called(ctx, operatorID, report)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.VehiclePosition), args.Error(1)
}

func (m *MockReporter) Stop(ctx context.Context, operatorID, vehicleID string) error {
	args := m.Called(ctx, operatorID, vehicleID)
	return args.Error(0)
}

type stubTokens map[string]*models.Claims

func (s stubTokens) ValidateToken(token string) (*models.Claims, error) {
	if c, ok := s[token]; ok {
		return c, nil
	}
	return nil, auth.ErrInvalidToken
}

// fakeMessage implements mqtt.Message.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

var tokens = stubTokens{
	"driver-token": {UserID: "driver-1", Role: models.RoleDriver},
	"parent-token": {UserID: "parent-1", Role: models.RoleParent},
	"bus1-token":   {UserID: "driver-1", Role: models.RoleDriver, VehicleID: "bus-1"},
}

func f(v float64) *float64 { return &v }

func TestBridge_Topics(t *testing.T) {
	b := NewBridge(nil, tokens, "/fleet/")
	assert.Equal(t, []string{"fleet/+/position", "fleet/+/stop"}, b.Topics())
}

func TestBridge_Position(t *testing.T) {
	reporter := new(MockReporter)
	b := NewBridge(reporter, tokens, "fleet")

	want := tracking.PositionReport{VehicleID: "bus-1", Lat: f(28.61), Lng: f(77.2), Speed: f(12.5)}
	reporter.On("ReportPosition", mock.Anything, "driver-1", want).Return(&models.VehiclePosition{VehicleID: "bus-1"}, nil)

	b.HandleMessage(nil, fakeMessage{
		topic:   "fleet/bus-1/position",
		payload: []byte(`{"token":"driver-token","lat":28.61,"lng":77.2,"speed":12.5}`),
	})

	reporter.AssertExpectations(t)
}

func TestBridge_Stop(t *testing.T) {
	reporter := new(MockReporter)
	b := NewBridge(reporter, tokens, "fleet")
	reporter.On("Stop", mock.Anything, "driver-1", "bus-1").Return(nil)

	err := b.handle("fleet/bus-1/stop", []byte(`{"token":"driver-token"}`))

	assert.NoError(t, err)
	reporter.AssertExpectations(t)
}

func TestBridge_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
		wantErr error
	}{
		{"bad token", "fleet/bus-1/position", `{"token":"nope","lat":1,"lng":1}`, auth.ErrInvalidToken},
		{"parent cannot report", "fleet/bus-1/position", `{"token":"parent-token","lat":1,"lng":1}`, models.ErrForbidden},
		{"token bound to another bus", "fleet/bus-2/position", `{"token":"bus1-token","lat":1,"lng":1}`, models.ErrForbidden},
		{"stop for another bus", "fleet/bus-2/stop", `{"token":"bus1-token"}`, models.ErrForbidden},
		{"foreign prefix", "other/bus-1/position", `{"token":"driver-token"}`, nil},
		{"unknown suffix", "fleet/bus-1/telemetry", `{"token":"driver-token"}`, nil},
		{"nested topic", "fleet/a/b/position", `{"token":"driver-token"}`, nil},
		{"malformed payload", "fleet/bus-1/position", `{`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reporter := new(MockReporter)
			b := NewBridge(reporter, tokens, "fleet")

			err := b.handle(tt.topic, []byte(tt.payload))
			assert.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			reporter.AssertNotCalled(t, "ReportPosition", mock.Anything, mock.Anything, mock.Anything)
			reporter.AssertNotCalled(t, "Stop", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestBridge_ServiceErrorIsReturned(t *testing.T) {
	reporter := new(MockReporter)
	b := NewBridge(reporter, tokens, "fleet")
	reporter.On("ReportPosition", mock.Anything, "driver-1", mock.Anything).Return(nil, models.ErrForbidden)

	err := b.handle("fleet/bus-2/position", []byte(`{"token":"driver-token","lat":1,"lng":1}`))
	assert.True(t, errors.Is(err, models.ErrForbidden))
}

func TestBridge_StopWithoutClient(t *testing.T) {
	NewBridge(nil, tokens, "fleet").Stop()
}
