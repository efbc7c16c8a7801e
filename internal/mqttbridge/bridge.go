// Package mqttbridge ingests position reports published by on-board devices
// over MQTT and feeds them through the tracking service.
package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/schoolbus-tracking/internal/models"
	"github.com/ukydev/schoolbus-tracking/internal/tracking"
)

const (
	positionSuffix = "position"
	stopSuffix     = "stop"

	connectTimeout = 10 * time.Second
	handleTimeout  = 5 * time.Second
	qos            = 1
)

// Reporter is the tracking entry point shared with the HTTP API.
type Reporter interface {
	ReportPosition(ctx context.Context, operatorID string, report tracking.PositionReport) (*models.VehiclePosition, error)
	Stop(ctx context.Context, operatorID, vehicleID string) error
}

// TokenValidator resolves a device token to the operator's claims.
type TokenValidator interface {
	ValidateToken(token string) (*models.Claims, error)
}

// DevicePayload is the JSON body devices publish. Speed is in m/s.
type DevicePayload struct {
	Token   string   `json:"token"`
	Lat     *float64 `json:"lat,omitempty"`
	Lng     *float64 `json:"lng,omitempty"`
	Heading *float64 `json:"heading,omitempty"`
	Speed   *float64 `json:"speed,omitempty"`
}

// Bridge subscribes to <prefix>/+/position and <prefix>/+/stop.
type Bridge struct {
	reporter Reporter
	tokens   TokenValidator
	prefix   string
	client   mqtt.Client
}

// NewBridge creates a bridge; call Start to connect.
func NewBridge(reporter Reporter, tokens TokenValidator, prefix string) *Bridge {
	return &Bridge{
		reporter: reporter,
		tokens:   tokens,
		prefix:   strings.Trim(prefix, "/"),
	}
}

// Topics returns the subscription filters.
func (b *Bridge) Topics() []string {
	return []string{
		b.prefix + "/+/" + positionSuffix,
		b.prefix + "/+/" + stopSuffix,
	}
}

// Start connects to the broker. Subscriptions are renewed on every reconnect.
func (b *Bridge) Start(brokerURL, clientID string) error {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(func(c mqtt.Client) {
			for _, topic := range b.Topics() {
				if token := c.Subscribe(topic, qos, b.HandleMessage); token.Wait() && token.Error() != nil {
					log.WithError(token.Error()).WithField("topic", topic).Error("MQTT subscribe failed")
					continue
				}
				log.WithField("topic", topic).Info("MQTT subscribed")
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.WithError(err).Warn("MQTT connection lost")
		})

	b.client = mqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connect to %s timed out", brokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// Stop disconnects from the broker.
func (b *Bridge) Stop() {
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
	}
}

// HandleMessage is the subscription callback. Failures are logged only.
func (b *Bridge) HandleMessage(_ mqtt.Client, msg mqtt.Message) {
	logger := log.WithField("topic", msg.Topic())
	if err := b.handle(msg.Topic(), msg.Payload()); err != nil {
		logger.WithError(err).Warn("Rejected MQTT report")
		return
	}
	logger.Debug("MQTT report accepted")
}

func (b *Bridge) handle(topic string, payload []byte) error {
	vehicleID, kind, err := b.parseTopic(topic)
	if err != nil {
		return err
	}

	var body DevicePayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	claims, err := b.tokens.ValidateToken(body.Token)
	if err != nil {
		return err
	}
	if !(&models.User{Role: claims.Role}).HasPermission("report_location") || !claims.CanOperate(vehicleID) {
		return models.ErrForbidden
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	if kind == stopSuffix {
		return b.reporter.Stop(ctx, claims.UserID, vehicleID)
	}
	_, err = b.reporter.ReportPosition(ctx, claims.UserID, tracking.PositionReport{
		VehicleID: vehicleID,
		Lat:       body.Lat,
		Lng:       body.Lng,
		Heading:   body.Heading,
		Speed:     body.Speed,
	})
	return err
}

func (b *Bridge) parseTopic(topic string) (vehicleID, kind string, err error) {
	rest, ok := strings.CutPrefix(topic, b.prefix+"/")
	if !ok {
		return "", "", fmt.Errorf("unexpected topic %q", topic)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		return "", "", fmt.Errorf("unexpected topic %q", topic)
	}
	switch parts[1] {
	case positionSuffix, stopSuffix:
		return parts[0], parts[1], nil
	default:
		return "", "", errors.New("unsupported topic suffix " + parts[1])
	}
}
