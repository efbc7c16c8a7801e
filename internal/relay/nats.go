// Package relay forwards tracking events to other services over NATS.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/schoolbus-tracking/internal/hub"
)

// Publisher is the part of *nats.Conn the relay needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Message is the JSON body published for every event.
type Message struct {
	Event       string    `json:"event"`
	VehicleID   string    `json:"vehicleId"`
	Data        any       `json:"data"`
	PublishedAt time.Time `json:"publishedAt"`
}

// NATSRelay publishes events to <prefix>.<vehicleId>.
type NATSRelay struct {
	conn   Publisher
	prefix string
}

// NewNATSRelay creates a relay on an established connection.
func NewNATSRelay(conn Publisher, prefix string) *NATSRelay {
	return &NATSRelay{conn: conn, prefix: strings.TrimSuffix(prefix, ".")}
}

// Connect dials NATS and keeps reconnecting for the life of the process.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("schoolbus-tracking"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

// Subject returns the subject events of vehicleID are published on.
func (r *NATSRelay) Subject(vehicleID string) string {
	return r.prefix + "." + subjectToken(vehicleID)
}

// Publish implements tracking.Relay.
func (r *NATSRelay) Publish(_ context.Context, vehicleID string, evt hub.Event) error {
	data, err := json.Marshal(Message{
		Event:       evt.Name,
		VehicleID:   vehicleID,
		Data:        evt.Payload,
		PublishedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal relay message: %w", err)
	}
	return r.conn.Publish(r.Subject(vehicleID), data)
}

// subjectToken keeps vehicle ids from introducing extra tokens or wildcards.
func subjectToken(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, id)
}
