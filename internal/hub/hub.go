// Package hub routes tracking events to live subscriber sessions grouped in
// rooms. Nothing is persisted: a restart clears all membership.
package hub

import (
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
)

const (
	EventLocationUpdate  = "bus-location-update"
	EventTrackingStopped = "bus-tracking-stopped"

	// AllVehiclesRoom receives the events of every vehicle.
	AllVehiclesRoom = "all-vehicles"

	DefaultQueueSize = 64
)

// ErrSessionNotFound is returned when joining with an unknown or disconnected session.
var ErrSessionNotFound = errors.New("session not found")

// VehicleRoom returns the room carrying the events of a single vehicle.
func VehicleRoom(vehicleID string) string {
	return "vehicle:" + vehicleID
}

// Event is a named push message.
type Event struct {
	Name    string `json:"event"`
	Payload any    `json:"data"`
}

// Hub owns the room membership of all connected sessions.
type Hub struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	rooms     map[string]map[string]*Session
	queueSize int
}

// New creates a hub whose sessions buffer up to queueSize events each.
func New(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		sessions:  make(map[string]*Session),
		rooms:     make(map[string]map[string]*Session),
		queueSize: queueSize,
	}
}

// Connect registers a new session with no room membership.
func (h *Hub) Connect() *Session {
	s := newSession(h.queueSize)

	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()

	log.WithField("session_id", s.id).Debug("Session connected")
	return s
}

// Join adds the session to room. Joining twice is a no-op.
func (h *Hub) Join(sessionID, room string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Session)
		h.rooms[room] = members
	}
	members[sessionID] = s
	return nil
}

// Leave removes the session from room.
func (h *Hub) Leave(sessionID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(sessionID, room)
}

// LeaveAll removes the session from every room it joined.
func (h *Hub) LeaveAll(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range h.rooms {
		h.leaveLocked(sessionID, room)
	}
}

// Disconnect removes the session from all rooms and closes it. Events still
// queued for it are discarded.
func (h *Hub) Disconnect(sessionID string) {
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	for room := range h.rooms {
		h.leaveLocked(sessionID, room)
	}
	h.mu.Unlock()

	if ok {
		s.close()
		log.WithFields(log.Fields{"session_id": sessionID, "dropped": s.Dropped()}).Debug("Session disconnected")
	}
}

// Publish delivers evt to every session in room.
func (h *Hub) Publish(room string, evt Event) int {
	return h.Broadcast(evt, room)
}

// Broadcast delivers evt to the members of all given rooms. A session joined
// to several of them receives the event once. Delivery never blocks; it
// returns the number of sessions the event was queued for.
func (h *Hub) Broadcast(evt Event, rooms ...string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]struct{})
	delivered := 0
	for _, room := range rooms {
		for id, s := range h.rooms[room] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if s.enqueue(evt) {
				delivered++
			}
		}
	}
	return delivered
}

// RoomSize returns the number of sessions in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// SessionCount returns the number of connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) leaveLocked(sessionID, room string) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, sessionID)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}
