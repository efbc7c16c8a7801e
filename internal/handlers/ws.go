package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/schoolbus-tracking/internal/hub"
	"github.com/ukydev/schoolbus-tracking/internal/middleware"
)

// Client -> server events.
const (
	EventSubscribeVehicle       = "subscribe-vehicle"
	EventUnsubscribeVehicle     = "unsubscribe-vehicle"
	EventSubscribeAllVehicles   = "subscribe-all-vehicles"
	EventUnsubscribeAllVehicles = "unsubscribe-all-vehicles"
)

// Server -> client acknowledgements.
const (
	EventSubscribed   = "subscribed"
	EventUnsubscribed = "unsubscribed"
	EventError        = "error"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// WSMessage is the envelope of every realtime message.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type vehicleSubscription struct {
	VehicleID string `json:"vehicleId"`
}

// UnmarshalJSON accepts {"vehicleId":"bus-1"} or a bare "bus-1".
func (v *vehicleSubscription) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		v.VehicleID = id
		return nil
	}
	var obj struct {
		VehicleID string `json:"vehicleId"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	v.VehicleID = obj.VehicleID
	return nil
}

type roomAck struct {
	Room string `json:"room"`
}

type wsError struct {
	Message string `json:"message"`
}

// WSHandler upgrades viewers to the realtime channel and maps their
// subscriptions onto hub rooms.
type WSHandler struct {
	hub      *hub.Hub
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new websocket handler
func NewWSHandler(h *hub.Hub) *WSHandler {
	return &WSHandler{
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// wsConn serialises writes; gorilla allows one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.write(WSMessage{Event: event, Data: raw})
}

func (c *wsConn) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) control(messageType int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(messageType, nil, time.Now().Add(writeWait))
}

// ServeWS handles GET /ws. Any authenticated role may subscribe.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "User context not found")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	c := &wsConn{conn: conn}
	session := h.hub.Connect()
	logger := log.WithFields(log.Fields{"session_id": session.ID(), "user_id": claims.UserID})
	logger.Info("Realtime session opened")

	go h.writePump(c, session)
	h.readPump(c, session, logger)
}

func (h *WSHandler) readPump(c *wsConn, session *hub.Session, logger *log.Entry) {
	defer func() {
		h.hub.Disconnect(session.ID())
		_ = c.conn.Close()
		logger.WithField("dropped", session.Dropped()).Info("Realtime session closed")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WithError(err).Debug("Realtime read failed")
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			_ = c.send(EventError, wsError{Message: "invalid message"})
			continue
		}
		if err := h.handleMessage(c, session, msg); err != nil {
			return
		}
	}
}

func (h *WSHandler) handleMessage(c *wsConn, session *hub.Session, msg WSMessage) error {
	switch msg.Event {
	case EventSubscribeVehicle, EventUnsubscribeVehicle:
		var sub vehicleSubscription
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &sub); err != nil {
				return c.send(EventError, wsError{Message: "invalid vehicle subscription"})
			}
		}
		if sub.VehicleID == "" {
			return c.send(EventError, wsError{Message: "vehicleId is required"})
		}
		room := hub.VehicleRoom(sub.VehicleID)
		if msg.Event == EventUnsubscribeVehicle {
			h.hub.Leave(session.ID(), room)
			return c.send(EventUnsubscribed, roomAck{Room: room})
		}
		if err := h.hub.Join(session.ID(), room); err != nil {
			return err
		}
		return c.send(EventSubscribed, roomAck{Room: room})

	case EventSubscribeAllVehicles:
		if err := h.hub.Join(session.ID(), hub.AllVehiclesRoom); err != nil {
			return err
		}
		return c.send(EventSubscribed, roomAck{Room: hub.AllVehiclesRoom})

	case EventUnsubscribeAllVehicles:
		h.hub.Leave(session.ID(), hub.AllVehiclesRoom)
		return c.send(EventUnsubscribed, roomAck{Room: hub.AllVehiclesRoom})

	default:
		return c.send(EventError, wsError{Message: "unknown event " + msg.Event})
	}
}

func (h *WSHandler) writePump(c *wsConn, session *hub.Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case evt := <-session.Events():
			if err := c.write(evt); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.control(websocket.PingMessage); err != nil {
				return
			}
		case <-session.Done():
			_ = c.control(websocket.CloseMessage)
			return
		}
	}
}
